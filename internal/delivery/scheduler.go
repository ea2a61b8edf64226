package delivery

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
)

// Scheduler 每条待投递短信一个 goroutine，按 sms_id 去重
type Scheduler struct {
	pipeline *Pipeline

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(pipeline *Pipeline) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
	}
}

// Schedule 启动投递；已在投递中或调度器已停止时返回 false
func (s *Scheduler) Schedule(smsID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.running[smsID]; ok {
		return false
	}
	s.running[smsID] = struct{}{}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.finish(smsID)

		err := s.pipeline.Run(s.ctx, smsID)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("%s 短信 %s 投递结束: %v", logPrefix, smsID, err)
		}
	}()
	return true
}

func (s *Scheduler) finish(smsID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, smsID)
}

// Resume 启动时恢复所有未投递短信，已达上限的跳过
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	pending, err := s.pipeline.store.ListUndelivered(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, message := range pending {
		if limit := s.pipeline.MaxAttempts(); limit > 0 && message.DeliveryAttempts >= limit {
			continue
		}
		if s.Schedule(message.SMSID) {
			scheduled++
		}
	}
	if scheduled > 0 {
		log.Printf("%s 恢复 %d 条待投递短信", logPrefix, scheduled)
	}
	return scheduled, nil
}

// Pending 正在投递的 sms_id
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop 取消所有投递并等待退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
