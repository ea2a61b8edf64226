// Package delivery 把收到的短信推送给激活平台，失败按固定间隔重试
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"smshub-agent/internal/clock"
	"smshub-agent/internal/metrics"
	"smshub-agent/internal/model"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/provider"
	"smshub-agent/internal/store"
)

const (
	DefaultRetryInterval = 10 * time.Second
	logPrefix            = "[Delivery]"
	// persistTimeout 推送结果落库的时限，不受调度器停止影响
	persistTimeout = 10 * time.Second
)

// ErrAttemptsExhausted 达到部署配置的尝试上限
var ErrAttemptsExhausted = errors.New("delivery attempts exhausted")

// Pusher 平台推送接口
type Pusher interface {
	PushSMS(ctx context.Context, req provider.PushSMSRequest) error
}

// Config 重试策略
type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int // 0 表示不限
}

// Pipeline 单条短信的投递
type Pipeline struct {
	store   store.MessageStore
	pusher  Pusher
	clock   clock.Clock
	sink    notify.Sink
	metrics *metrics.Recorder
	config  Config
}

// NewPipeline 创建投递流水线；clk、sink、recorder 可为 nil
func NewPipeline(st store.MessageStore, pusher Pusher, clk clock.Clock, sink notify.Sink, recorder *metrics.Recorder, config Config) *Pipeline {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	return &Pipeline{
		store:   st,
		pusher:  pusher,
		clock:   clk,
		sink:    sink,
		metrics: recorder,
		config:  config,
	}
}

// Attempt 推送一次并持久化结果；已投递的短信直接返回 true
// 推送失败时 error 为本次失败原因，delivered 为 false
func (p *Pipeline) Attempt(ctx context.Context, smsID string) (bool, error) {
	message, err := p.attempt(ctx, smsID)
	if message == nil {
		return false, err
	}
	return message.Delivered, err
}

func (p *Pipeline) attempt(ctx context.Context, smsID string) (*model.Message, error) {
	message, err := p.store.GetMessage(ctx, smsID)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", smsID, err)
	}
	if message.Delivered {
		return message, nil
	}

	pushErr := p.pusher.PushSMS(ctx, provider.PushSMSRequest{
		SMSID:     message.SMSID,
		Phone:     message.PhoneTo,
		PhoneFrom: message.PhoneFrom,
		Text:      message.Text,
	})
	if pushErr != nil && ctx.Err() != nil {
		// 关停打断的推送不计入尝试次数
		return message, ctx.Err()
	}

	// 平台可能已经收下，结果必须记录，否则重启后会重复推送
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	update := model.MessageUpdate{DeliveryAttempts: model.Ptr(message.DeliveryAttempts + 1)}
	if pushErr == nil {
		update.Delivered = model.Ptr(true)
	} else {
		update.LastError = model.Ptr(describe(pushErr))
	}

	updated, err := p.store.UpdateMessage(persistCtx, smsID, update)
	if err != nil {
		log.Printf("%s 保存短信 %s 投递结果失败: %v", logPrefix, smsID, err)
		if pushErr == nil {
			// 平台已确认，停止重试以免重复推送
			message.Delivered = true
			return message, fmt.Errorf("persist delivery of %s: %w", smsID, err)
		}
		return message, pushErr
	}

	if pushErr == nil {
		log.Printf("%s 短信 %s 投递成功 (第 %d 次)", logPrefix, smsID, updated.DeliveryAttempts)
		p.metrics.MessageDelivered(p.elapsed(updated))
	} else {
		log.Printf("%s 短信 %s 第 %d 次投递失败: %v", logPrefix, smsID, updated.DeliveryAttempts, pushErr)
		p.metrics.MessageFailed()
	}
	notify.Fire(persistCtx, p.sink, notify.Event{Type: notify.SMSUpdate, ID: smsID, Fields: updated.Fields()})
	return updated, pushErr
}

// describe 平台业务失败只记录原因，其余记录完整错误
func describe(err error) string {
	var providerErr *provider.Error
	if errors.As(err, &providerErr) {
		if providerErr.Reason != "" {
			return providerErr.Reason
		}
		return providerErr.Status
	}
	return err.Error()
}

func (p *Pipeline) elapsed(message *model.Message) time.Duration {
	elapsed := p.clock.Now().Sub(message.CreatedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Run 重试直到投递成功、ctx 取消或达到尝试上限
func (p *Pipeline) Run(ctx context.Context, smsID string) error {
	for {
		message, err := p.attempt(ctx, smsID)
		if message == nil {
			return err
		}
		if message.Delivered {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.config.MaxAttempts > 0 && message.DeliveryAttempts >= p.config.MaxAttempts {
			log.Printf("%s 短信 %s 已尝试 %d 次，停止重试", logPrefix, smsID, message.DeliveryAttempts)
			return fmt.Errorf("%w: %s after %d attempts", ErrAttemptsExhausted, smsID, message.DeliveryAttempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.config.RetryInterval):
		}
	}
}

// MaxAttempts 尝试上限，0 表示不限
func (p *Pipeline) MaxAttempts() int {
	return p.config.MaxAttempts
}
