package idempotency

import (
	"context"
	"log"
	"sync"
	"time"

	"smshub-agent/internal/clock"
)

// MemoryChecker 进程内检查器，未配置 Redis 或 Redis 故障时使用
type MemoryChecker struct {
	mu        sync.Mutex
	clock     clock.Clock
	namespace string
	expires   map[string]time.Time
}

// NewMemoryChecker 创建内存检查器
func NewMemoryChecker(clk clock.Clock, namespace string) *MemoryChecker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryChecker{
		clock:     clk,
		namespace: namespace,
		expires:   make(map[string]time.Time),
	}
}

// CheckAndSet 检查并设置幂等性，顺带清理过期键
func (checker *MemoryChecker) CheckAndSet(_ context.Context, fp Fingerprint, ttl time.Duration) (bool, string, error) {
	key, err := BuildKey(checker.namespace, fp)
	if err != nil {
		return false, "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	checker.mu.Lock()
	defer checker.mu.Unlock()

	now := checker.clock.Now()
	for k, expiresAt := range checker.expires {
		if !now.Before(expiresAt) {
			delete(checker.expires, k)
		}
	}
	if _, seen := checker.expires[key]; seen {
		return false, key, nil
	}
	checker.expires[key] = now.Add(ttl)
	return true, key, nil
}

// Forget 删除幂等键
func (checker *MemoryChecker) Forget(_ context.Context, fp Fingerprint) error {
	key, err := BuildKey(checker.namespace, fp)
	if err != nil {
		return err
	}
	checker.mu.Lock()
	defer checker.mu.Unlock()
	delete(checker.expires, key)
	return nil
}

// Len 当前记录的键数量
func (checker *MemoryChecker) Len() int {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	return len(checker.expires)
}

// ==================== 混合实现 ====================

// HybridChecker Redis 优先，失败时降级到内存，保证收件不被去重故障阻断
type HybridChecker struct {
	redisChecker  *RedisChecker
	memoryChecker *MemoryChecker
}

// NewHybridChecker 创建混合检查器，redisChecker 可为 nil
func NewHybridChecker(redisChecker *RedisChecker, memoryChecker *MemoryChecker) *HybridChecker {
	return &HybridChecker{
		redisChecker:  redisChecker,
		memoryChecker: memoryChecker,
	}
}

// CheckAndSet 检查并设置幂等性
func (checker *HybridChecker) CheckAndSet(ctx context.Context, fp Fingerprint, ttl time.Duration) (bool, string, error) {
	if checker.redisChecker == nil {
		return checker.memoryChecker.CheckAndSet(ctx, fp, ttl)
	}

	isNew, key, err := checker.redisChecker.CheckAndSet(ctx, fp, ttl)
	if err != nil {
		log.Printf("[HYBRID_IDEMPOTENCY] Redis 不可用，降级到内存: %v", err)
		return checker.memoryChecker.CheckAndSet(ctx, fp, ttl)
	}
	return isNew, key, nil
}

// Forget 两边都删除，降级期间写入内存的键也需要清掉
func (checker *HybridChecker) Forget(ctx context.Context, fp Fingerprint) error {
	memoryErr := checker.memoryChecker.Forget(ctx, fp)
	if checker.redisChecker == nil {
		return memoryErr
	}
	if err := checker.redisChecker.Forget(ctx, fp); err != nil {
		return err
	}
	return memoryErr
}
