// Package idempotency 对模块读到的短信去重
// 删除失败后同一条短信会被再次读出，这里保证只入库一次
package idempotency

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ==================== 常量定义 ====================

const (
	keySeparator          = ":"
	idempotencyPrefix     = "idemp"
	kindSMS               = "sms"
	redisPlaceholderValue = "1"
	contentDelimiter      = "|"

	DefaultTTL = 24 * time.Hour
)

// ==================== 错误定义 ====================

var (
	// ErrRedisSetFailed Redis 设置失败错误
	ErrRedisSetFailed = errors.New("failed to set idempotency key in redis")

	// ErrEmptyPort 缺少串口
	ErrEmptyPort = errors.New("fingerprint has no port")
)

// ==================== 接口定义 ====================

// Fingerprint 一条短信的内容指纹
type Fingerprint struct {
	Port      string
	Sender    string
	Timestamp string
	Text      string
}

// Checker 幂等性检查器
type Checker interface {
	// CheckAndSet 返回 true 表示第一次见到该短信
	CheckAndSet(ctx context.Context, fp Fingerprint, ttl time.Duration) (bool, string, error)
	// Forget 撤销标记，短信入库失败时调用，下一轮可以重新处理
	Forget(ctx context.Context, fp Fingerprint) error
}

// ==================== Redis 实现 ====================

// RedisChecker 基于 SETNX 的检查器
type RedisChecker struct {
	client    redis.Cmdable
	Namespace string
}

// NewRedisChecker 创建 Redis 幂等性检查器实例
func NewRedisChecker(client redis.Cmdable, namespace string) *RedisChecker {
	return &RedisChecker{
		client:    client,
		Namespace: namespace,
	}
}

// CheckAndSet 检查并设置幂等性
func (checker *RedisChecker) CheckAndSet(ctx context.Context, fp Fingerprint, ttl time.Duration) (bool, string, error) {
	key, err := checker.buildKey(fp)
	if err != nil {
		return false, "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	isNew, err := checker.client.SetNX(ctx, key, redisPlaceholderValue, ttl).Result()
	if err != nil {
		return false, key, fmt.Errorf("%w: %v", ErrRedisSetFailed, err)
	}
	return isNew, key, nil
}

// Forget 删除幂等键
func (checker *RedisChecker) Forget(ctx context.Context, fp Fingerprint) error {
	key, err := checker.buildKey(fp)
	if err != nil {
		return err
	}
	if err := checker.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (checker *RedisChecker) buildKey(fp Fingerprint) (string, error) {
	return BuildKey(checker.Namespace, fp)
}

// ==================== 键构建 ====================

// BuildKey 格式: {namespace}:idemp:sms:{port}_{sha1(sender|timestamp|text)}
func BuildKey(namespace string, fp Fingerprint) (string, error) {
	if fp.Port == "" {
		return "", ErrEmptyPort
	}
	parts := []string{
		namespace,
		idempotencyPrefix,
		kindSMS,
		fmt.Sprintf("%s_%s", fp.Port, contentHash(fp)),
	}
	return strings.Join(parts, keySeparator), nil
}

func contentHash(fp Fingerprint) string {
	content := strings.Join([]string{fp.Sender, fp.Timestamp, fp.Text}, contentDelimiter)
	hash := sha1.Sum([]byte(content))
	return hex.EncodeToString(hash[:])
}
