package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// NSQProducer 向固定主题发布消息
type NSQProducer struct {
	p     *nsq.Producer
	topic string
}

// NewNSQProducer 创建生产者并确认 nsqd 可达
func NewNSQProducer(addr, topic string) (*NSQProducer, error) {
	if topic == "" {
		return nil, errors.New(errorMessageTopicRequired)
	}
	cfg := nsq.NewConfig()
	cfg.UserAgent = defaultUserAgent
	p, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	p.SetLogger(logger, nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("failed to ping nsqd %s: %w", addr, err)
	}
	return &NSQProducer{p: p, topic: topic}, nil
}

// Topic 发布主题
func (n *NSQProducer) Topic() string {
	return n.topic
}

// Enqueue 发布一条消息；go-nsq 的 Publish 不接收 context，这里只在发布前检查取消
func (n *NSQProducer) Enqueue(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.p.Publish(n.topic, payload)
}

// Close 停止生产者
func (n *NSQProducer) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}
