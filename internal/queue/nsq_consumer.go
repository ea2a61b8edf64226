package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
)

// ==================== 常量定义 ====================

const (
	defaultMessageHandleTimeout = 30 * time.Second
	defaultUserAgent            = "smshub-agent"
	logPrefix                   = "[NSQ] "

	errorMessageTopicRequired       = "topic is required"
	errorMessageChannelRequired     = "channel is required"
	errorMessageHandlerRequired     = "handler is required"
	errorMessageNoAddressConfigured = "no nsqd address or lookupd configured"
)

var logger = log.New(os.Stdout, logPrefix, log.LstdFlags)

// HandlerFunc 消息处理函数
type HandlerFunc func(ctx context.Context, payload []byte, attempts uint16) error

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Topic                string
	Channel              string
	MaxInFlight          int
	Concurrency          int
	NsqdAddresses        []string
	LookupdAddresses     []string
	DLQTopic             string
	MaxAttemptsBeforeDLQ uint16
	MessageHandleTimeout time.Duration
	Handler              HandlerFunc
}

// validate 校验必填项并填充默认值
func (config *ConsumerConfig) validate() error {
	switch {
	case config.Topic == "":
		return errors.New(errorMessageTopicRequired)
	case config.Channel == "":
		return errors.New(errorMessageChannelRequired)
	case config.Handler == nil:
		return errors.New(errorMessageHandlerRequired)
	case len(config.NsqdAddresses) == 0 && len(config.LookupdAddresses) == 0:
		return errors.New(errorMessageNoAddressConfigured)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MessageHandleTimeout <= 0 {
		config.MessageHandleTimeout = defaultMessageHandleTimeout
	}
	return nil
}

// NSQConsumer 带死信队列的 NSQ 消费者
type NSQConsumer struct {
	config      ConsumerConfig
	consumer    *nsq.Consumer
	dlqProducer *nsq.Producer
}

// NewNSQConsumer 创建消费者，尚未连接
func NewNSQConsumer(config ConsumerConfig) (*NSQConsumer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	nsqConfig := nsq.NewConfig()
	if config.MaxInFlight > 0 {
		nsqConfig.MaxInFlight = config.MaxInFlight
	}
	nsqConfig.UserAgent = defaultUserAgent

	consumer, err := nsq.NewConsumer(config.Topic, config.Channel, nsqConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.SetLogger(logger, nsq.LogLevelInfo)

	return &NSQConsumer{config: config, consumer: consumer}, nil
}

// AttachDLQProducer 配置了 DLQ 主题时创建死信生产者
func (c *NSQConsumer) AttachDLQProducer(nsqdAddress string) error {
	if c.config.DLQTopic == "" || nsqdAddress == "" {
		return nil
	}
	producer, err := nsq.NewProducer(nsqdAddress, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("failed to create DLQ producer: %w", err)
	}
	producer.SetLogger(logger, nsq.LogLevelWarning)
	c.dlqProducer = producer
	return nil
}

// Run 连接并消费，直到 ctx 取消或 Stop
func (c *NSQConsumer) Run(ctx context.Context) error {
	c.consumer.AddConcurrentHandlers(nsq.HandlerFunc(c.handleMessage), c.config.Concurrency)

	for _, address := range c.config.NsqdAddresses {
		if err := c.consumer.ConnectToNSQD(address); err != nil {
			return fmt.Errorf("failed to connect to nsqd %s: %w", address, err)
		}
		logger.Printf("已连接 nsqd: %s", address)
	}
	for _, address := range c.config.LookupdAddresses {
		if err := c.consumer.ConnectToNSQLookupd(address); err != nil {
			return fmt.Errorf("failed to connect to lookupd %s: %w", address, err)
		}
		logger.Printf("已连接 lookupd: %s", address)
	}

	select {
	case <-ctx.Done():
		c.Stop()
		<-c.consumer.StopChan
	case <-c.consumer.StopChan:
	}
	return nil
}

func (c *NSQConsumer) handleMessage(message *nsq.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.MessageHandleTimeout)
	defer cancel()

	err := c.config.Handler(ctx, message.Body, message.Attempts)
	if err == nil {
		return nil
	}
	if !c.shouldSendToDLQ(message.Attempts) {
		return err
	}
	if dlqErr := c.dlqProducer.Publish(c.config.DLQTopic, message.Body); dlqErr != nil {
		logger.Printf("写入死信队列失败: %v, 原始错误: %v", dlqErr, err)
		return err
	}
	// 已进入死信队列，返回 nil 让 NSQ 不再重试
	logger.Printf("消息在 %d 次尝试后进入死信队列 %s", message.Attempts, c.config.DLQTopic)
	return nil
}

func (c *NSQConsumer) shouldSendToDLQ(attempts uint16) bool {
	return c.dlqProducer != nil && c.config.DLQTopic != "" && attempts >= c.config.MaxAttemptsBeforeDLQ
}

// Stop 停止消费者与死信生产者
func (c *NSQConsumer) Stop() {
	if c.consumer != nil {
		logger.Printf("停止消费主题 %s", c.config.Topic)
		c.consumer.Stop()
	}
	if c.dlqProducer != nil {
		c.dlqProducer.Stop()
	}
}

// IsConnected 是否有活动连接
func (c *NSQConsumer) IsConnected() bool {
	return c.consumer.Stats().Connections > 0
}
