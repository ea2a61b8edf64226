package main

import (
	"context"
	"log"

	"smshub-agent/internal/queue"
)

//
// 投递请求消费者
//

// DeliveryConsumerManager 从 NSQ 接收外部投递请求，交给投递调度器
type DeliveryConsumerManager struct {
	app *AppContext
}

// NewDeliveryConsumerManager 创建消费者管理器实例
func NewDeliveryConsumerManager(app *AppContext) *DeliveryConsumerManager {
	return &DeliveryConsumerManager{app: app}
}

// Start 在后台运行消费者，ctx 取消时退出
func (manager *DeliveryConsumerManager) Start(ctx context.Context) {
	if !manager.isConsumerEnabled() {
		log.Println("[DeliveryConsumer] 消费者未启用,跳过启动")
		return
	}

	consumer, err := queue.NewNSQConsumer(manager.consumerConfig())
	if err != nil {
		log.Printf("[DeliveryConsumer] 创建消费者失败: %v", err)
		return
	}
	manager.attachDeadLetterQueue(consumer)
	manager.app.DeliveryQueue = consumer

	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Printf("[DeliveryConsumer] 消费者退出: %v", err)
		}
	}()
	log.Println("[DeliveryConsumer] 投递请求消费者启动成功")
}

func (manager *DeliveryConsumerManager) isConsumerEnabled() bool {
	return manager.app.Config.NSQ.ConsumerEnabled
}

func (manager *DeliveryConsumerManager) consumerConfig() queue.ConsumerConfig {
	nsqConfig := manager.app.Config.NSQ
	return queue.ConsumerConfig{
		Topic:                nsqConfig.DeliveryTopic,
		Channel:              nsqConfig.Channel,
		MaxInFlight:          nsqConfig.MaxInFlight,
		Concurrency:          nsqConfig.Concurrency,
		NsqdAddresses:        nsqConfig.NsqdTCPAddrs,
		LookupdAddresses:     nsqConfig.LookupdHTTPAddrs,
		DLQTopic:             nsqConfig.DLQTopic,
		MaxAttemptsBeforeDLQ: uint16(nsqConfig.MaxConsumeAttemptsBeforeDLQ),
		Handler:              queue.DeliveryHandler(manager.app.Scheduler),
	}
}

// attachDeadLetterQueue 死信发往生产者所在的 nsqd
func (manager *DeliveryConsumerManager) attachDeadLetterQueue(consumer *queue.NSQConsumer) {
	address := manager.app.Config.NSQ.ProducerAddr
	if address == "" && len(manager.app.Config.NSQ.NsqdTCPAddrs) > 0 {
		address = manager.app.Config.NSQ.NsqdTCPAddrs[0]
	}
	if err := consumer.AttachDLQProducer(address); err != nil {
		log.Printf("[DeliveryConsumer] 死信队列不可用: %v", err)
	}
}

// startDeliveryConsumer 启动投递请求消费者
func startDeliveryConsumer(ctx context.Context, app *AppContext) {
	NewDeliveryConsumerManager(app).Start(ctx)
}
