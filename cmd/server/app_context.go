package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"smshub-agent/internal/activation"
	"smshub-agent/internal/agent"
	"smshub-agent/internal/clock"
	"smshub-agent/internal/config"
	"smshub-agent/internal/database"
	"smshub-agent/internal/delivery"
	"smshub-agent/internal/idempotency"
	"smshub-agent/internal/metrics"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/provider"
	"smshub-agent/internal/queue"
	"smshub-agent/internal/store"
)

const redisPingTimeout = 3 * time.Second

// AppContext 应用运行时上下文
// 聚合所有运行期依赖,统一管理生命周期
type AppContext struct {
	Config        config.Config
	RedisClient   *redis.Client
	MySQL         *database.MySQLDB
	Store         store.Store
	Metrics       *metrics.Recorder
	Idempotency   idempotency.Checker
	EventStore    *notify.RedisSink
	EventProducer *queue.NSQProducer
	Sink          notify.Sink
	Provider      *provider.Client
	Lifecycle     *activation.Lifecycle
	Pipeline      *delivery.Pipeline
	Scheduler     *delivery.Scheduler
	Agent         *agent.Manager
	DeliveryQueue *queue.NSQConsumer
}

// Close 按照依赖关系倒序释放
func (context *AppContext) Close() {
	context.closeAgent()
	context.closeDeliveryQueue()
	context.closeScheduler()
	context.closeEventProducer()
	context.closeRedis()
	context.closeMySQLConnection()
}

// closeAgent 停止收件轮询，存储中的模块状态保持不变
func (context *AppContext) closeAgent() {
	if context.Agent != nil {
		context.Agent.Close()
	}
}

func (context *AppContext) closeDeliveryQueue() {
	if context.DeliveryQueue != nil {
		context.DeliveryQueue.Stop()
	}
}

// closeScheduler 未完成的投递留在存储中，下次启动由 Resume 接手
func (context *AppContext) closeScheduler() {
	if context.Scheduler != nil {
		context.Scheduler.Stop()
	}
}

func (context *AppContext) closeEventProducer() {
	if context.EventProducer != nil {
		context.EventProducer.Close()
	}
}

func (context *AppContext) closeRedis() {
	if context.RedisClient != nil {
		if err := context.RedisClient.Close(); err != nil {
			log.Printf("[Initializer] 关闭 Redis 失败: %v", err)
		}
	}
}

func (context *AppContext) closeMySQLConnection() {
	if context.MySQL != nil {
		if err := context.MySQL.Close(); err != nil {
			log.Printf("[Initializer] %v", err)
		}
	}
}

//
// 应用初始化器
//

// ApplicationInitializer 负责构建完整的应用运行上下文
type ApplicationInitializer struct {
	configuration config.Config
	redisClient   *redis.Client
	mysqlDatabase *database.MySQLDB
	eventStore    *notify.RedisSink
	eventProducer *queue.NSQProducer
}

// NewApplicationInitializer 创建应用初始化器实例
func NewApplicationInitializer(configuration config.Config) *ApplicationInitializer {
	return &ApplicationInitializer{
		configuration: configuration,
	}
}

// Initialize 按照依赖关系依次初始化各个组件
func (initializer *ApplicationInitializer) Initialize() *AppContext {
	initializer.initializeRedis()
	initializer.initializeMySQL()

	recorder := metrics.New()
	persistence := initializer.createStore()
	checker := initializer.createIdempotencyChecker()
	sink := initializer.createEventSink()
	client := initializer.createProviderClient()

	lifecycle := activation.New(persistence, client, sink, recorder)
	pipeline := delivery.NewPipeline(persistence, client, clock.Real{}, sink, recorder, delivery.Config{
		RetryInterval: initializer.configuration.Delivery.RetryInterval,
		MaxAttempts:   initializer.configuration.Delivery.MaxAttempts,
	})
	scheduler := delivery.NewScheduler(pipeline)

	manager := initializer.createAgent(persistence, checker, lifecycle, scheduler, sink, recorder)
	lifecycle.SetHealthFunc(manager.Healthy)

	return &AppContext{
		Config:        initializer.configuration,
		RedisClient:   initializer.redisClient,
		MySQL:         initializer.mysqlDatabase,
		Store:         persistence,
		Metrics:       recorder,
		Idempotency:   checker,
		EventStore:    initializer.eventStore,
		EventProducer: initializer.eventProducer,
		Sink:          sink,
		Provider:      client,
		Lifecycle:     lifecycle,
		Pipeline:      pipeline,
		Scheduler:     scheduler,
		Agent:         manager,
	}
}

// initializeRedis 未配置地址时去重与事件只在进程内进行
func (initializer *ApplicationInitializer) initializeRedis() {
	address := initializer.configuration.Storage.RedisAddr
	if address == "" {
		log.Println("[Initializer] 未配置 Redis,去重使用内存")
		return
	}

	initializer.redisClient = redis.NewClient(&redis.Options{Addr: address})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := initializer.redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("[Initializer] Redis 暂不可用,去重将降级到内存: %v", err)
		return
	}
	log.Println("[Initializer] Redis 客户端初始化完成")
}

// initializeMySQL 仅在配置了 DSN 时才初始化
func (initializer *ApplicationInitializer) initializeMySQL() {
	if initializer.configuration.Storage.MySQL.DSN == "" {
		log.Println("[Initializer] 未配置 MySQL,使用内存存储")
		return
	}

	if err := initializer.connectMySQL(); err != nil {
		log.Fatalf("[Initializer] MySQL 初始化失败: %v", err)
	}
}

func (initializer *ApplicationInitializer) connectMySQL() error {
	db, err := database.NewMySQLDB(initializer.configuration.Storage.MySQL)
	if err != nil {
		return fmt.Errorf("创建连接失败: %w", err)
	}

	if err := db.InitTables(); err != nil {
		db.Close()
		return fmt.Errorf("初始化表结构失败: %w", err)
	}

	initializer.mysqlDatabase = db
	log.Println("[Initializer] MySQL 连接成功")
	return nil
}

func (initializer *ApplicationInitializer) createStore() store.Store {
	if initializer.mysqlDatabase == nil {
		return store.NewMemory()
	}
	return store.NewMySQL(initializer.mysqlDatabase.DB)
}

// createIdempotencyChecker Redis 优先，内存兜底
func (initializer *ApplicationInitializer) createIdempotencyChecker() idempotency.Checker {
	namespace := initializer.configuration.Storage.Namespace
	memoryChecker := idempotency.NewMemoryChecker(clock.Real{}, namespace)

	var redisChecker *idempotency.RedisChecker
	if initializer.redisClient != nil {
		redisChecker = idempotency.NewRedisChecker(initializer.redisClient, namespace)
	}
	return idempotency.NewHybridChecker(redisChecker, memoryChecker)
}

// createEventSink 事件同时写入 Redis 与 NSQ，两者都没有时丢弃
func (initializer *ApplicationInitializer) createEventSink() notify.Sink {
	var sinks notify.Multi

	if initializer.redisClient != nil {
		storage := initializer.configuration.Storage
		initializer.eventStore = notify.NewRedisSink(initializer.redisClient, storage.Namespace, storage.EventHistory, storage.EventTTL)
		sinks = append(sinks, initializer.eventStore)
		log.Printf("[Initializer] 事件发布到 Redis 频道 %s", initializer.eventStore.Channel())
	}

	nsqConfig := initializer.configuration.NSQ
	if nsqConfig.ProducerAddr != "" {
		producer, err := queue.NewNSQProducer(nsqConfig.ProducerAddr, nsqConfig.EventsTopic)
		if err != nil {
			log.Printf("[Initializer] 创建事件生产者失败: %v", err)
		} else {
			initializer.eventProducer = producer
			sinks = append(sinks, notify.NewNSQSink(producer))
			log.Printf("[Initializer] 事件发布到 NSQ 主题 %s", producer.Topic())
		}
	}

	if len(sinks) == 0 {
		return notify.Nop{}
	}
	return sinks
}

func (initializer *ApplicationInitializer) createProviderClient() *provider.Client {
	providerConfig := initializer.configuration.Provider
	return provider.NewClient(provider.Config{
		URL:       providerConfig.URL,
		APIKey:    providerConfig.APIKey,
		UserAgent: providerConfig.UserAgent,
		Timeout:   providerConfig.Timeout,
	})
}

func (initializer *ApplicationInitializer) createAgent(
	persistence store.Store,
	checker idempotency.Checker,
	lifecycle *activation.Lifecycle,
	scheduler *delivery.Scheduler,
	sink notify.Sink,
	recorder *metrics.Recorder,
) *agent.Manager {
	modems := initializer.configuration.Modems
	return agent.New(agent.Options{
		Config: agent.Config{
			BaudRate:       modems.BaudRate,
			ReadTimeout:    modems.ReadTimeout,
			CommandTimeout: modems.CommandTimeout,
			PollInterval:   modems.PollInterval,
			SignalInterval: modems.SignalInterval,
			Charset:        modems.Charset,
			DedupeTTL:      initializer.configuration.Storage.DedupeTTL,
		},
		Store:     persistence,
		Clock:     clock.Real{},
		Dedupe:    checker,
		Ready:     lifecycle,
		Scheduler: scheduler,
		Sink:      sink,
		Metrics:   recorder,
	})
}

// InitAppContext 初始化应用上下文
func InitAppContext(configuration config.Config) *AppContext {
	return NewApplicationInitializer(configuration).Initialize()
}
