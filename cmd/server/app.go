package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"smshub-agent/internal/config"
)

const defaultConfigFilePath = "etc/app.yaml"

var serialDevicePatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

//
// 日志
//

// setupLogging 日志同时输出到 stdout 与滚动文件
func setupLogging(app config.App) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if app.LogFile == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(app.LogFile), 0o755); err != nil {
		log.Printf("[Runner] 创建日志目录失败，只输出到 stdout: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   app.LogFile,
		MaxSize:    app.LogMaxSizeMB,
		MaxBackups: app.LogMaxBackups,
	}))
}

//
// 串口设备检测
//

// SerialPortDetector 未配置串口时扫描本机设备
// 仅在 Linux 环境下工作,其他操作系统会直接跳过
type SerialPortDetector struct {
	operatingSystem string
	patterns        []string
}

// NewSerialPortDetector 创建串口检测器实例
func NewSerialPortDetector() *SerialPortDetector {
	return &SerialPortDetector{
		operatingSystem: runtime.GOOS,
		patterns:        serialDevicePatterns,
	}
}

// DetectInto 配置为空时用检测到的设备填充 Modems.Ports
func (detector *SerialPortDetector) DetectInto(configuration *config.Config) {
	if len(configuration.Modems.Ports) > 0 || detector.operatingSystem != "linux" {
		return
	}

	devices := detector.listSerialDevices()
	if len(devices) == 0 {
		log.Println("[Runner] 未检测到串口设备,请确认设备已正确插入")
		return
	}

	configuration.Modems.Ports = devices
	log.Printf("[Runner] 检测到串口设备: %v", devices)
}

// listSerialDevices 列出系统中可用的串口设备
func (detector *SerialPortDetector) listSerialDevices() []string {
	var devices []string
	for _, pattern := range detector.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		devices = append(devices, matches...)
	}
	sort.Strings(devices)
	return devices
}

//
// HTTP 服务器管理
//

// ServerManager HTTP 服务器管理器
type ServerManager struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewServerManager 创建服务器管理器实例
func NewServerManager(app config.App, handler http.Handler) *ServerManager {
	return &ServerManager{
		server: &http.Server{
			Addr:              app.Addr,
			Handler:           handler,
			ReadHeaderTimeout: app.RequestTimeout,
		},
		shutdownTimeout: app.ShutdownTimeout,
	}
}

// Start 在独立的 goroutine 中启动 HTTP 服务器
func (manager *ServerManager) Start() {
	go func() {
		log.Printf("[Server] HTTP 服务启动于 %s", manager.server.Addr)

		if err := manager.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Server] 启动失败: %v", err)
		}
	}()
}

// GracefulShutdown 等待现有请求完成或超时后强制关闭
func (manager *ServerManager) GracefulShutdown() error {
	log.Println("[Server] 开始优雅关闭...")

	shutdownContext, cancel := context.WithTimeout(context.Background(), manager.shutdownTimeout)
	defer cancel()

	if err := manager.server.Shutdown(shutdownContext); err != nil {
		log.Printf("[Server] 关闭过程出现错误: %v", err)
		return err
	}

	log.Println("[Server] 优雅关闭完成")
	return nil
}

//
// 信号处理器
//

// SignalHandler 监听 SIGINT 和 SIGTERM 信号用于优雅关闭
type SignalHandler struct {
	notifyContext context.Context
	stopFunc      context.CancelFunc
}

// NewSignalHandler 创建信号处理器实例
func NewSignalHandler() *SignalHandler {
	notifyContext, stopFunc := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	return &SignalHandler{
		notifyContext: notifyContext,
		stopFunc:      stopFunc,
	}
}

// Context 收到信号后取消
func (handler *SignalHandler) Context() context.Context {
	return handler.notifyContext
}

// WaitForShutdownSignal 阻塞直到收到中断信号
func (handler *SignalHandler) WaitForShutdownSignal() {
	<-handler.notifyContext.Done()
	handler.stopFunc()
	log.Println("[SignalHandler] 收到关闭信号")
}

//
// 应用程序启动器
//

// ApplicationRunner 负责整个应用的生命周期管理
type ApplicationRunner struct {
	configuration config.Config
	serverManager *ServerManager
	signalHandler *SignalHandler
	appContext    *AppContext
}

// NewApplicationRunner 创建应用运行器实例
func NewApplicationRunner() *ApplicationRunner {
	configPath := flag.String("config", defaultConfigFilePath, "配置文件路径")
	flag.Parse()

	configuration := config.MustLoad(*configPath)
	setupLogging(configuration.App)

	return &ApplicationRunner{
		configuration: configuration,
		signalHandler: NewSignalHandler(),
	}
}

// Run 执行完整的启动、运行和关闭流程
func (runner *ApplicationRunner) Run() {
	runner.detectSerialPorts()
	runner.initializeApplication()
	runner.startBackground()
	runner.startHTTPServer()
	runner.waitForShutdown()
}

func (runner *ApplicationRunner) detectSerialPorts() {
	NewSerialPortDetector().DetectInto(&runner.configuration)
}

func (runner *ApplicationRunner) initializeApplication() {
	runner.appContext = InitAppContext(runner.configuration)
	log.Println("[Runner] 应用程序初始化完成")
}

// startBackground 恢复未投递短信、启动消费者、连接模块
func (runner *ApplicationRunner) startBackground() {
	ctx := runner.signalHandler.Context()

	if scheduled, err := runner.appContext.Scheduler.Resume(ctx); err != nil {
		log.Printf("[Runner] 恢复未投递短信失败: %v", err)
	} else if scheduled > 0 {
		log.Printf("[Runner] 已恢复 %d 条未投递短信", scheduled)
	}

	startDeliveryConsumer(ctx, runner.appContext)

	if runner.configuration.Modems.AutoConnect {
		go runner.appContext.Agent.ConnectAll(ctx, runner.configuration.Modems.Ports)
	}
	log.Println("[Runner] 后台任务启动完成")
}

func (runner *ApplicationRunner) startHTTPServer() {
	router := BuildGinRouter(runner.appContext)

	runner.serverManager = NewServerManager(runner.configuration.App, router)
	runner.serverManager.Start()
}

func (runner *ApplicationRunner) waitForShutdown() {
	runner.signalHandler.WaitForShutdownSignal()
	runner.performShutdown()
}

// performShutdown 先停止接收请求，再释放应用上下文
func (runner *ApplicationRunner) performShutdown() {
	if err := runner.serverManager.GracefulShutdown(); err != nil {
		log.Printf("[Runner] 服务器关闭出现错误: %v", err)
	}

	if runner.appContext != nil {
		runner.appContext.Close()
		log.Println("[Runner] 应用上下文资源释放完成")
	}

	log.Println("[Runner] 应用程序已完全关闭")
}
