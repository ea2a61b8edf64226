// Package agent 管理模块集群：注册、上线、收件轮询、信号刷新与下线
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"smshub-agent/internal/clock"
	"smshub-agent/internal/idempotency"
	"smshub-agent/internal/metrics"
	"smshub-agent/internal/model"
	"smshub-agent/internal/modem"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/store"
)

const (
	logPrefix             = "[Agent]"
	defaultSignalInterval = time.Minute
)

// ErrConnectFailed 模块上线失败，原因见 Session.LastError
var ErrConnectFailed = errors.New("modem connect failed")

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("agent closed")

// Config 模块通用参数
type Config struct {
	BaudRate       int
	ReadTimeout    time.Duration
	CommandTimeout time.Duration
	PollInterval   time.Duration
	SignalInterval time.Duration
	Charset        string
	DedupeTTL      time.Duration
}

// Scheduler 投递调度
type Scheduler interface {
	Schedule(smsID string) bool
}

// ReadyMarker 收到短信后推进激活状态
type ReadyMarker interface {
	MarkReady(ctx context.Context, activationID string) error
}

// Options 依赖集合；Opener、Clock、Sink、Metrics 可为空
type Options struct {
	Config    Config
	Store     store.Store
	Opener    modem.Opener
	Clock     clock.Clock
	Dedupe    idempotency.Checker
	Ready     ReadyMarker
	Scheduler Scheduler
	Sink      notify.Sink
	Metrics   *metrics.Recorder
}

// Manager 模块集群管理器
type Manager struct {
	config    Config
	store     store.Store
	opener    modem.Opener
	clock     clock.Clock
	dedupe    idempotency.Checker
	ready     ReadyMarker
	scheduler Scheduler
	sink      notify.Sink
	metrics   *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool
}

// worker 一个模块的会话与后台任务
type worker struct {
	modemID int64
	session *modem.Session

	// connectMu 串行化同一模块的上线与下线
	connectMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建管理器
func New(opts Options) *Manager {
	if opts.Opener == nil {
		opts.Opener = modem.OpenSerial
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	if opts.Dedupe == nil {
		opts.Dedupe = idempotency.NewMemoryChecker(opts.Clock, "")
	}
	if opts.Config.SignalInterval <= 0 {
		opts.Config.SignalInterval = defaultSignalInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    opts.Config,
		store:     opts.Store,
		opener:    opts.Opener,
		clock:     opts.Clock,
		dedupe:    opts.Dedupe,
		ready:     opts.Ready,
		scheduler: opts.Scheduler,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[int64]*worker),
	}
}

// ==================== 注册 ====================

// Register 登记串口，初始状态 offline；重复串口返回 ErrAlreadyExists
func (m *Manager) Register(ctx context.Context, port string) (*model.Modem, error) {
	record := &model.Modem{Port: port, Status: model.ModemOffline}
	if err := m.store.CreateModem(ctx, record); err != nil {
		return nil, fmt.Errorf("register %s: %w", port, err)
	}
	log.Printf("%s 已登记模块 %d (%s)", logPrefix, record.ID, port)
	m.metrics.SetModemStatus(port, model.ModemOffline)
	m.fireModem(ctx, record.ID, map[string]any{"status": string(model.ModemOffline), "port": port})
	return record, nil
}

// Remove 注销模块；被租用时拒绝
func (m *Manager) Remove(ctx context.Context, modemID int64) error {
	if _, err := m.Disconnect(ctx, modemID); err != nil {
		return err
	}
	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteModem(ctx, modemID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.workers, modemID)
	m.mu.Unlock()

	m.metrics.ForgetModem(record.Port)
	log.Printf("%s 已注销模块 %d (%s)", logPrefix, modemID, record.Port)
	return nil
}

// ==================== 上线 ====================

// Connect 上线模块并启动后台任务；租用中的模块保持 busy
func (m *Manager) Connect(ctx context.Context, modemID int64) (*model.Modem, error) {
	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return nil, err
	}
	w, err := m.workerFor(record)
	if err != nil {
		return nil, err
	}

	w.connectMu.Lock()
	defer w.connectMu.Unlock()

	w.stop()
	if !w.session.Connect(ctx) {
		cause := w.session.LastError()
		updated := m.recordFault(ctx, record.ID, record.Port, cause)
		if updated == nil {
			updated = record
		}
		return updated, fmt.Errorf("%w: %s: %v", ErrConnectFailed, record.Port, cause)
	}

	info := w.session.Info()
	update := model.ModemUpdate{
		IMEI:     &info.IMEI,
		ICCID:    &info.ICCID,
		Operator: &info.Operator,
	}
	if info.PhoneNumber != "" {
		update.PhoneNumber = &info.PhoneNumber
	}
	if percent, err := w.session.ReadSignalQuality(ctx); err == nil {
		update.SignalQuality = &percent
		m.metrics.SetSignalQuality(record.Port, percent)
	}
	if _, err := m.store.UpdateModem(ctx, modemID, update); err != nil {
		w.session.Disconnect()
		return nil, fmt.Errorf("persist modem %d: %w", modemID, err)
	}

	status, err := m.markOnline(ctx, modemID)
	if err != nil {
		w.session.Disconnect()
		return nil, fmt.Errorf("persist modem %d status: %w", modemID, err)
	}
	updated, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		w.session.Disconnect()
		return nil, err
	}

	m.metrics.SetModemStatus(record.Port, status)
	fields := update.Fields()
	fields["status"] = string(status)
	m.fireModem(ctx, modemID, fields)
	m.start(w)
	return updated, nil
}

// markOnline 有未结束的激活时为 busy，否则为 active。
// 只做比较交换，不会覆盖同时提交的租用
func (m *Manager) markOnline(ctx context.Context, modemID int64) (model.ModemStatus, error) {
	var status model.ModemStatus
	err := m.store.Tx(ctx, func(tx store.Store) error {
		current, err := tx.GetModem(ctx, modemID)
		if err != nil {
			return err
		}

		status = model.ModemActive
		_, err = tx.ActiveActivationForModem(ctx, modemID)
		switch {
		case err == nil:
			status = model.ModemBusy
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if current.Status == status {
			return nil
		}

		changed, err := tx.SetModemStatusIf(ctx, modemID, current.Status, status)
		if err != nil || changed {
			return err
		}
		fresh, err := tx.GetModem(ctx, modemID)
		if err != nil {
			return err
		}
		status = fresh.Status
		return nil
	})
	return status, err
}

// ConnectAll 登记并上线所有串口，各模块并行；返回成功数量
func (m *Manager) ConnectAll(ctx context.Context, ports []string) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, port := range ports {
		record, err := m.store.GetModemByPort(ctx, port)
		if errors.Is(err, model.ErrNotFound) {
			record, err = m.Register(ctx, port)
		}
		if err != nil {
			log.Printf("%s 登记 %s 失败: %v", logPrefix, port, err)
			continue
		}

		wg.Add(1)
		go func(modemID int64, port string) {
			defer wg.Done()
			if _, err := m.Connect(ctx, modemID); err != nil {
				log.Printf("%s %s 上线失败: %v", logPrefix, port, err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(record.ID, port)
	}
	wg.Wait()
	log.Printf("%s %d/%d 个模块已上线", logPrefix, connected, len(ports))
	return connected
}

// ==================== 下线 ====================

// Disconnect 先把模块置为 offline 使其不能再被租用，再停止后台任务并关闭串口；
// 租用中返回 ErrModemBusy
func (m *Manager) Disconnect(ctx context.Context, modemID int64) (*model.Modem, error) {
	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return nil, err
	}
	offline := model.ModemOffline
	if record.Status != offline {
		if record.Status == model.ModemBusy {
			return nil, fmt.Errorf("%w: modem %d", model.ErrModemBusy, modemID)
		}
		changed, err := m.store.SetModemStatusIf(ctx, modemID, record.Status, offline)
		if err != nil {
			return nil, err
		}
		if !changed {
			// 读取之后状态被改动，多半是刚被租用
			return nil, fmt.Errorf("%w: modem %d changed state", model.ErrModemBusy, modemID)
		}
	}

	m.mu.Lock()
	w := m.workers[modemID]
	m.mu.Unlock()
	if w != nil {
		w.connectMu.Lock()
		w.stop()
		w.session.Disconnect()
		w.connectMu.Unlock()
	}

	// 停止期间记录的故障或并发上线写入的状态不应留下
	for _, stale := range []model.ModemStatus{model.ModemError, model.ModemActive} {
		if _, err := m.store.SetModemStatusIf(ctx, modemID, stale, offline); err != nil {
			return nil, err
		}
	}
	updated, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return nil, err
	}
	m.metrics.SetModemStatus(record.Port, offline)
	m.fireModem(ctx, modemID, map[string]any{"status": string(offline)})
	return updated, nil
}

// Close 停止所有后台任务并断开所有会话，存储中的状态保持不变
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	m.cancel()
	for _, w := range workers {
		w.stop()
		w.session.Disconnect()
	}
	log.Printf("%s 已关闭 %d 个模块会话", logPrefix, len(workers))
}

// ==================== 查询 ====================

// Healthy 会话是否在线，供激活释放模块时判断
func (m *Manager) Healthy(modemID int64) bool {
	m.mu.Lock()
	w := m.workers[modemID]
	m.mu.Unlock()
	return w != nil && w.session.Status() == modem.StateActive
}

// SessionView 会话运行时状态
type SessionView struct {
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// ModemView 存储记录加上会话状态
type ModemView struct {
	*model.Modem
	Session SessionView `json:"session"`
}

// List 列出所有模块
func (m *Manager) List(ctx context.Context) ([]ModemView, error) {
	modems, err := m.store.ListModems(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(modems, func(i, j int) bool { return modems[i].ID < modems[j].ID })

	views := make([]ModemView, 0, len(modems))
	for _, record := range modems {
		views = append(views, ModemView{Modem: record, Session: m.sessionView(record.ID)})
	}
	return views, nil
}

// Get 查询单个模块
func (m *Manager) Get(ctx context.Context, modemID int64) (ModemView, error) {
	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return ModemView{}, err
	}
	return ModemView{Modem: record, Session: m.sessionView(modemID)}, nil
}

func (m *Manager) sessionView(modemID int64) SessionView {
	m.mu.Lock()
	w := m.workers[modemID]
	m.mu.Unlock()
	if w == nil {
		return SessionView{State: modem.StateOffline.String()}
	}
	view := SessionView{State: w.session.Status().String()}
	if err := w.session.LastError(); err != nil {
		view.LastError = err.Error()
	}
	return view
}

// ==================== 内部 ====================

func (m *Manager) workerFor(record *model.Modem) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if w, ok := m.workers[record.ID]; ok {
		return w, nil
	}
	w := &worker{
		modemID: record.ID,
		session: modem.NewSession(modem.Config{
			PortName:       record.Port,
			BaudRate:       m.config.BaudRate,
			ReadTimeout:    m.config.ReadTimeout,
			CommandTimeout: m.config.CommandTimeout,
			PollInterval:   m.config.PollInterval,
			Charset:        m.config.Charset,
		}, m.opener),
	}
	m.workers[record.ID] = w
	return w, nil
}

// start 启动收件轮询与信号刷新，两者共享一个可取消的 ctx
func (m *Manager) start(w *worker) {
	ctx, cancel := context.WithCancel(m.ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	poller := modem.NewPoller(w.session, m.clock)
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		defer cancel()
		if err := poller.Run(ctx, m.handleIncoming(w.modemID)); err != nil {
			m.recordFault(context.Background(), w.modemID, w.session.Port(), err)
		}
	}()
	go func() {
		defer w.wg.Done()
		m.refreshSignal(ctx, w)
	}()
}

// stop 取消后台任务并等待退出，可重复调用
func (w *worker) stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// refreshSignal 周期性刷新信号，只有查询成功才写入
func (m *Manager) refreshSignal(ctx context.Context, w *worker) {
	port := w.session.Port()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.config.SignalInterval):
		}

		percent, err := w.session.ReadSignalQuality(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("%s %s 信号刷新失败: %v", logPrefix, port, err)
			}
			continue
		}
		if _, err := m.store.UpdateModem(ctx, w.modemID, model.ModemUpdate{SignalQuality: &percent}); err != nil {
			log.Printf("%s %s 保存信号失败: %v", logPrefix, port, err)
			continue
		}
		m.metrics.SetSignalQuality(port, percent)
		m.fireModem(ctx, w.modemID, map[string]any{"signal_quality": percent})
	}
}

// recordFault 会话故障：空闲模块置为 error，租用中的模块保持 busy 由激活结束时处理
func (m *Manager) recordFault(ctx context.Context, modemID int64, port string, cause error) *model.Modem {
	log.Printf("%s %s 故障: %v", logPrefix, port, cause)

	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		log.Printf("%s 读取模块 %d 失败: %v", logPrefix, modemID, err)
		return nil
	}
	if record.Status == model.ModemBusy || record.Status == model.ModemError {
		return record
	}

	changed, err := m.store.SetModemStatusIf(ctx, modemID, record.Status, model.ModemError)
	if err != nil || !changed {
		return record
	}
	m.metrics.SetModemStatus(port, model.ModemError)
	m.fireModem(ctx, modemID, map[string]any{"status": string(model.ModemError)})

	record.Status = model.ModemError
	return record
}

func (m *Manager) fireModem(ctx context.Context, modemID int64, fields map[string]any) {
	notify.Fire(ctx, m.sink, notify.Event{
		Type:   notify.ModemUpdate,
		ID:     strconv.FormatInt(modemID, 10),
		Fields: fields,
	})
}
