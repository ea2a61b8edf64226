// Package activation 管理号码激活的状态机与模块租用
package activation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"smshub-agent/internal/metrics"
	"smshub-agent/internal/model"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/provider"
	"smshub-agent/internal/store"
)

const (
	logPrefix = "[Activation]"
	// commitTimeout 平台确认后本地提交与补偿的时限，不受调用方取消影响
	commitTimeout = 10 * time.Second
)

// NumberProvider 激活平台中本包用到的部分
type NumberProvider interface {
	GetNumber(ctx context.Context, req provider.GetNumberRequest) (provider.NumberAssignment, error)
	FinishActivation(ctx context.Context, activationID string, status int) error
}

// HealthFunc 判断模块会话是否可用，释放租用时决定回到 active 还是 error
type HealthFunc func(modemID int64) bool

// CreateRequest 创建激活
type CreateRequest struct {
	ModemID         int64    `json:"modem_id" validate:"required,gt=0"`
	Service         string   `json:"service" validate:"required"`
	Operator        string   `json:"operator"`
	Country         string   `json:"country"`
	Price           float64  `json:"price" validate:"gte=0"`
	Currency        int      `json:"currency" validate:"gte=0"`
	ExceptionPhones []string `json:"exception_phones"`
}

// Lifecycle 激活生命周期
type Lifecycle struct {
	store    store.Store
	provider NumberProvider
	sink     notify.Sink
	metrics  *metrics.Recorder
	healthy  HealthFunc
	locks    *keyedMutex
}

// New 创建生命周期管理器；sink 与 recorder 可为 nil
func New(st store.Store, p NumberProvider, sink notify.Sink, recorder *metrics.Recorder) *Lifecycle {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Lifecycle{
		store:    st,
		provider: p,
		sink:     sink,
		metrics:  recorder,
		healthy:  func(int64) bool { return true },
		locks:    newKeyedMutex(),
	}
}

// SetHealthFunc 注入模块健康检查
func (l *Lifecycle) SetHealthFunc(fn HealthFunc) {
	if fn != nil {
		l.healthy = fn
	}
}

// detach 平台已经确认的操作必须落库，调用方断开也不能打断
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

func modemKey(modemID int64) string {
	return "modem:" + strconv.FormatInt(modemID, 10)
}

// ==================== 创建 ====================

// Create 向平台申请号码，成功后在同一事务里创建激活并把模块置为 busy
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (*model.Activation, error) {
	unlock := l.locks.Lock(modemKey(req.ModemID))
	defer unlock()

	modem, err := l.store.GetModem(ctx, req.ModemID)
	if err != nil {
		return nil, fmt.Errorf("get modem %d: %w", req.ModemID, err)
	}
	if modem.Status != model.ModemActive {
		return nil, fmt.Errorf("%w: modem %d is %s", model.ErrModemUnavailable, modem.ID, modem.Status)
	}

	operator, country := req.Operator, req.Country
	if operator == "" {
		operator = modem.Operator
	}
	if country == "" {
		country = modem.Country
	}

	assignment, err := l.provider.GetNumber(ctx, provider.GetNumberRequest{
		Country:         country,
		Service:         req.Service,
		Operator:        operator,
		ExceptionPhones: req.ExceptionPhones,
	})
	if err != nil {
		log.Printf("%s 模块 %d 申请号码失败: %v", logPrefix, modem.ID, err)
		return nil, err
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	activation := &model.Activation{
		ActivationID: assignment.ActivationID,
		ModemID:      modem.ID,
		PhoneNumber:  assignment.Number,
		Service:      req.Service,
		Operator:     operator,
		Country:      country,
		Price:        req.Price,
		Currency:     req.Currency,
		Status:       model.ActivationWaiting,
	}

	err = l.store.Tx(ctx, func(tx store.Store) error {
		leased, err := tx.SetModemStatusIf(ctx, modem.ID, model.ModemActive, model.ModemBusy)
		if err != nil {
			return err
		}
		if !leased {
			return fmt.Errorf("%w: modem %d changed state", model.ErrModemUnavailable, modem.ID)
		}
		return tx.CreateActivation(ctx, activation)
	})
	if err != nil {
		log.Printf("%s 激活 %s 入库失败，通知平台取消: %v", logPrefix, assignment.ActivationID, err)
		l.abandon(ctx, assignment.ActivationID)
		return nil, err
	}

	log.Printf("%s 激活 %s 已创建: 模块=%d 服务=%s 号码=%s", logPrefix, activation.ActivationID, modem.ID, activation.Service, activation.PhoneNumber)
	l.metrics.ActivationStatus(model.ActivationWaiting)
	l.metrics.SetModemStatus(modem.Port, model.ModemBusy)
	l.fireModem(ctx, modem.ID, model.ModemBusy)
	l.fireActivation(ctx, activation)
	return activation, nil
}

// abandon 本地提交失败时尽力让平台侧的号码失效
func (l *Lifecycle) abandon(ctx context.Context, activationID string) {
	if err := l.provider.FinishActivation(ctx, activationID, model.ActivationCancelled.ProviderCode()); err != nil {
		log.Printf("%s 取消激活 %s 失败: %v", logPrefix, activationID, err)
	}
}

// ==================== 状态更新 ====================

// UpdateStatus 先通知平台，确认后再提交本地状态；终态会释放模块
func (l *Lifecycle) UpdateStatus(ctx context.Context, activationID string, status model.ActivationStatus) (*model.Activation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", model.ErrInvalidTransition, int(status))
	}

	current, err := l.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, fmt.Errorf("get activation %s: %w", activationID, err)
	}

	unlock := l.locks.Lock(modemKey(current.ModemID))
	defer unlock()

	// 加锁后重新读取，避免基于过期状态判断
	current, err = l.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, fmt.Errorf("get activation %s: %w", activationID, err)
	}
	if current.Status == status {
		return current, nil
	}
	if !current.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, status)
	}

	if err := l.provider.FinishActivation(ctx, activationID, status.ProviderCode()); err != nil {
		log.Printf("%s 激活 %s 上报状态 %s 失败: %v", logPrefix, activationID, status, err)
		return nil, err
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	modemStatus := l.releaseTarget(current.ModemID, status)
	var (
		updated  *model.Activation
		released bool
	)
	err = l.store.Tx(ctx, func(tx store.Store) error {
		var err error
		updated, err = tx.UpdateActivation(ctx, activationID, model.ActivationUpdate{Status: &status})
		if err != nil {
			return err
		}
		if !status.Terminal() {
			return nil
		}
		released, err = tx.SetModemStatusIf(ctx, current.ModemID, model.ModemBusy, modemStatus)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("%s 激活 %s: %s -> %s", logPrefix, activationID, current.Status, status)
	l.metrics.ActivationStatus(status)
	if released {
		l.afterRelease(ctx, current.ModemID, modemStatus)
	}
	l.fireActivation(ctx, updated)
	return updated, nil
}

// releaseTarget 正常结束回到可用池；出错或会话不可用时进入 error
func (l *Lifecycle) releaseTarget(modemID int64, status model.ActivationStatus) model.ModemStatus {
	if status.ReleasesModem() && l.healthy(modemID) {
		return model.ModemActive
	}
	return model.ModemError
}

func (l *Lifecycle) afterRelease(ctx context.Context, modemID int64, status model.ModemStatus) {
	if modem, err := l.store.GetModem(ctx, modemID); err == nil {
		l.metrics.SetModemStatus(modem.Port, status)
	}
	log.Printf("%s 模块 %d 释放为 %s", logPrefix, modemID, status)
	l.fireModem(ctx, modemID, status)
}

// MarkReady 收到第一条短信后 waiting -> ready，只改本地状态
func (l *Lifecycle) MarkReady(ctx context.Context, activationID string) error {
	current, err := l.store.GetActivation(ctx, activationID)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(modemKey(current.ModemID))
	defer unlock()

	ready := model.ActivationReady
	var updated *model.Activation
	err = l.store.Tx(ctx, func(tx store.Store) error {
		fresh, err := tx.GetActivation(ctx, activationID)
		if err != nil {
			return err
		}
		if fresh.Status != model.ActivationWaiting {
			return nil
		}
		updated, err = tx.UpdateActivation(ctx, activationID, model.ActivationUpdate{Status: &ready})
		return err
	})
	if err != nil || updated == nil {
		return err
	}

	l.metrics.ActivationStatus(model.ActivationReady)
	l.fireActivation(ctx, updated)
	return nil
}

// Get 查询激活
func (l *Lifecycle) Get(ctx context.Context, activationID string) (*model.Activation, error) {
	return l.store.GetActivation(ctx, activationID)
}

// ==================== 事件 ====================

func (l *Lifecycle) fireActivation(ctx context.Context, activation *model.Activation) {
	notify.Fire(ctx, l.sink, notify.Event{
		Type: notify.ActivationUpdate,
		ID:   activation.ActivationID,
		Fields: map[string]any{
			"status":       activation.Status.String(),
			"modem_id":     activation.ModemID,
			"phone_number": activation.PhoneNumber,
			"service":      activation.Service,
		},
	})
}

func (l *Lifecycle) fireModem(ctx context.Context, modemID int64, status model.ModemStatus) {
	notify.Fire(ctx, l.sink, notify.Event{
		Type:   notify.ModemUpdate,
		ID:     strconv.FormatInt(modemID, 10),
		Fields: map[string]any{"status": string(status)},
	})
}
