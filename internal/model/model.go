// Package model 定义模块引擎、激活生命周期与投递流水线共享的实体。
package model

import (
	"strconv"
	"strings"
	"time"
)

// ==================== 模块 ====================

// ModemStatus 模块的持久化可用状态
type ModemStatus string

const (
	ModemOffline ModemStatus = "offline"
	ModemActive  ModemStatus = "active"
	ModemBusy    ModemStatus = "busy"
	ModemError   ModemStatus = "error"
)

// GaugeValue 返回 modem_status 指标使用的数值编码
func (s ModemStatus) GaugeValue() float64 {
	switch s {
	case ModemActive:
		return 1
	case ModemBusy:
		return 2
	case ModemError:
		return 3
	default:
		return 0
	}
}

// Modem 一个挂在串口上的物理模块
type Modem struct {
	ID            int64       `json:"id"`
	Port          string      `json:"port"`
	IMEI          string      `json:"imei,omitempty"`
	ICCID         string      `json:"iccid,omitempty"`
	Operator      string      `json:"operator,omitempty"`
	PhoneNumber   string      `json:"phone_number,omitempty"`
	Country       string      `json:"country,omitempty"`
	Status        ModemStatus `json:"status"`
	SignalQuality int         `json:"signal_quality"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ModemUpdate 模块可变字段，nil 表示不修改
type ModemUpdate struct {
	Status        *ModemStatus
	SignalQuality *int
	IMEI          *string
	ICCID         *string
	Operator      *string
	PhoneNumber   *string
	Country       *string
}

// Apply 将已设置的字段写入 m
func (u ModemUpdate) Apply(m *Modem) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.SignalQuality != nil {
		m.SignalQuality = *u.SignalQuality
	}
	if u.IMEI != nil {
		m.IMEI = *u.IMEI
	}
	if u.ICCID != nil {
		m.ICCID = *u.ICCID
	}
	if u.Operator != nil {
		m.Operator = *u.Operator
	}
	if u.PhoneNumber != nil {
		m.PhoneNumber = *u.PhoneNumber
	}
	if u.Country != nil {
		m.Country = *u.Country
	}
}

// Fields 生成通知使用的字段表
func (u ModemUpdate) Fields() map[string]any {
	fields := map[string]any{}
	if u.Status != nil {
		fields["status"] = string(*u.Status)
	}
	if u.SignalQuality != nil {
		fields["signal_quality"] = *u.SignalQuality
	}
	if u.IMEI != nil {
		fields["imei"] = *u.IMEI
	}
	if u.ICCID != nil {
		fields["iccid"] = *u.ICCID
	}
	if u.Operator != nil {
		fields["operator"] = *u.Operator
	}
	if u.PhoneNumber != nil {
		fields["phone_number"] = *u.PhoneNumber
	}
	if u.Country != nil {
		fields["country"] = *u.Country
	}
	return fields
}

// ==================== 激活 ====================

// ActivationStatus 激活状态，3/4/5 与平台侧状态码一致
type ActivationStatus int

const (
	ActivationWaiting   ActivationStatus = 1
	ActivationReady     ActivationStatus = 2
	ActivationCompleted ActivationStatus = 3
	ActivationCancelled ActivationStatus = 4
	ActivationRefunded  ActivationStatus = 5
	ActivationError     ActivationStatus = 6
)

// 平台状态码 1：该号码不再提供此服务
const providerCodeServiceWithdrawn = 1

func (s ActivationStatus) String() string {
	switch s {
	case ActivationWaiting:
		return "waiting"
	case ActivationReady:
		return "ready"
	case ActivationCompleted:
		return "completed"
	case ActivationCancelled:
		return "cancelled"
	case ActivationRefunded:
		return "refunded"
	case ActivationError:
		return "error"
	default:
		return "unknown"
	}
}

// Valid 是否为已知状态
func (s ActivationStatus) Valid() bool {
	return s >= ActivationWaiting && s <= ActivationError
}

// Terminal 终态不允许再迁移
func (s ActivationStatus) Terminal() bool {
	switch s {
	case ActivationCompleted, ActivationCancelled, ActivationRefunded, ActivationError:
		return true
	default:
		return false
	}
}

// ReleasesModem 进入该状态后模块是否归还可用池
func (s ActivationStatus) ReleasesModem() bool {
	switch s {
	case ActivationCompleted, ActivationCancelled, ActivationRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo 只允许 Waiting -> Ready -> 终态 单向迁移
func (s ActivationStatus) CanTransitionTo(next ActivationStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	switch s {
	case ActivationWaiting:
		return next != ActivationWaiting
	case ActivationReady:
		return next.Terminal()
	default:
		return false
	}
}

// ProviderCode FINISH_ACTIVATION 上报给平台的状态码
func (s ActivationStatus) ProviderCode() int {
	return int(s)
}

// ActivationStatusFromProviderCode 平台状态码转换为本地状态
func ActivationStatusFromProviderCode(code int) (ActivationStatus, bool) {
	switch code {
	case providerCodeServiceWithdrawn:
		return ActivationCancelled, true
	case int(ActivationCompleted):
		return ActivationCompleted, true
	case int(ActivationCancelled):
		return ActivationCancelled, true
	case int(ActivationRefunded):
		return ActivationRefunded, true
	default:
		return 0, false
	}
}

// ParseActivationStatus 支持状态名（"completed"）或数字
func ParseActivationStatus(raw string) (ActivationStatus, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(raw); err == nil {
		s := ActivationStatus(n)
		return s, s.Valid()
	}
	for s := ActivationWaiting; s <= ActivationError; s++ {
		if s.String() == raw {
			return s, true
		}
	}
	return 0, false
}

// Activation 某服务对模块号码的一次租用
type Activation struct {
	ID           int64            `json:"id"`
	ActivationID string           `json:"activation_id"`
	ModemID      int64            `json:"modem_id"`
	PhoneNumber  string           `json:"phone_number"`
	Service      string           `json:"service"`
	Operator     string           `json:"operator,omitempty"`
	Country      string           `json:"country,omitempty"`
	Price        float64          `json:"price"`
	Currency     int              `json:"currency"`
	Status       ActivationStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ActivationUpdate 激活可变字段
type ActivationUpdate struct {
	Status *ActivationStatus
}

// Apply 将已设置的字段写入 a
func (u ActivationUpdate) Apply(a *Activation) {
	if u.Status != nil {
		a.Status = *u.Status
	}
}

// ==================== 短信 ====================

// Message 收到的短信，需要推送给平台
type Message struct {
	ID               int64     `json:"id"`
	SMSID            string    `json:"sms_id"`
	ModemID          int64     `json:"modem_id"`
	ActivationID     string    `json:"activation_id,omitempty"`
	PhoneFrom        string    `json:"phone_from"`
	PhoneTo          string    `json:"phone_to"`
	Text             string    `json:"text"`
	Delivered        bool      `json:"delivered"`
	DeliveryAttempts int       `json:"delivery_attempts"`
	LastError        *string   `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MessageUpdate 投递流水线可修改的字段
type MessageUpdate struct {
	Delivered        *bool
	DeliveryAttempts *int
	LastError        *string
}

// Apply 将已设置的字段写入 m，Delivered 一旦为 true 不再回退
func (u MessageUpdate) Apply(m *Message) {
	if u.Delivered != nil && *u.Delivered {
		m.Delivered = true
	}
	if u.DeliveryAttempts != nil {
		m.DeliveryAttempts = *u.DeliveryAttempts
	}
	if u.LastError != nil {
		lastError := *u.LastError
		m.LastError = &lastError
	}
}

// Fields 生成投递状态通知字段
func (m Message) Fields() map[string]any {
	fields := map[string]any{
		"delivered":         m.Delivered,
		"delivery_attempts": m.DeliveryAttempts,
	}
	if m.LastError != nil {
		fields["last_error"] = *m.LastError
	}
	return fields
}

// Ptr 返回 v 的指针，构造 Update 结构时使用
func Ptr[T any](v T) *T {
	return &v
}
