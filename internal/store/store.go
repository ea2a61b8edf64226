// Package store 是模块、激活与短信的持久化层，所有状态以存储为准。
package store

import (
	"context"

	"smshub-agent/internal/model"
)

// ModemStore 模块记录
type ModemStore interface {
	GetModem(ctx context.Context, id int64) (*model.Modem, error)
	GetModemByPort(ctx context.Context, port string) (*model.Modem, error)
	ListModems(ctx context.Context) ([]*model.Modem, error)
	CreateModem(ctx context.Context, modem *model.Modem) error
	UpdateModem(ctx context.Context, id int64, update model.ModemUpdate) (*model.Modem, error)
	// SetModemStatusIf 仅当当前状态为 from 时改为 to，返回是否修改
	SetModemStatusIf(ctx context.Context, id int64, from, to model.ModemStatus) (bool, error)
	DeleteModem(ctx context.Context, id int64) error
}

// ActivationStore 激活记录
type ActivationStore interface {
	GetActivation(ctx context.Context, activationID string) (*model.Activation, error)
	// ActiveActivationForModem 模块上未进入终态的激活，没有时返回 model.ErrNotFound
	ActiveActivationForModem(ctx context.Context, modemID int64) (*model.Activation, error)
	CreateActivation(ctx context.Context, activation *model.Activation) error
	UpdateActivation(ctx context.Context, activationID string, update model.ActivationUpdate) (*model.Activation, error)
}

// MessageStore 短信记录
type MessageStore interface {
	GetMessage(ctx context.Context, smsID string) (*model.Message, error)
	CreateMessage(ctx context.Context, message *model.Message) error
	UpdateMessage(ctx context.Context, smsID string, update model.MessageUpdate) (*model.Message, error)
	ListUndelivered(ctx context.Context) ([]*model.Message, error)
}

// Store 聚合接口，Tx 中的操作要么全部提交要么全部回滚
type Store interface {
	ModemStore
	ActivationStore
	MessageStore
	Tx(ctx context.Context, fn func(tx Store) error) error
}
