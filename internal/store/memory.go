package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"smshub-agent/internal/model"
)

// Memory 内存实现，未配置 MySQL 时使用，也用于测试
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	nextID      int64
	modems      map[int64]model.Modem
	activations map[string]model.Activation
	messages    map[string]model.Message
}

// NewMemory 创建空的内存存储
func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		modems:      map[int64]model.Modem{},
		activations: map[string]model.Activation{},
		messages:    map[string]model.Message{},
	}
}

// Tx 持有全局锁执行 fn，出错时恢复快照
func (m *Memory) Tx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(memoryTx{m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID      int64
	modems      map[int64]model.Modem
	activations map[string]model.Activation
	messages    map[string]model.Message
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID:      m.nextID,
		modems:      make(map[int64]model.Modem, len(m.modems)),
		activations: make(map[string]model.Activation, len(m.activations)),
		messages:    make(map[string]model.Message, len(m.messages)),
	}
	for k, v := range m.modems {
		s.modems[k] = v
	}
	for k, v := range m.activations {
		s.activations[k] = v
	}
	for k, v := range m.messages {
		s.messages[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.nextID = s.nextID
	m.modems = s.modems
	m.activations = s.activations
	m.messages = s.messages
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// ==================== 加锁入口 ====================

func (m *Memory) GetModem(ctx context.Context, id int64) (*model.Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.GetModem(ctx, id)
}

func (m *Memory) GetModemByPort(ctx context.Context, port string) (*model.Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.GetModemByPort(ctx, port)
}

func (m *Memory) ListModems(ctx context.Context) ([]*model.Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.ListModems(ctx)
}

func (m *Memory) CreateModem(ctx context.Context, modem *model.Modem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.CreateModem(ctx, modem)
}

func (m *Memory) UpdateModem(ctx context.Context, id int64, update model.ModemUpdate) (*model.Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.UpdateModem(ctx, id, update)
}

func (m *Memory) SetModemStatusIf(ctx context.Context, id int64, from, to model.ModemStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.SetModemStatusIf(ctx, id, from, to)
}

func (m *Memory) DeleteModem(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.DeleteModem(ctx, id)
}

func (m *Memory) GetActivation(ctx context.Context, activationID string) (*model.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.GetActivation(ctx, activationID)
}

func (m *Memory) ActiveActivationForModem(ctx context.Context, modemID int64) (*model.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.ActiveActivationForModem(ctx, modemID)
}

func (m *Memory) CreateActivation(ctx context.Context, activation *model.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.CreateActivation(ctx, activation)
}

func (m *Memory) UpdateActivation(ctx context.Context, activationID string, update model.ActivationUpdate) (*model.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.UpdateActivation(ctx, activationID, update)
}

func (m *Memory) GetMessage(ctx context.Context, smsID string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.GetMessage(ctx, smsID)
}

func (m *Memory) CreateMessage(ctx context.Context, message *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.CreateMessage(ctx, message)
}

func (m *Memory) UpdateMessage(ctx context.Context, smsID string, update model.MessageUpdate) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.UpdateMessage(ctx, smsID, update)
}

func (m *Memory) ListUndelivered(ctx context.Context) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.ListUndelivered(ctx)
}

// ==================== 事务视图（调用方已持有锁） ====================

type memoryTx struct {
	m *Memory
}

func (t memoryTx) Tx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t memoryTx) GetModem(_ context.Context, id int64) (*model.Modem, error) {
	modem, ok := t.m.modems[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &modem, nil
}

func (t memoryTx) GetModemByPort(_ context.Context, port string) (*model.Modem, error) {
	for _, modem := range t.m.modems {
		if modem.Port == port {
			found := modem
			return &found, nil
		}
	}
	return nil, model.ErrNotFound
}

func (t memoryTx) ListModems(context.Context) ([]*model.Modem, error) {
	modems := make([]*model.Modem, 0, len(t.m.modems))
	for _, modem := range t.m.modems {
		copied := modem
		modems = append(modems, &copied)
	}
	sort.Slice(modems, func(i, j int) bool { return modems[i].ID < modems[j].ID })
	return modems, nil
}

func (t memoryTx) CreateModem(ctx context.Context, modem *model.Modem) error {
	if _, err := t.GetModemByPort(ctx, modem.Port); err == nil {
		return model.ErrAlreadyExists
	}
	now := t.m.now()
	modem.ID = t.m.id()
	modem.CreatedAt, modem.UpdatedAt = now, now
	if modem.Status == "" {
		modem.Status = model.ModemOffline
	}
	t.m.modems[modem.ID] = *modem
	return nil
}

func (t memoryTx) UpdateModem(_ context.Context, id int64, update model.ModemUpdate) (*model.Modem, error) {
	modem, ok := t.m.modems[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	update.Apply(&modem)
	modem.UpdatedAt = t.m.now()
	t.m.modems[id] = modem
	return &modem, nil
}

func (t memoryTx) SetModemStatusIf(_ context.Context, id int64, from, to model.ModemStatus) (bool, error) {
	modem, ok := t.m.modems[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if modem.Status != from {
		return false, nil
	}
	modem.Status = to
	modem.UpdatedAt = t.m.now()
	t.m.modems[id] = modem
	return true, nil
}

func (t memoryTx) DeleteModem(_ context.Context, id int64) error {
	if _, ok := t.m.modems[id]; !ok {
		return model.ErrNotFound
	}
	delete(t.m.modems, id)
	return nil
}

func (t memoryTx) GetActivation(_ context.Context, activationID string) (*model.Activation, error) {
	activation, ok := t.m.activations[activationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &activation, nil
}

func (t memoryTx) ActiveActivationForModem(_ context.Context, modemID int64) (*model.Activation, error) {
	var found *model.Activation
	for _, activation := range t.m.activations {
		if activation.ModemID != modemID || activation.Status.Terminal() {
			continue
		}
		if found == nil || activation.ID > found.ID {
			copied := activation
			found = &copied
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return found, nil
}

func (t memoryTx) CreateActivation(_ context.Context, activation *model.Activation) error {
	if _, ok := t.m.activations[activation.ActivationID]; ok {
		return model.ErrAlreadyExists
	}
	now := t.m.now()
	activation.ID = t.m.id()
	activation.CreatedAt, activation.UpdatedAt = now, now
	t.m.activations[activation.ActivationID] = *activation
	return nil
}

func (t memoryTx) UpdateActivation(_ context.Context, activationID string, update model.ActivationUpdate) (*model.Activation, error) {
	activation, ok := t.m.activations[activationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	update.Apply(&activation)
	activation.UpdatedAt = t.m.now()
	t.m.activations[activationID] = activation
	return &activation, nil
}

func (t memoryTx) GetMessage(_ context.Context, smsID string) (*model.Message, error) {
	message, ok := t.m.messages[smsID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &message, nil
}

func (t memoryTx) CreateMessage(_ context.Context, message *model.Message) error {
	if _, ok := t.m.messages[message.SMSID]; ok {
		return model.ErrAlreadyExists
	}
	now := t.m.now()
	message.ID = t.m.id()
	message.CreatedAt, message.UpdatedAt = now, now
	t.m.messages[message.SMSID] = *message
	return nil
}

func (t memoryTx) UpdateMessage(_ context.Context, smsID string, update model.MessageUpdate) (*model.Message, error) {
	message, ok := t.m.messages[smsID]
	if !ok {
		return nil, model.ErrNotFound
	}
	update.Apply(&message)
	message.UpdatedAt = t.m.now()
	t.m.messages[smsID] = message
	return &message, nil
}

func (t memoryTx) ListUndelivered(context.Context) ([]*model.Message, error) {
	var messages []*model.Message
	for _, message := range t.m.messages {
		if message.Delivered {
			continue
		}
		copied := message
		messages = append(messages, &copied)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}
