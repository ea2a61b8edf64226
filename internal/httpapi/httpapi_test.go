package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/activation"
	"smshub-agent/internal/agent"
	"smshub-agent/internal/model"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/provider"
	"smshub-agent/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ==================== 测试替身 ====================

type fakeModems struct {
	modems  map[int64]*model.Modem
	nextID  int64
	connErr error
}

func newFakeModems() *fakeModems {
	return &fakeModems{modems: map[int64]*model.Modem{}, nextID: 1}
}

func (f *fakeModems) Register(_ context.Context, port string) (*model.Modem, error) {
	for _, m := range f.modems {
		if m.Port == port {
			return nil, fmt.Errorf("register %s: %w", port, model.ErrAlreadyExists)
		}
	}
	record := &model.Modem{ID: f.nextID, Port: port, Status: model.ModemOffline}
	f.modems[record.ID] = record
	f.nextID++
	return record, nil
}

func (f *fakeModems) Connect(_ context.Context, id int64) (*model.Modem, error) {
	record, ok := f.modems[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if f.connErr != nil {
		record.Status = model.ModemError
		return record, f.connErr
	}
	record.Status = model.ModemActive
	return record, nil
}

func (f *fakeModems) Disconnect(_ context.Context, id int64) (*model.Modem, error) {
	record, ok := f.modems[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if record.Status == model.ModemBusy {
		return nil, fmt.Errorf("%w: modem %d", model.ErrModemBusy, id)
	}
	record.Status = model.ModemOffline
	return record, nil
}

func (f *fakeModems) Remove(ctx context.Context, id int64) error {
	if _, err := f.Disconnect(ctx, id); err != nil {
		return err
	}
	delete(f.modems, id)
	return nil
}

func (f *fakeModems) List(context.Context) ([]agent.ModemView, error) {
	views := make([]agent.ModemView, 0, len(f.modems))
	for id := int64(1); id < f.nextID; id++ {
		if record, ok := f.modems[id]; ok {
			views = append(views, agent.ModemView{Modem: record, Session: agent.SessionView{State: "offline"}})
		}
	}
	return views, nil
}

func (f *fakeModems) Get(_ context.Context, id int64) (agent.ModemView, error) {
	record, ok := f.modems[id]
	if !ok {
		return agent.ModemView{}, model.ErrNotFound
	}
	return agent.ModemView{Modem: record, Session: agent.SessionView{State: "offline"}}, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	numberErr error
	finishErr error
	finished  []int
}

func (f *fakeProvider) GetNumber(context.Context, provider.GetNumberRequest) (provider.NumberAssignment, error) {
	if f.numberErr != nil {
		return provider.NumberAssignment{}, f.numberErr
	}
	return provider.NumberAssignment{Number: "+79990000000", ActivationID: "A1"}, nil
}

func (f *fakeProvider) FinishActivation(_ context.Context, _ string, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
	return f.finishErr
}

func (f *fakeProvider) GetServices(context.Context) ([]provider.CountryServices, error) {
	return []provider.CountryServices{{
		Country:     "russia",
		OperatorMap: map[string]map[string]int{"megafon": {"vk": 10}},
	}}, nil
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(smsID string) bool {
	for _, id := range f.scheduled {
		if id == smsID {
			return false
		}
	}
	f.scheduled = append(f.scheduled, smsID)
	return true
}

func (f *fakeScheduler) Pending() []string { return f.scheduled }

type fakeHistory struct {
	events []notify.Event
}

func (f *fakeHistory) History(_ context.Context, eventType notify.EventType, id string) ([]notify.Event, error) {
	var matched []notify.Event
	for _, event := range f.events {
		if event.Type == eventType && event.ID == id {
			matched = append(matched, event)
		}
	}
	return matched, nil
}

// ==================== 辅助 ====================

type harness struct {
	router    *gin.Engine
	modems    *fakeModems
	store     *store.Memory
	provider  *fakeProvider
	scheduler *fakeScheduler
	history   *fakeHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		router:    gin.New(),
		modems:    newFakeModems(),
		store:     store.NewMemory(),
		provider:  &fakeProvider{},
		scheduler: &fakeScheduler{},
		history:   &fakeHistory{},
	}
	lifecycle := activation.New(h.store, h.provider, nil, nil)

	NewModemHandler(h.modems).Register(h.router)
	NewActivationHandler(lifecycle, h.provider).Register(h.router)
	NewMessageHandler(h.store, h.scheduler, h.history).Register(h.router)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, request)

	var response Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response), recorder.Body.String())
	return recorder, response
}

func (h *harness) activeModem(t *testing.T) *model.Modem {
	t.Helper()
	record := &model.Modem{Port: "/dev/ttyUSB0", Status: model.ModemActive, Operator: "megafon", Country: "russia"}
	require.NoError(t, h.store.CreateModem(context.Background(), record))
	return record
}

// ==================== 模块 ====================

func TestRegisterAndListModems(t *testing.T) {
	h := newHarness(t)

	recorder, response := h.do(t, http.MethodPost, "/modems", gin.H{"port": "/dev/ttyUSB0", "connect": true})
	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, "success", response.Msg)
	assert.Equal(t, model.ModemActive, h.modems.modems[1].Status)

	recorder, _ = h.do(t, http.MethodPost, "/modems", gin.H{"port": "/dev/ttyUSB0"})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder, response = h.do(t, http.MethodGet, "/modems", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, response.Data, 1)
}

func TestRegisterModemRequiresPort(t *testing.T) {
	h := newHarness(t)
	recorder, response := h.do(t, http.MethodPost, "/modems", gin.H{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, response.Msg, "Port")
}

func TestModemErrorsMapToStatusCodes(t *testing.T) {
	h := newHarness(t)
	_, _ = h.do(t, http.MethodPost, "/modems", gin.H{"port": "/dev/ttyUSB0"})

	recorder, _ := h.do(t, http.MethodPost, "/modems/abc/connect", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = h.do(t, http.MethodPost, "/modems/42/connect", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	h.modems.connErr = fmt.Errorf("%w: /dev/ttyUSB0: timeout", agent.ErrConnectFailed)
	recorder, response := h.do(t, http.MethodPost, "/modems/1/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, response.Msg, "timeout")

	h.modems.modems[1].Status = model.ModemBusy
	recorder, _ = h.do(t, http.MethodPost, "/modems/1/disconnect", nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)
	recorder, _ = h.do(t, http.MethodDelete, "/modems/1", nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)

	h.modems.modems[1].Status = model.ModemActive
	recorder, _ = h.do(t, http.MethodDelete, "/modems/1", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Empty(t, h.modems.modems)
}

// ==================== 激活 ====================

func TestActivationLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	modem := h.activeModem(t)

	recorder, response := h.do(t, http.MethodPost, "/activations", gin.H{"modem_id": modem.ID, "service": "vk", "price": 5.5})
	require.Equal(t, http.StatusCreated, recorder.Code, response.Msg)
	data := response.Data.(map[string]any)
	assert.Equal(t, "A1", data["activation_id"])
	assert.Equal(t, "+79990000000", data["phone_number"])

	recorder, _ = h.do(t, http.MethodPost, "/activations", gin.H{"modem_id": modem.ID, "service": "vk"})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder, response = h.do(t, http.MethodPost, "/activations/A1/status", gin.H{"status": "completed"})
	require.Equal(t, http.StatusOK, recorder.Code, response.Msg)
	assert.EqualValues(t, model.ActivationCompleted, response.Data.(map[string]any)["status"])

	recorder, _ = h.do(t, http.MethodPost, "/activations/A1/status", gin.H{"status": 1})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder, response = h.do(t, http.MethodGet, "/activations/A1", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, model.ActivationCompleted, response.Data.(map[string]any)["status"])

	stored, err := h.store.GetModem(context.Background(), modem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModemActive, stored.Status)
}

func TestActivationValidation(t *testing.T) {
	h := newHarness(t)

	recorder, _ := h.do(t, http.MethodPost, "/activations", gin.H{"service": "vk"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = h.do(t, http.MethodPost, "/activations/A1/status", gin.H{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = h.do(t, http.MethodPost, "/activations/A1/status", gin.H{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = h.do(t, http.MethodGet, "/activations/missing", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestProviderFailureIsBadGateway(t *testing.T) {
	h := newHarness(t)
	modem := h.activeModem(t)
	h.provider.numberErr = &provider.Error{Action: "GET_NUMBER", Status: provider.StatusNoNumbers}

	recorder, response := h.do(t, http.MethodPost, "/activations", gin.H{"modem_id": modem.ID, "service": "vk"})
	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Contains(t, response.Msg, "NO_NUMBERS")
}

func TestServices(t *testing.T) {
	h := newHarness(t)
	recorder, response := h.do(t, http.MethodGet, "/services", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, response.Data, 1)
}

// ==================== 短信与事件 ====================

func TestDeliverMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateMessage(ctx, &model.Message{SMSID: "s1", ModemID: 1, PhoneFrom: "VK", PhoneTo: "+79990000000", Text: "Code 1234"}))
	require.NoError(t, h.store.CreateMessage(ctx, &model.Message{SMSID: "s2", ModemID: 1, PhoneFrom: "VK", Text: "Code 5678"}))

	recorder, response := h.do(t, http.MethodPost, "/messages/s1/deliver", nil)
	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, true, response.Data.(map[string]any)["scheduled"])
	assert.Equal(t, []string{"s1"}, h.scheduler.scheduled)

	recorder, _ = h.do(t, http.MethodPost, "/messages/s2/deliver", nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder, _ = h.do(t, http.MethodPost, "/messages/missing/deliver", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	_, err := h.store.UpdateMessage(ctx, "s1", model.MessageUpdate{Delivered: model.Ptr(true)})
	require.NoError(t, err)
	recorder, response = h.do(t, http.MethodPost, "/messages/s1/deliver", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, response.Data.(map[string]any)["delivered"])

	recorder, response = h.do(t, http.MethodGet, "/messages/undelivered", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, response.Data.(map[string]any)["messages"], 1)
}

func TestEventHistory(t *testing.T) {
	h := newHarness(t)
	h.history.events = []notify.Event{
		{Type: notify.ModemUpdate, ID: "1", Fields: map[string]any{"status": "active"}},
		{Type: notify.SMSUpdate, ID: "s1", Fields: map[string]any{"delivered": true}},
	}

	recorder, response := h.do(t, http.MethodGet, "/events/modem_update/1", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, response.Data, 1)

	recorder, _ = h.do(t, http.MethodGet, "/events/bogus/1", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
