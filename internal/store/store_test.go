package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/model"
)

func TestMemoryModemLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m := &model.Modem{Port: "/dev/ttyUSB0"}
	require.NoError(t, s.CreateModem(ctx, m))
	assert.NotZero(t, m.ID)
	assert.Equal(t, model.ModemOffline, m.Status)

	assert.ErrorIs(t, s.CreateModem(ctx, &model.Modem{Port: "/dev/ttyUSB0"}), model.ErrAlreadyExists)

	updated, err := s.UpdateModem(ctx, m.ID, model.ModemUpdate{Status: model.Ptr(model.ModemActive), IMEI: model.Ptr("356938035643809")})
	require.NoError(t, err)
	assert.Equal(t, model.ModemActive, updated.Status)
	assert.Equal(t, "356938035643809", updated.IMEI)

	byPort, err := s.GetModemByPort(ctx, "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byPort.ID)

	changed, err := s.SetModemStatusIf(ctx, m.ID, model.ModemActive, model.ModemBusy)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetModemStatusIf(ctx, m.ID, model.ModemActive, model.ModemBusy)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.GetModem(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.UpdateModem(ctx, 999, model.ModemUpdate{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.DeleteModem(ctx, m.ID))
	assert.ErrorIs(t, s.DeleteModem(ctx, m.ID), model.ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	m := &model.Modem{Port: "/dev/ttyUSB0"}
	require.NoError(t, s.CreateModem(ctx, m))

	got, err := s.GetModem(ctx, m.ID)
	require.NoError(t, err)
	got.Status = model.ModemBusy

	again, err := s.GetModem(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModemOffline, again.Status)
}

func TestMemoryActiveActivationForModem(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.ActiveActivationForModem(ctx, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A0", ModemID: 1, Status: model.ActivationCompleted}))
	require.NoError(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A1", ModemID: 1, Status: model.ActivationWaiting}))
	assert.ErrorIs(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A1"}), model.ErrAlreadyExists)

	active, err := s.ActiveActivationForModem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "A1", active.ActivationID)

	_, err = s.UpdateActivation(ctx, "A1", model.ActivationUpdate{Status: model.Ptr(model.ActivationCancelled)})
	require.NoError(t, err)
	_, err = s.ActiveActivationForModem(ctx, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateMessage(ctx, &model.Message{SMSID: "s1", PhoneFrom: "VK", Text: "code"}))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{SMSID: "s2", PhoneFrom: "VK", Text: "code"}))

	updated, err := s.UpdateMessage(ctx, "s1", model.MessageUpdate{
		DeliveryAttempts: model.Ptr(1),
		LastError:        model.Ptr("timeout"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.DeliveryAttempts)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, "timeout", *updated.LastError)

	_, err = s.UpdateMessage(ctx, "s2", model.MessageUpdate{Delivered: model.Ptr(true)})
	require.NoError(t, err)

	pending, err := s.ListUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].SMSID)
}

func TestMemoryTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	m := &model.Modem{Port: "/dev/ttyUSB0", Status: model.ModemActive}
	require.NoError(t, s.CreateModem(ctx, m))

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx Store) error {
		if err := tx.CreateActivation(ctx, &model.Activation{ActivationID: "A1", ModemID: m.ID, Status: model.ActivationWaiting}); err != nil {
			return err
		}
		if _, err := tx.SetModemStatusIf(ctx, m.ID, model.ModemActive, model.ModemBusy); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetActivation(ctx, "A1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, err := s.GetModem(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModemActive, got.Status)
}

func TestMemoryTxCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Tx(ctx, func(tx Store) error {
		return tx.Tx(ctx, func(inner Store) error {
			return inner.CreateModem(ctx, &model.Modem{Port: "/dev/ttyUSB1"})
		})
	}))

	modems, err := s.ListModems(ctx)
	require.NoError(t, err)
	assert.Len(t, modems, 1)
}

func TestBuildUpdate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildUpdate("modems", "id", int64(7),
		modemAssignments(model.ModemUpdate{Status: model.Ptr(model.ModemBusy), SignalQuality: model.Ptr(52)}), now)

	assert.Equal(t, "UPDATE modems SET status = ?, signal_quality = ?, updated_at = ? WHERE id = ?", query)
	assert.Equal(t, []any{model.ModemBusy, 52, now, int64(7)}, args)
}

func TestMessageAssignmentsNeverUndeliver(t *testing.T) {
	set := messageAssignments(model.MessageUpdate{Delivered: model.Ptr(false), DeliveryAttempts: model.Ptr(2)})
	assert.Equal(t, []assignment{{"delivery_attempts", 2}}, set)
}

func TestDuplicateMapsToAlreadyExists(t *testing.T) {
	err := fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	assert.ErrorIs(t, duplicate(err), model.ErrAlreadyExists)

	other := &mysql.MySQLError{Number: 1146}
	assert.Equal(t, error(other), duplicate(other))
}
