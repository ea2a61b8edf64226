package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/model"
)

func TestAuditLeases(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	leaked := &model.Modem{Port: "/dev/ttyUSB0", Status: model.ModemBusy}
	healthy := &model.Modem{Port: "/dev/ttyUSB1", Status: model.ModemBusy}
	unleased := &model.Modem{Port: "/dev/ttyUSB2", Status: model.ModemActive}
	idle := &model.Modem{Port: "/dev/ttyUSB3", Status: model.ModemActive}
	for _, m := range []*model.Modem{leaked, healthy, unleased, idle} {
		require.NoError(t, s.CreateModem(ctx, m))
	}
	require.NoError(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A1", ModemID: healthy.ID, Status: model.ActivationWaiting}))
	require.NoError(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A2", ModemID: unleased.ID, Status: model.ActivationReady}))
	require.NoError(t, s.CreateActivation(ctx, &model.Activation{ActivationID: "A3", ModemID: idle.ID, Status: model.ActivationCompleted}))

	issues, err := AuditLeases(ctx, s)
	require.NoError(t, err)
	require.Len(t, issues, 2)

	byModem := map[int64]LeaseIssue{}
	for _, issue := range issues {
		byModem[issue.ModemID] = issue
	}
	assert.Equal(t, ProblemLeakedLease, byModem[leaked.ID].Problem)
	assert.Equal(t, ProblemUnleasedModem, byModem[unleased.ID].Problem)
	assert.Equal(t, "A2", byModem[unleased.ID].ActivationID)

	repaired, err := RepairLeakedLeases(ctx, s, issues)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := s.GetModem(ctx, leaked.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModemOffline, got.Status)

	got, err = s.GetModem(ctx, unleased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModemActive, got.Status)
}
