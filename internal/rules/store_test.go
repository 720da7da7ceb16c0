package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmaia/crm-bridge/internal/models"
)

type fakeRepo struct {
	outbound []models.OutboundRule
	inbound  []models.InboundRule
	err      error
	loads    int
}

func (f *fakeRepo) ListOutboundRules(ctx context.Context, integrationID int64) ([]models.OutboundRule, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.outbound, nil
}

func (f *fakeRepo) ListInboundRules(ctx context.Context, integrationID int64) ([]models.InboundRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inbound, nil
}

func validRule(id int64, priority int) models.OutboundRule {
	return models.OutboundRule{
		ID:            id,
		IntegrationID: 1,
		Priority:      priority,
		IsActive:      true,
		EventTypes:    []models.RuleEventType{models.EventStageChange},
		SyncFieldMode: models.FieldModeAll,
		ActionMode:    models.ActionAllow,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_SortsByPriorityThenID(t *testing.T) {
	repo := &fakeRepo{outbound: []models.OutboundRule{
		validRule(9, 5),
		validRule(3, 5),
		validRule(1, 10),
		validRule(4, 1),
	}}
	store := NewStore(repo, time.Second, testLogger())

	snap, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	ids := make([]int64, len(snap.Outbound))
	for i, r := range snap.Outbound {
		ids[i] = r.ID
	}
	assert.Equal(t, []int64{4, 3, 9, 1}, ids)
}

func TestStore_SkipsInactiveRules(t *testing.T) {
	inactive := validRule(2, 1)
	inactive.IsActive = false
	repo := &fakeRepo{outbound: []models.OutboundRule{validRule(1, 1), inactive}}
	store := NewStore(repo, time.Second, testLogger())

	snap, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, snap.Outbound, 1)
	assert.Equal(t, int64(1), snap.Outbound[0].ID)
}

func TestStore_RejectsMalformedRuleAtLoad(t *testing.T) {
	bad := validRule(1, 1)
	bad.ActionMode = "observe" // not in the allowed set
	repo := &fakeRepo{outbound: []models.OutboundRule{bad}}
	store := NewStore(repo, time.Second, testLogger())

	_, err := store.Snapshot(context.Background(), 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "action_mode")
}

func TestStore_CachesWithinTTL(t *testing.T) {
	repo := &fakeRepo{outbound: []models.OutboundRule{validRule(1, 1)}}
	store := NewStore(repo, time.Hour, testLogger())

	_, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	_, err = store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.loads, "second read within TTL must hit the cache")
}

func TestStore_ReloadsAfterTTL(t *testing.T) {
	repo := &fakeRepo{outbound: []models.OutboundRule{validRule(1, 1)}}
	store := NewStore(repo, time.Nanosecond, testLogger())

	_, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, repo.loads)
}

func TestStore_ServesStaleOnReloadFailure(t *testing.T) {
	repo := &fakeRepo{outbound: []models.OutboundRule{validRule(1, 1)}}
	store := NewStore(repo, time.Nanosecond, testLogger())

	first, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	repo.err = errors.New("connection refused")
	time.Sleep(time.Millisecond)

	snap, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err, "transient storage failure must not stall evaluation")
	assert.Equal(t, first, snap)
}

func TestStore_Invalidate(t *testing.T) {
	repo := &fakeRepo{outbound: []models.OutboundRule{validRule(1, 1)}}
	store := NewStore(repo, time.Hour, testLogger())

	_, err := store.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	store.Invalidate(1)

	_, err = store.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loads)
}
