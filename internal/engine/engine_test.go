package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/internal/queue"
	"github.com/rmaia/crm-bridge/internal/rules"
)

type staticRules struct {
	snap *rules.Snapshot
	err  error
}

func (s *staticRules) Snapshot(ctx context.Context, integrationID int64) (*rules.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

// insertOnlyStore records queue rows; the engine never claims or resolves
type insertOnlyStore struct {
	rows   []*models.QueueEvent
	nextID int64
}

func (s *insertOnlyStore) Insert(ctx context.Context, ev *models.QueueEvent) (int64, error) {
	s.nextID++
	cp := *ev
	cp.ID = s.nextID
	s.rows = append(s.rows, &cp)
	return cp.ID, nil
}

func (s *insertOnlyStore) ClaimNext(ctx context.Context, workerID string, maxAttempts int) (*models.QueueEvent, error) {
	return nil, nil
}

func (s *insertOnlyStore) MarkSent(ctx context.Context, id int64, externalID string) error {
	return nil
}

func (s *insertOnlyStore) MarkFailed(ctx context.Context, id int64, errLog string, attempts int, nextAttempt *time.Time) error {
	return nil
}

func (s *insertOnlyStore) MarkBlocked(ctx context.Context, id int64, reason string) error { return nil }

func (s *insertOnlyStore) FindSentExternalID(ctx context.Context, integrationID, cardID int64, eventType models.RuleEventType, triggerID *int64) (*string, error) {
	return nil, nil
}

type fakeGuard struct {
	seen     map[string]bool
	released []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: make(map[string]bool)}
}

func (g *fakeGuard) Acquire(ctx context.Context, deliveryID string) (bool, error) {
	if g.seen[deliveryID] {
		return false, nil
	}
	g.seen[deliveryID] = true
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, deliveryID string) error {
	delete(g.seen, deliveryID)
	g.released = append(g.released, deliveryID)
	return nil
}

type fakeCRM struct {
	creates int
	err     error
}

func (f *fakeCRM) CreateRecord(ctx context.Context, ev *models.InboundEvent) (int64, error) {
	f.creates++
	if f.err != nil {
		return 0, f.err
	}
	return 1001, nil
}

func newTestEngine(snap *rules.Snapshot, store *insertOnlyStore, guard *fakeGuard, crm *fakeCRM) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	controller := queue.NewController(store, queue.ExponentialBackoff{Base: time.Second, Max: time.Minute}, 3, logger)
	return New(&staticRules{snap: snap}, controller, guard, crm, logger)
}

func fieldUpdateEvent(fields map[string]any) *models.ChangeEvent {
	return &models.ChangeEvent{
		EventID:       "ev-1",
		IntegrationID: 1,
		CardID:        42,
		PipelineID:    "P1",
		StageID:       "S1",
		EventType:     models.EventFieldUpdate,
		ChangedFields: fields,
	}
}

func TestHandleChange_ZeroRulesAllowsWithNullTrigger(t *testing.T) {
	store := &insertOnlyStore{}
	eng := newTestEngine(&rules.Snapshot{IntegrationID: 1}, store, newFakeGuard(), &fakeCRM{})

	ev := &models.ChangeEvent{
		EventID:       "ev-1",
		IntegrationID: 1,
		CardID:        42,
		EventType:     models.EventWon,
		Snapshot:      map[string]any{"title": "Big deal", "amount": 9000},
	}
	_, err := eng.HandleChange(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, models.StatusPending, row.Status)
	assert.Nil(t, row.MatchedTriggerID)
	assert.JSONEq(t, `{"title":"Big deal","amount":9000}`, string(row.Payload))
}

func TestHandleChange_FieldUpdatePayloadIsRedacted(t *testing.T) {
	snap := &rules.Snapshot{
		IntegrationID: 1,
		Outbound: []models.OutboundRule{{
			ID:            3,
			Priority:      1,
			EventTypes:    []models.RuleEventType{models.EventFieldUpdate},
			SyncFieldMode: models.FieldModeSelected,
			SyncFields:    []string{"amount"},
			ActionMode:    models.ActionAllow,
		}},
	}
	store := &insertOnlyStore{}
	eng := newTestEngine(snap, store, newFakeGuard(), &fakeCRM{})

	_, err := eng.HandleChange(context.Background(), fieldUpdateEvent(map[string]any{
		"amount": 500,
		"notes":  "do not sync this",
	}))
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, models.StatusPending, row.Status)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &payload))
	assert.Equal(t, map[string]any{"amount": float64(500)}, payload)
}

func TestHandleChange_NoEligibleFieldsBlocks(t *testing.T) {
	snap := &rules.Snapshot{
		IntegrationID: 1,
		Outbound: []models.OutboundRule{{
			ID:            3,
			Priority:      1,
			EventTypes:    []models.RuleEventType{models.EventFieldUpdate},
			SyncFieldMode: models.FieldModeSelected,
			SyncFields:    []string{"amount"},
			ActionMode:    models.ActionAllow,
		}},
	}
	store := &insertOnlyStore{}
	eng := newTestEngine(snap, store, newFakeGuard(), &fakeCRM{})

	_, err := eng.HandleChange(context.Background(), fieldUpdateEvent(map[string]any{
		"notes": "nothing whitelisted changed",
	}))
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, models.StatusBlocked, row.Status)
	assert.Equal(t, models.ReasonNoEligibleField, row.ProcessingLog)
	require.NotNil(t, row.MatchedTriggerID, "the allow rule still decided the outcome")
	assert.Equal(t, int64(3), *row.MatchedTriggerID)
}

func TestHandleChange_BlockRuleCreatesBlockedRow(t *testing.T) {
	snap := &rules.Snapshot{
		IntegrationID: 1,
		Outbound: []models.OutboundRule{{
			ID:            8,
			Priority:      1,
			EventTypes:    []models.RuleEventType{models.EventStageChange},
			SyncFieldMode: models.FieldModeAll,
			ActionMode:    models.ActionBlock,
		}},
	}
	store := &insertOnlyStore{}
	eng := newTestEngine(snap, store, newFakeGuard(), &fakeCRM{})

	ev := &models.ChangeEvent{EventID: "ev-1", IntegrationID: 1, CardID: 42, EventType: models.EventStageChange}
	_, err := eng.HandleChange(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, models.StatusBlocked, row.Status)
	assert.JSONEq(t, `{"blocked_reason":"blocked_by_rule:8"}`, string(row.Payload))
}

func TestHandleChange_SnapshotFailureIsAnError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	controller := queue.NewController(&insertOnlyStore{}, queue.ExponentialBackoff{Base: time.Second, Max: time.Minute}, 3, logger)
	eng := New(&staticRules{err: errors.New("db down")}, controller, newFakeGuard(), &fakeCRM{}, logger)

	_, err := eng.HandleChange(context.Background(), &models.ChangeEvent{EventType: models.EventWon})
	assert.Error(t, err)
}

func TestHandleInbound_AcceptCreatesRecord(t *testing.T) {
	crm := &fakeCRM{}
	eng := newTestEngine(&rules.Snapshot{IntegrationID: 1}, &insertOnlyStore{}, newFakeGuard(), crm)

	ev := &models.InboundEvent{DeliveryID: "d-1", IntegrationID: 1, ExternalPipelineID: "EP1", ExternalStageID: "ES1"}
	accepted, err := eng.HandleInbound(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, accepted)
	assert.Equal(t, 1, crm.creates)
}

func TestHandleInbound_DuplicateDeliveryIsANoOpAccept(t *testing.T) {
	crm := &fakeCRM{}
	eng := newTestEngine(&rules.Snapshot{IntegrationID: 1}, &insertOnlyStore{}, newFakeGuard(), crm)

	ev := &models.InboundEvent{DeliveryID: "d-1", IntegrationID: 1, ExternalPipelineID: "EP1", ExternalStageID: "ES1"}
	_, err := eng.HandleInbound(context.Background(), ev)
	require.NoError(t, err)
	accepted, err := eng.HandleInbound(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, accepted)
	assert.Equal(t, 1, crm.creates, "the duplicate delivery must not create a second record")
}

func TestHandleInbound_RejectedByRules(t *testing.T) {
	snap := &rules.Snapshot{
		IntegrationID: 1,
		Inbound: []models.InboundRule{
			{ID: 1, ExternalPipelineID: "EP1", ExternalStageID: "ES1", ActionType: models.ActionCreateOnly, IsActive: true},
		},
	}
	crm := &fakeCRM{}
	eng := newTestEngine(snap, &insertOnlyStore{}, newFakeGuard(), crm)

	ev := &models.InboundEvent{DeliveryID: "d-1", IntegrationID: 1, ExternalPipelineID: "EP1", ExternalStageID: "other"}
	accepted, err := eng.HandleInbound(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, accepted)
	assert.Zero(t, crm.creates)
}

func TestHandleInbound_CreateFailureReleasesTheKey(t *testing.T) {
	crm := &fakeCRM{err: errors.New("crm unavailable")}
	guard := newFakeGuard()
	eng := newTestEngine(&rules.Snapshot{IntegrationID: 1}, &insertOnlyStore{}, guard, crm)

	ev := &models.InboundEvent{DeliveryID: "d-1", IntegrationID: 1, ExternalPipelineID: "EP1", ExternalStageID: "ES1"}
	_, err := eng.HandleInbound(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, []string{"d-1"}, guard.released, "the re-delivery must get another chance")

	// The platform redelivers; this time the CRM is back
	crm.err = nil
	accepted, err := eng.HandleInbound(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 2, crm.creates)
}
