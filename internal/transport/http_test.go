package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmaia/crm-bridge/internal/models"
)

func queueRow() *models.QueueEvent {
	return &models.QueueEvent{
		ID:            1,
		IntegrationID: 7,
		CardID:        42,
		EventType:     models.EventStageChange,
		Payload:       json.RawMessage(`{"stage":"S2"}`),
	}
}

func clientFor(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-key", srv.URL, "crm-key", 2*time.Second), srv
}

func TestDeliverEvent_Success(t *testing.T) {
	var gotPath, gotAuth string
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"external_id": "ext-99"})
	})

	externalID, err := client.DeliverEvent(context.Background(), queueRow())

	require.NoError(t, err)
	assert.Equal(t, "ext-99", externalID)
	assert.Equal(t, "/v1/integrations/7/events", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestDeliverEvent_ServerErrorIsRetryable(t *testing.T) {
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.DeliverEvent(context.Background(), queueRow())

	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Contains(t, de.Error(), "upstream exploded")
}

func TestDeliverEvent_ThrottlingIsRetryable(t *testing.T) {
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := client.DeliverEvent(context.Background(), queueRow())

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDeliverEvent_ValidationRejectionIsTerminal(t *testing.T) {
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown field", http.StatusUnprocessableEntity)
	})

	_, err := client.DeliverEvent(context.Background(), queueRow())

	require.Error(t, err)
	assert.False(t, IsRetryable(err), "a payload the platform rejected will never succeed on retry")
}

func TestDeliverEvent_EmptyExternalIDIsTerminal(t *testing.T) {
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := client.DeliverEvent(context.Background(), queueRow())

	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestDeliverEvent_NetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on
	client := NewHTTPClient(srv.URL, "", srv.URL, "", time.Second)

	_, err := client.DeliverEvent(context.Background(), queueRow())

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDeliverEvent_TimeoutIsRetryable(t *testing.T) {
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.DeliverEvent(ctx, queueRow())

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestCreateRecord_Success(t *testing.T) {
	var gotPath string
	var gotBody createRequest
	client, _ := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]int64{"card_id": 555})
	})

	ev := &models.InboundEvent{
		DeliveryID:         "d-1",
		IntegrationID:      7,
		ExternalPipelineID: "EP1",
		ExternalStageID:    "ES1",
		Entity:             map[string]any{"name": "Lead from campaign"},
	}
	cardID, err := client.CreateRecord(context.Background(), ev)

	require.NoError(t, err)
	assert.Equal(t, int64(555), cardID)
	assert.Equal(t, "/v1/integrations/7/cards", gotPath)
	assert.Equal(t, "d-1", gotBody.DeliveryID)
}

func TestIsRetryable_UnclassifiedErrorsDefaultToRetryable(t *testing.T) {
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}
