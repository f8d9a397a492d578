package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reservation/internal/models"
)

func event(tenantID, sessionID string, t models.HoldEventType) models.HoldEvent {
	return models.HoldEvent{Type: t, HoldID: "hold-1", TenantID: tenantID, SessionID: sessionID}
}

func TestSessionSubscribersOnlySeeTheirSession(t *testing.T) {
	e := NewHoldEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := e.SubscribeToSession(ctx, "session-1")
	other := e.SubscribeToSession(ctx, "session-2")
	tenant := e.SubscribeToTenant(ctx, "club-1")

	e.HoldChanged(ctx, event("club-1", "session-1", models.HoldEventCreated))

	select {
	case got := <-mine:
		assert.Equal(t, models.HoldEventCreated, got.Type)
	case <-time.After(time.Second):
		t.Fatal("session subscriber got nothing")
	}
	select {
	case got := <-tenant:
		assert.Equal(t, "session-1", got.SessionID)
	case <-time.After(time.Second):
		t.Fatal("tenant subscriber got nothing")
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected event %+v", got)
	default:
	}
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	e := NewHoldEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.SubscribeToSession(ctx, "session-1")
	for i := 0; i < clientBuffer+5; i++ {
		e.HoldChanged(ctx, event("club-1", "session-1", models.HoldEventExpired))
	}
	assert.Equal(t, int64(5), e.Dropped())
}

func TestUnsubscribeOnContextEnd(t *testing.T) {
	e := NewHoldEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := e.SubscribeToSession(ctx, "session-1")
	require.Equal(t, 1, e.GetSessionClientCount("session-1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, e.GetSessionClientCount("session-1"))
}
