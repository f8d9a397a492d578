package sse

import (
	"context"
	"sync"
	"sync/atomic"

	"ms-reservation/internal/models"
)

const clientBuffer = 16

// HoldEventEmitter fans hold transitions out to Server-Sent Events subscribers, keyed by
// session (parents watching seats) and by tenant (admin dashboards).
type HoldEventEmitter struct {
	// Session channel clients map - key: sessionID
	sessionClients     map[string][]chan models.HoldEvent
	sessionClientMutex sync.RWMutex

	// Tenant channel clients map - key: tenantID
	tenantClients     map[string][]chan models.HoldEvent
	tenantClientMutex sync.RWMutex

	dropped atomic.Int64
}

func NewHoldEventEmitter() *HoldEventEmitter {
	return &HoldEventEmitter{
		sessionClients: make(map[string][]chan models.HoldEvent),
		tenantClients:  make(map[string][]chan models.HoldEvent),
	}
}

// SubscribeToSession returns a channel of the session's hold events. It is closed when ctx ends.
func (e *HoldEventEmitter) SubscribeToSession(ctx context.Context, sessionID string) <-chan models.HoldEvent {
	return subscribe(ctx, &e.sessionClientMutex, e.sessionClients, sessionID)
}

// SubscribeToTenant returns a channel of every hold event in the tenant.
func (e *HoldEventEmitter) SubscribeToTenant(ctx context.Context, tenantID string) <-chan models.HoldEvent {
	return subscribe(ctx, &e.tenantClientMutex, e.tenantClients, tenantID)
}

// HoldChanged broadcasts event without blocking; slow clients miss events instead of
// holding up the reservation path.
func (e *HoldEventEmitter) HoldChanged(_ context.Context, event models.HoldEvent) {
	e.broadcast(&e.sessionClientMutex, e.sessionClients, event.SessionID, event)
	e.broadcast(&e.tenantClientMutex, e.tenantClients, event.TenantID, event)
}

func (e *HoldEventEmitter) broadcast(mu *sync.RWMutex, clients map[string][]chan models.HoldEvent, key string, event models.HoldEvent) {
	mu.RLock()
	defer mu.RUnlock()
	for _, ch := range clients[key] {
		select {
		case ch <- event:
		default:
			e.dropped.Add(1)
		}
	}
}

// Dropped counts events skipped because a client's buffer was full.
func (e *HoldEventEmitter) Dropped() int64 {
	return e.dropped.Load()
}

// GetSessionClientCount returns the number of clients currently watching a session
func (e *HoldEventEmitter) GetSessionClientCount(sessionID string) int {
	e.sessionClientMutex.RLock()
	defer e.sessionClientMutex.RUnlock()
	return len(e.sessionClients[sessionID])
}

// GetTenantClientCount returns the number of clients currently watching a tenant
func (e *HoldEventEmitter) GetTenantClientCount(tenantID string) int {
	e.tenantClientMutex.RLock()
	defer e.tenantClientMutex.RUnlock()
	return len(e.tenantClients[tenantID])
}

func subscribe(ctx context.Context, mu *sync.RWMutex, clients map[string][]chan models.HoldEvent, key string) <-chan models.HoldEvent {
	ch := make(chan models.HoldEvent, clientBuffer)

	mu.Lock()
	clients[key] = append(clients[key], ch)
	mu.Unlock()

	// Remove client when context is done
	go func() {
		<-ctx.Done()
		remove(mu, clients, key, ch)
	}()
	return ch
}

func remove(mu *sync.RWMutex, clients map[string][]chan models.HoldEvent, key string, ch chan models.HoldEvent) {
	mu.Lock()
	defer mu.Unlock()

	list := clients[key]
	for i, c := range list {
		if c == ch {
			clients[key] = append(list[:i:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	// Clean up map entry if no more clients
	if len(clients[key]) == 0 {
		delete(clients, key)
	}
}
