package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AuditEntry struct {
	Action    string
	ActorID   uuid.UUID
	Data      map[string]interface{}
	Timestamp time.Time
}

// AuditLog collects audit entries in memory.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) LogEvent(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, AuditEntry{Action: action, ActorID: actorID, Data: data, Timestamp: time.Now()})
	return nil
}

func (a *AuditLog) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}
