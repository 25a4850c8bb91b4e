package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joescharf/fixgate/internal/models"
)

// Logger writes audit events as JSON lines prefixed with "AUDIT: ".
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLogger creates a Logger writing to w, or os.Stderr when w is nil.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{w: w, now: time.Now}
}

// LogEvent implements Auditor.
func (l *Logger) LogEvent(_ context.Context, name string, attributes map[string]any) error {
	ev := NewEvent(name, attributes, l.now())
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(append([]byte("AUDIT: "), data...), '\n'))
	return err
}

// EventStore persists audit events.
type EventStore interface {
	SaveAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// StoreAuditor writes audit events to an EventStore.
type StoreAuditor struct {
	store EventStore
	now   func() time.Time
}

// NewStoreAuditor creates a StoreAuditor.
func NewStoreAuditor(s EventStore) *StoreAuditor {
	return &StoreAuditor{store: s, now: time.Now}
}

// LogEvent implements Auditor.
func (a *StoreAuditor) LogEvent(ctx context.Context, name string, attributes map[string]any) error {
	ev := NewEvent(name, attributes, a.now())
	return a.store.SaveAuditEvent(ctx, &ev)
}
