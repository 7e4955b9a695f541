package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/store"
	"github.com/loomengine/loom/pkg/schema"
)

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, code, lerr.Code)
}

// memAppender collects appended events in memory.
type memAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (a *memAppender) AppendEvent(_ context.Context, e *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *memAppender) all() []*store.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*store.Event(nil), a.events...)
}

func (a *memAppender) ofType(eventType string) []*store.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*store.Event
	for _, e := range a.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
