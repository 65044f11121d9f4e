package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/gateway"
	"github.com/mxi-app/mxi-core/internal/session"
)

type stubGateway struct{}

func (stubGateway) FetchSnapshot(ctx context.Context, principalID string) (*domain.Principal, error) {
	return &domain.Principal{ID: principalID}, nil
}

func (stubGateway) Invoke(ctx context.Context, procedure string, args map[string]any) (gateway.Result, error) {
	return nil, nil
}

func newStore(t *testing.T, principalID string) *session.Store {
	t.Helper()

	store, err := session.NewStore(principalID, session.Config{}, session.Deps{
		Gateway: stubGateway{},
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return store
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := New()

	assert.Nil(t, r.Get("principal-1"))
	assert.Zero(t, r.Count())

	store := newStore(t, "principal-1")
	r.Add(store)

	assert.Same(t, store, r.Get("principal-1"))
	assert.Equal(t, 1, r.Count())

	// Replacing a principal's session keeps one entry.
	replacement := newStore(t, "principal-1")
	r.Add(replacement)
	assert.Same(t, replacement, r.Get("principal-1"))
	assert.Equal(t, 1, r.Count())

	r.Remove("principal-1")
	assert.Nil(t, r.Get("principal-1"))
	assert.Zero(t, r.Count())
}

func TestRegistry_AllReturnsSnapshot(t *testing.T) {
	r := New()
	r.Add(newStore(t, "principal-1"))
	r.Add(newStore(t, "principal-2"))

	stores := r.All()
	assert.Len(t, stores, 2)

	// Mutating the returned slice leaves the registry untouched.
	stores[0] = nil
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_ConnectedCountWithoutListeners(t *testing.T) {
	r := New()
	r.Add(newStore(t, "principal-1"))

	assert.Zero(t, r.ConnectedCount())
}

func TestRegistry_AddNilIsNoOp(t *testing.T) {
	r := New()
	r.Add(nil)
	assert.Zero(t, r.Count())
}
