package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/gateway"
	"github.com/mxi-app/mxi-core/internal/ratelimit"
	"github.com/mxi-app/mxi-core/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway serves a mutable server-side truth and counts calls.
type fakeGateway struct {
	mu           sync.Mutex
	principal    domain.Principal
	fetchCalls   int
	invokeCalls  []string
	fetchErr     error
	invokeErr    error
	invokeResult gateway.Result
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		principal: domain.Principal{
			ID:               "principal-1",
			PurchasedBalance: 100,
			CanWithdraw:      true,
			KYCStatus:        domain.KYCApproved,
			LastYieldUpdate:  time.Now().UTC(),
		},
	}
}

func (g *fakeGateway) FetchSnapshot(ctx context.Context, principalID string) (*domain.Principal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.fetchCalls++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}

	snapshot := g.principal
	return &snapshot, nil
}

func (g *fakeGateway) Invoke(ctx context.Context, procedure string, args map[string]any) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.invokeCalls = append(g.invokeCalls, procedure)
	if g.invokeErr != nil {
		return nil, g.invokeErr
	}

	return g.invokeResult, nil
}

func (g *fakeGateway) setBalance(purchased float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.principal.PurchasedBalance = purchased
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls
}

func (g *fakeGateway) invocations(procedure string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, p := range g.invokeCalls {
		if p == procedure {
			n++
		}
	}
	return n
}

// fakeListener hands the store a channel the test writes to directly.
type fakeListener struct {
	mu           sync.Mutex
	events       chan domain.PushEvent
	connected    bool
	unsubscribes int
}

func newFakeListener() *fakeListener {
	return &fakeListener{events: make(chan domain.PushEvent, 16)}
}

func (l *fakeListener) Subscribe(ctx context.Context, principalID string) (<-chan domain.PushEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return l.events, nil
}

func (l *fakeListener) Unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unsubscribes++
	if l.connected {
		l.connected = false
		close(l.events)
	}
}

func (l *fakeListener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeListener) emit(kind domain.EventKind, message string) {
	l.events <- domain.PushEvent{
		PrincipalID: "principal-1",
		Kind:        kind,
		Message:     message,
		ReceivedAt:  time.Now().UTC(),
	}
}

func newTestStore(t *testing.T, gw *fakeGateway, listener PushListener) *Store {
	t.Helper()

	store, err := NewStore("principal-1", Config{RefreshTimeout: 2 * time.Second}, Deps{
		Gateway:  gw,
		Listener: listener,
		Log:      testLogger(),
	})
	require.NoError(t, err)
	return store
}

func TestStore_StartAppliesInitialSnapshot(t *testing.T) {
	gw := newFakeGateway()
	listener := newFakeListener()
	store := newTestStore(t, gw, listener)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 100.0, snapshot.PurchasedBalance)
	assert.Equal(t, uint64(1), store.Epoch())
	assert.False(t, store.Stale())
	assert.True(t, store.Connected())
	assert.Equal(t, 1, gw.fetchCount())
}

func TestStore_StartFailsWithoutSnapshotOrCache(t *testing.T) {
	gw := newFakeGateway()
	gw.fetchErr = apperrors.NewNetworkError(errors.New("connection refused"))

	store := newTestStore(t, gw, newFakeListener())
	err := store.Start(context.Background())
	assert.Error(t, err)
	assert.Nil(t, store.Snapshot())
}

func TestStore_PushEventTriggersRefetchNotPatch(t *testing.T) {
	gw := newFakeGateway()
	listener := newFakeListener()
	store := newTestStore(t, gw, listener)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	// The server truth changes; the push payload lies about it. The snapshot
	// must reflect the fetched truth, never the payload.
	gw.setBalance(250)
	listener.emit(domain.EventBalanceUpdated, `{"purchased_balance": 9999}`)

	require.Eventually(t, func() bool {
		snapshot := store.Snapshot()
		return snapshot != nil && snapshot.PurchasedBalance == 250
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, gw.fetchCount())
	assert.Equal(t, uint64(2), store.Epoch())
}

func TestStore_EveryEventKindTriggersRefresh(t *testing.T) {
	gw := newFakeGateway()
	listener := newFakeListener()
	store := newTestStore(t, gw, listener)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	kinds := []domain.EventKind{
		domain.EventUserUpdated,
		domain.EventKYCStatusChanged,
		domain.EventAdminMessage,
	}

	before := gw.fetchCount()
	for _, kind := range kinds {
		listener.emit(kind, "")
	}

	require.Eventually(t, func() bool {
		return gw.fetchCount() >= before+len(kinds)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStore_DuplicateEventDeliveryIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	listener := newFakeListener()
	store := newTestStore(t, gw, listener)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	gw.setBalance(250)

	listener.emit(domain.EventBalanceUpdated, "Balance actualizado")
	require.Eventually(t, func() bool {
		snapshot := store.Snapshot()
		return snapshot != nil && snapshot.PurchasedBalance == 250
	}, 2*time.Second, 5*time.Millisecond)
	single := store.Snapshot()

	// The backend may deliver the same event again. The duplicate re-fetches
	// the unchanged truth, so the snapshot ends up exactly where it already was.
	fetches := gw.fetchCount()
	listener.emit(domain.EventBalanceUpdated, "Balance actualizado")
	require.Eventually(t, func() bool {
		return gw.fetchCount() > fetches
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, single, store.Snapshot())
	assert.False(t, store.Stale())
}

func TestStore_ManualRefreshDuringInFlightSucceedsQuietly(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(t, gw, nil)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	// With nothing in flight this is a plain refresh; the duplicate-drop path
	// is covered by the coordinator tests. Either way the caller sees success.
	result := store.Refresh(context.Background())
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
}

func TestStore_ManualRefreshRateLimited(t *testing.T) {
	gw := newFakeGateway()
	limiter := ratelimit.NewMemoryLimiter(testLogger())
	rules := ratelimit.NewRules(config.LimitsConfig{
		ManualRefresh: config.LimitRule{Limit: 2, Window: time.Minute},
		Withdrawal:    config.LimitRule{Limit: 3, Window: time.Minute},
	})

	store, err := NewStore("principal-1", Config{}, Deps{
		Gateway: gw,
		Limiter: limiter,
		Rules:   rules,
		Log:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	assert.True(t, store.Refresh(context.Background()).Success)
	assert.True(t, store.Refresh(context.Background()).Success)

	third := store.Refresh(context.Background())
	assert.False(t, third.Success)
	assert.Contains(t, third.Error, "demasiadas solicitudes")
}

func TestStore_LogoutTeardownOrder(t *testing.T) {
	gw := newFakeGateway()
	listener := newFakeListener()
	store := newTestStore(t, gw, listener)

	require.NoError(t, store.Start(context.Background()))

	// Events queued before logout must be fully drained, and none may run
	// against a cleared snapshot.
	listener.emit(domain.EventBalanceUpdated, "")
	listener.emit(domain.EventCommissionEarned, "")

	result := store.Logout(context.Background())
	assert.True(t, result.Success)

	assert.Equal(t, 1, listener.unsubscribes)
	assert.Nil(t, store.Snapshot())
	assert.False(t, store.Connected())
	assert.True(t, store.LastUpdate().IsZero())

	// The coordinator is closed: nothing can refetch into a dead session.
	refreshed := store.Refresh(context.Background())
	assert.False(t, refreshed.Success)

	fetchesAfter := gw.fetchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fetchesAfter, gw.fetchCount())
}

func TestStore_WithdrawalFailureSurfacedVerbatimWithoutRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.invokeErr = apperrors.NewValidationError("insufficient balance")

	store := newTestStore(t, gw, nil)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	result := store.RequestWithdrawal(context.Background(), 50, "TXmxi1234567890")
	assert.False(t, result.Success)
	assert.Equal(t, "insufficient balance", result.Error)
	assert.Equal(t, 1, gw.invocations(gateway.ProcRequestWithdrawal))
}

func TestStore_WithdrawalPreflight(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(p *domain.Principal)
		wantErr string
	}{
		{
			name:    "blocked account",
			mutate:  func(p *domain.Principal) { p.Blocked = true },
			wantErr: "cuenta bloqueada",
		},
		{
			name:    "withdrawals disabled",
			mutate:  func(p *domain.Principal) { p.CanWithdraw = false },
			wantErr: "retiros no disponibles",
		},
		{
			name:    "kyc pending",
			mutate:  func(p *domain.Principal) { p.KYCStatus = domain.KYCPending },
			wantErr: "KYC",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.mu.Lock()
			tc.mutate(&gw.principal)
			gw.mu.Unlock()

			store := newTestStore(t, gw, nil)
			require.NoError(t, store.Start(context.Background()))
			t.Cleanup(func() { store.Logout(context.Background()) })

			result := store.RequestWithdrawal(context.Background(), 10, "TXmxi1234567890")
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tc.wantErr)

			// Preflight rejections never reach the backend.
			assert.Zero(t, gw.invocations(gateway.ProcRequestWithdrawal))
		})
	}
}

func TestStore_WithdrawalInputValidation(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(t, gw, nil)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	assert.False(t, store.RequestWithdrawal(context.Background(), 0, "TXmxi1234567890").Success)
	assert.False(t, store.RequestWithdrawal(context.Background(), -5, "TXmxi1234567890").Success)
	assert.False(t, store.RequestWithdrawal(context.Background(), 10, "").Success)
	assert.False(t, store.RequestWithdrawal(context.Background(), 10, "abc").Success)

	assert.Zero(t, gw.invocations(gateway.ProcRequestWithdrawal))
}

func TestStore_ClaimYieldResyncsSnapshot(t *testing.T) {
	gw := newFakeGateway()
	gw.principal.AccumulatedYield = 12
	gw.invokeResult = gateway.Result{"success": true}

	store := newTestStore(t, gw, nil)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	// The claim zeroes accumulated yield server-side; the re-sync lands it.
	gw.mu.Lock()
	gw.principal.AccumulatedYield = 0
	gw.mu.Unlock()

	result := store.ClaimYield(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, 1, gw.invocations(gateway.ProcClaimYield))

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Zero(t, snapshot.AccumulatedYield)
	assert.GreaterOrEqual(t, gw.fetchCount(), 2)
}

func TestStore_TotalBalanceIncludesLiveYield(t *testing.T) {
	gw := newFakeGateway()
	gw.mu.Lock()
	gw.principal.CommissionBalance = 5
	gw.principal.ChallengeBalance = 2
	gw.principal.VestingLocked = 3
	gw.principal.AccumulatedYield = 1.5
	gw.mu.Unlock()

	store := newTestStore(t, gw, nil)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Logout(context.Background()) })

	total := store.TotalBalance()
	assert.GreaterOrEqual(t, total, 100.0+5+2+3+1.5)
	assert.GreaterOrEqual(t, store.LiveYield(), 1.5)
}
