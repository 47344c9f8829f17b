package federation

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/reef/pkg/graph"
	"github.com/harun/reef/pkg/registry"
	"github.com/harun/reef/pkg/session"
)

type fakeSpawner struct {
	mu     sync.Mutex
	spawns []string
	err    error
}

func (f *fakeSpawner) SpawnExported(owner session.Session, engine *session.Engine, name string, agent *graph.Agent, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.spawns = append(f.spawns, name)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeNotifier) PaymentSessionClosed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeNotifier) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func testRegistry() *registry.Registry {
	return registry.New([]*registry.Agent{{
		Name:     "translator",
		Runtimes: registry.Runtimes{Executable: &registry.ExecutableRuntime{Command: []string{"translator"}}},
	}})
}

func testManager(t *testing.T) (*Manager, *fakeSpawner, *fakeNotifier) {
	t.Helper()
	spawner := &fakeSpawner{}
	notifier := &fakeNotifier{}
	m := NewManager(testRegistry(), spawner, notifier, nil, zerolog.Nop())
	return m, spawner, notifier
}

func claimRequest() ClaimRequest {
	return ClaimRequest{
		RegistryName:     "translator",
		Runtime:          registry.RuntimeExecutable,
		PaymentSessionID: "pay-1",
		Wallet:           "0xabc",
	}
}

func TestCreateClaim(t *testing.T) {
	m, _, _ := testManager(t)

	claim, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, claim.ID)
	assert.Equal(t, ClaimPending, claim.State)
	assert.Equal(t, "translator", claim.AgentName)

	stored, ok := m.Claim(claim.ID)
	require.True(t, ok)
	assert.Same(t, claim, stored)
}

func TestCreateClaim_UnknownAgent(t *testing.T) {
	m, _, _ := testManager(t)

	req := claimRequest()
	req.RegistryName = "nobody"
	_, err := m.CreateClaim(req)
	assert.Error(t, err)
}

func TestCreateClaim_UnsupportedRuntime(t *testing.T) {
	m, _, _ := testManager(t)

	req := claimRequest()
	req.Runtime = registry.RuntimeDocker
	_, err := m.CreateClaim(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support runtime")
}

func TestExecuteClaim_OneShot(t *testing.T) {
	m, spawner, _ := testManager(t)
	claim, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)

	rs, err := m.ExecuteClaim(context.Background(), claim.ID)
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, ClaimActive, claim.State)
	assert.Equal(t, []string{"translator"}, spawner.spawns)

	_, err = m.ExecuteClaim(context.Background(), claim.ID)
	assert.ErrorIs(t, err, ErrClaimActive)

	_, err = m.ExecuteClaim(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownClaim)
}

func TestCloseSession_NotifiesPaymentAtZero(t *testing.T) {
	m, _, notifier := testManager(t)

	// Two claims share one payment session.
	first, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)
	second, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)

	_, err = m.ExecuteClaim(context.Background(), first.ID)
	require.NoError(t, err)
	_, err = m.ExecuteClaim(context.Background(), second.ID)
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(context.Background(), first.ID, session.CloseNormal))
	assert.Empty(t, notifier.closedSessions(), "payment session still has a live claim")

	require.NoError(t, m.CloseSession(context.Background(), second.ID, session.CloseNormal))
	assert.Equal(t, []string{"pay-1"}, notifier.closedSessions())

	// Bookkeeping is gone after destruction.
	_, ok := m.Session(first.ID)
	assert.False(t, ok)
	_, ok = m.Claim(first.ID)
	assert.False(t, ok)
}

func TestRemoteSession_DestroyOnce(t *testing.T) {
	m, _, notifier := testManager(t)
	claim, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)

	rs, err := m.ExecuteClaim(context.Background(), claim.ID)
	require.NoError(t, err)

	hookCalls := 0
	rs.OnDestroy(func(ctx context.Context, mode session.CloseMode) error {
		hookCalls++
		return nil
	})

	// The runtime watcher and the relay both observe the agent dying.
	require.NoError(t, rs.Destroy(context.Background(), session.CloseCrashed))
	require.NoError(t, rs.Destroy(context.Background(), session.CloseNormal))

	// The first destruction removed the bookkeeping.
	assert.ErrorIs(t, m.CloseSession(context.Background(), claim.ID, session.CloseNormal), ErrUnknownClaim)

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, []string{"pay-1"}, notifier.closedSessions(), "payment notified exactly once")
}

func TestRemoteSession_StreamConnectOnce(t *testing.T) {
	rs := newRemoteSession(&Claim{ID: "c1", AgentName: "a"}, zerolog.Nop())

	require.NoError(t, rs.ConnectStream())
	assert.ErrorIs(t, rs.ConnectStream(), ErrAlreadyConnected)

	// AwaitStream returns immediately once connected.
	require.NoError(t, rs.AwaitStream(context.Background()))
}

func TestExecuteClaim_SpawnFailureDestroysSession(t *testing.T) {
	spawner := &fakeSpawner{err: assert.AnError}
	notifier := &fakeNotifier{}
	m := NewManager(testRegistry(), spawner, notifier, nil, zerolog.Nop())

	claim, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)

	_, err = m.ExecuteClaim(context.Background(), claim.ID)
	require.Error(t, err)

	// The failed session left no bookkeeping behind and released its
	// payment reference.
	_, ok := m.Session(claim.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{"pay-1"}, notifier.closedSessions())
}

// dyingSpawner simulates the runtime stopping while the spawn call is still
// in flight: the crash watcher destroys the owning session before
// SpawnExported returns.
type dyingSpawner struct{}

func (dyingSpawner) SpawnExported(owner session.Session, engine *session.Engine, name string, agent *graph.Agent, secret string) error {
	return owner.Destroy(context.Background(), session.CloseCrashed)
}

func TestExecuteClaim_RuntimeDiesDuringSpawn(t *testing.T) {
	notifier := &fakeNotifier{}
	m := NewManager(testRegistry(), dyingSpawner{}, notifier, nil, zerolog.Nop())

	claim, err := m.CreateClaim(claimRequest())
	require.NoError(t, err)

	rs, err := m.ExecuteClaim(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Error(t, rs.Context().Err(), "session died during spawn")

	// finalize already ran; the dead session must not stay resolvable.
	_, ok := m.Session(claim.ID)
	assert.False(t, ok)
	_, ok = m.SessionByID(rs.ID())
	assert.False(t, ok)
	_, ok = m.Claim(claim.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{"pay-1"}, notifier.closedSessions())
}
