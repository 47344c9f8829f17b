package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForGroup_ReleasesWhenGroupComplete(t *testing.T) {
	e := newTestEngine(t, [][]string{{"alice", "bob"}}, "alice")

	done := make(chan bool, 1)
	go func() {
		ok, err := e.WaitForGroup(context.Background(), "alice", 5*time.Second)
		require.NoError(t, err)
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("group wait released before the group was complete")
	default:
	}

	require.NoError(t, e.RegisterAgent("bob", ""))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("group wait not released by final registration")
	}
}

func TestWaitForGroup_AlreadyComplete(t *testing.T) {
	e := newTestEngine(t, [][]string{{"alice", "bob"}}, "alice", "bob")

	ok, err := e.WaitForGroup(context.Background(), "alice", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForGroup_Timeout(t *testing.T) {
	e := newTestEngine(t, [][]string{{"alice", "bob"}}, "alice")

	start := time.Now()
	ok, err := e.WaitForGroup(context.Background(), "alice", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitForGroup_SingletonOutsideGroups(t *testing.T) {
	e := newTestEngine(t, nil, "loner")

	ok, err := e.WaitForGroup(context.Background(), "loner", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "an agent outside every group is its own group")
}

func TestWaitForAgentCount(t *testing.T) {
	e := newTestEngine(t, nil, "alice")

	ok, err := e.WaitForAgentCount(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		ok, err := e.WaitForAgentCount(context.Background(), 3, 5*time.Second)
		require.NoError(t, err)
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.RegisterAgent("bob", ""))
	require.NoError(t, e.RegisterAgent("carol", ""))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("count wait not released")
	}
}

func TestWaitForAgentCount_InvalidTimeout(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.WaitForAgentCount(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestWait_CancelDoesNotAffectOtherWaiters(t *testing.T) {
	e := newTestEngine(t, nil, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := e.WaitForAgentCount(ctx, 2, 5*time.Second)
		cancelled <- err
	}()

	survivor := make(chan bool, 1)
	go func() {
		ok, err := e.WaitForAgentCount(context.Background(), 2, 5*time.Second)
		require.NoError(t, err)
		survivor <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-cancelled, context.Canceled)

	require.NoError(t, e.RegisterAgent("bob", ""))
	select {
	case ok := <-survivor:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving waiter was affected by sibling cancellation")
	}
}
