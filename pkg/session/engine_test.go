package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, groups [][]string, agents ...string) *Engine {
	t.Helper()
	e := NewEngine(groups, zerolog.Nop())
	for _, a := range agents {
		require.NoError(t, e.RegisterAgent(a, ""))
	}
	return e
}

func TestRegisterAgent_Duplicate(t *testing.T) {
	e := newTestEngine(t, nil, "alice")
	assert.ErrorIs(t, e.RegisterAgent("alice", ""), ErrDuplicateAgent)
}

func TestCreateThread_CreatorAlwaysParticipates(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")

	thr, err := e.CreateThread("planning", "alice", []string{"bob"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, thr.Participants)

	// Creator omitted from the participant list still participates.
	thr, err = e.CreateThread("side", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, thr.Participants)
}

func TestCreateThread_UnknownParticipantsDropped(t *testing.T) {
	e := newTestEngine(t, nil, "alice")

	thr, err := e.CreateThread("t", "alice", []string{"ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, thr.Participants)
}

func TestCreateThread_UnknownCreator(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateThread("t", "nobody", nil)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSendMessage_SelfMentionRejected(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)

	_, err = e.SendMessage(thr.ID, "alice", "hi me", []string{"alice"})
	assert.ErrorIs(t, err, ErrSelfMention)

	got, ok := e.Thread(thr.ID)
	require.True(t, ok)
	assert.Empty(t, got.Messages, "rejected message must not be stored")
}

func TestSendMessage_Rejections(t *testing.T) {
	e := newTestEngine(t, nil, "alice")
	thr, err := e.CreateThread("t", "alice", nil)
	require.NoError(t, err)

	_, err = e.SendMessage("missing", "alice", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownThread)

	_, err = e.SendMessage(thr.ID, "ghost", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	require.NoError(t, e.CloseThread(thr.ID, "done"))
	_, err = e.SendMessage(thr.ID, "alice", "x", nil)
	assert.ErrorIs(t, err, ErrThreadClosed)
}

func TestCloseThread_ClearsMessagesKeepsSummary(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)
	_, err = e.SendMessage(thr.ID, "alice", "hello", []string{"bob"})
	require.NoError(t, err)

	require.NoError(t, e.CloseThread(thr.ID, "done"))

	got, ok := e.Thread(thr.ID)
	require.True(t, ok)
	assert.True(t, got.Closed)
	assert.Empty(t, got.Messages)
	assert.Equal(t, "done", got.Summary)

	assert.ErrorIs(t, e.CloseThread(thr.ID, "again"), ErrThreadClosed)
	assert.ErrorIs(t, e.AddParticipant(thr.ID, "bob"), ErrThreadClosed)
	assert.ErrorIs(t, e.RemoveParticipant(thr.ID, "bob"), ErrThreadClosed)
}

func TestParticipants_AddRemove(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob", "carol")
	thr, err := e.CreateThread("t", "alice", nil)
	require.NoError(t, err)

	require.NoError(t, e.AddParticipant(thr.ID, "bob"))
	assert.ErrorIs(t, e.AddParticipant(thr.ID, "bob"), ErrAlreadyParticipant)
	assert.ErrorIs(t, e.AddParticipant(thr.ID, "ghost"), ErrUnknownAgent)

	require.NoError(t, e.RemoveParticipant(thr.ID, "bob"))
	assert.ErrorIs(t, e.RemoveParticipant(thr.ID, "bob"), ErrNotParticipant)
	assert.ErrorIs(t, e.RemoveParticipant("missing", "bob"), ErrUnknownThread)
}

func TestLateParticipant_SeesOnlyFutureMessages(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", nil)
	require.NoError(t, err)

	// A system message sent before bob joins must not reach him.
	_, err = e.SendMessage(thr.ID, SystemSender, "before", nil)
	require.NoError(t, err)

	require.NoError(t, e.AddParticipant(thr.ID, "bob"))
	_, err = e.SendMessage(thr.ID, SystemSender, "after", nil)
	require.NoError(t, err)

	msgs, err := e.WaitForMentions(context.Background(), "bob", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", msgs[0].Content)
}

func TestWaitForMentions_InvalidTimeout(t *testing.T) {
	e := newTestEngine(t, nil, "alice")
	_, err := e.WaitForMentions(context.Background(), "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = e.WaitForMentions(context.Background(), "alice", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestWaitForMentions_ImmediateReturnAdvancesCursor(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)
	_, err = e.SendMessage(thr.ID, "alice", "hello", []string{"bob"})
	require.NoError(t, err)

	start := time.Now()
	msgs, err := e.WaitForMentions(context.Background(), "bob", 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "unread messages must return without waiting")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	// Cursor advanced: the same message is not delivered twice.
	msgs, err = e.WaitForMentions(context.Background(), "bob", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWaitForMentions_TimeoutReturnsEmpty(t *testing.T) {
	e := newTestEngine(t, nil, "alice")
	timeout := 100 * time.Millisecond

	start := time.Now()
	msgs, err := e.WaitForMentions(context.Background(), "alice", timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestWaitForMentions_WokenByMatchingMessage(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)

	type result struct {
		msgs []Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		msgs, err := e.WaitForMentions(context.Background(), "bob", 5*time.Second)
		done <- result{msgs, err}
	}()

	// Let the waiter park before sending.
	time.Sleep(50 * time.Millisecond)
	_, err = e.SendMessage(thr.ID, "alice", "ping", []string{"bob"})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Len(t, res.msgs, 1)
		assert.Equal(t, "ping", res.msgs[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by matching message")
	}

	// The woken delivery advanced the cursor too.
	msgs, err := e.WaitForMentions(context.Background(), "bob", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWaitForMentions_ConcurrentWaitersFanOut(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob")
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)

	results := make(chan []Message, 2)
	for i := 0; i < 2; i++ {
		go func() {
			msgs, err := e.WaitForMentions(context.Background(), "bob", 5*time.Second)
			require.NoError(t, err)
			results <- msgs
		}()
	}

	time.Sleep(50 * time.Millisecond)
	_, err = e.SendMessage(thr.ID, "alice", "fan", []string{"bob"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case msgs := <-results:
			require.Len(t, msgs, 1)
			assert.Equal(t, "fan", msgs[0].Content)
		case <-time.After(2 * time.Second):
			t.Fatal("not all concurrent waiters were woken")
		}
	}
}

func TestSystemMessage_BroadcastToAllParticipants(t *testing.T) {
	e := newTestEngine(t, nil, "alice", "bob", "carol")
	thr, err := e.CreateThread("t", "alice", []string{"bob", "carol"})
	require.NoError(t, err)

	_, err = e.SendMessage(thr.ID, SystemSender, "announcement", nil)
	require.NoError(t, err)

	for _, agent := range []string{"alice", "bob", "carol"} {
		msgs, err := e.WaitForMentions(context.Background(), agent, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "agent %s should receive the broadcast", agent)
		assert.Equal(t, "announcement", msgs[0].Content)
	}
}

func TestScenario_TwoAgentConversation(t *testing.T) {
	e := newTestEngine(t, nil, "A", "B")

	thr, err := e.CreateThread("chat", "A", []string{"B"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, thr.Participants)

	_, err = e.SendMessage(thr.ID, "A", "hello", []string{"B"})
	require.NoError(t, err)

	msgs, err := e.WaitForMentions(context.Background(), "B", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	_, err = e.SendMessage(thr.ID, "B", "hi back", []string{"A"})
	require.NoError(t, err)

	msgs, err = e.WaitForMentions(context.Background(), "A", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi back", msgs[0].Content, "A must not see the earlier hello again")
}

func TestEvents_ReplayFoldsToSameState(t *testing.T) {
	e := newTestEngine(t, nil)
	events, cancelSub := e.Events().Subscribe(64)
	defer cancelSub()

	require.NoError(t, e.RegisterAgent("alice", ""))
	require.NoError(t, e.RegisterAgent("bob", ""))
	thr, err := e.CreateThread("t", "alice", []string{"bob"})
	require.NoError(t, err)
	_, err = e.SendMessage(thr.ID, "alice", "one", []string{"bob"})
	require.NoError(t, err)
	require.NoError(t, e.CloseThread(thr.ID, "wrapped up"))

	// Replay the observed events over an empty state.
	replayed := newState()
	replayEngine := &Engine{state: replayed}
	deadline := time.After(time.Second)
	for applied := 0; applied < 5; {
		select {
		case ev := <-events:
			replayEngine.apply(replayed, ev)
			applied++
		case <-deadline:
			t.Fatal("did not observe all events")
		}
	}

	got := replayed.threads[thr.ID]
	require.NotNil(t, got)
	assert.True(t, got.Closed)
	assert.Equal(t, "wrapped up", got.Summary)
	assert.Empty(t, got.Messages)
	assert.Len(t, replayed.agents, 2)
}
