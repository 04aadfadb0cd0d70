package transport

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/normalizer"
)

// memorySink records delivered events and can be told to start failing.
type memorySink struct {
	mu     sync.Mutex
	events []events.Event
	beats  int
	fail   bool
	closed bool
}

func (s *memorySink) Send(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("write failed")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("heartbeat failed")
	}
	s.beats++
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) recorded() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func newTestManager() (*Manager, *SSETransport) {
	buffer := events.NewBuffer(nil, 100, time.Hour)
	mgr := NewManager(nil, buffer)
	sse := NewSSE(nil, buffer)
	mgr.Register(sse)
	return mgr, sse
}

func TestHandleConnection_SendsConnectedThenReplays(t *testing.T) {
	mgr, sse := newTestManager()

	// Buffer three events before the client joins.
	adapter := mgr.Connect("run-1")
	adapter.EmitRunStarted()
	adapter.EmitEntry(normalizer.Entry{Kind: normalizer.KindAssistantMessage, Content: "hi"})
	adapter.EmitRunFinished(nil)

	sink := &memorySink{}
	require.NoError(t, sse.HandleConnection("client-1", sink, "run-1", 0))

	got := sink.recorded()
	require.Len(t, got, 4)
	assert.Equal(t, events.TypeConnected, got[0].Type)
	assert.Equal(t, "client-1", got[0].Fields["clientId"])
	assert.Equal(t, events.TypeRunStarted, got[1].Type)
	assert.Equal(t, events.TypeTextMessageContent, got[2].Type)
	assert.Equal(t, events.TypeRunFinished, got[3].Type)

	// Replayed events carry their buffered sequence numbers in order.
	assert.EqualValues(t, 0, got[1].Seq)
	assert.EqualValues(t, 1, got[2].Seq)
	assert.EqualValues(t, 2, got[3].Seq)
}

func TestHandleConnection_ResumeFromSeq(t *testing.T) {
	mgr, sse := newTestManager()
	adapter := mgr.Connect("run-1")
	for i := 0; i < 5; i++ {
		adapter.EmitEntry(normalizer.Entry{Kind: normalizer.KindAssistantMessage, Content: "x"})
	}

	sink := &memorySink{}
	require.NoError(t, sse.HandleConnection("client-1", sink, "run-1", 3))

	got := sink.recorded()
	require.Len(t, got, 3) // connected + seq 3, 4
	assert.EqualValues(t, 3, got[1].Seq)
	assert.EqualValues(t, 4, got[2].Seq)
}

func TestBroadcast_FailingSinkRemovedWithoutError(t *testing.T) {
	mgr, sse := newTestManager()

	good := &memorySink{}
	bad := &memorySink{}
	require.NoError(t, sse.HandleConnection("good", good, "run-1", 0))
	require.NoError(t, sse.HandleConnection("bad", bad, "run-1", 0))
	bad.fail = true

	adapter := mgr.Connect("run-1")
	adapter.EmitRunStarted()
	adapter.EmitRunFinished(nil)

	assert.Equal(t, 1, sse.ClientCount())
	// The good sink got exactly one event per emit: connected + 2.
	assert.Len(t, good.recorded(), 3)
}

func TestBroadcastToRun_Isolation(t *testing.T) {
	mgr, sse := newTestManager()

	sinkA := &memorySink{}
	sinkB := &memorySink{}
	require.NoError(t, sse.HandleConnection("a", sinkA, "run-a", 0))
	require.NoError(t, sse.HandleConnection("b", sinkB, "run-b", 0))

	mgr.Connect("run-a").EmitRunStarted()

	gotA := sinkA.recorded()
	gotB := sinkB.recorded()
	require.Len(t, gotA, 2)
	assert.Equal(t, events.TypeRunStarted, gotA[1].Type)
	require.Len(t, gotB, 1) // connected only
}

func TestShutdown_Idempotent(t *testing.T) {
	_, sse := newTestManager()
	sink := &memorySink{}
	require.NoError(t, sse.HandleConnection("c", sink, "", 0))

	sse.Shutdown()
	sse.Shutdown()
	assert.True(t, sink.closed)
	assert.Equal(t, 0, sse.ClientCount())

	err := sse.HandleConnection("late", &memorySink{}, "", 0)
	require.Error(t, err)
}

func TestAdapterEntryMapping(t *testing.T) {
	mgr, sse := newTestManager()
	sink := &memorySink{}
	require.NoError(t, sse.HandleConnection("c", sink, "run-1", 0))

	adapter := mgr.Connect("run-1")
	adapter.EmitEntry(normalizer.Entry{
		Kind: normalizer.KindToolUse, ToolUseID: "t1", ToolName: "Read",
		ToolInput: map[string]interface{}{"file_path": "a.ts"},
	})
	adapter.EmitEntry(normalizer.Entry{
		Kind: normalizer.KindToolResult, ToolUseID: "t1", Content: "x",
	})
	adapter.EmitEntry(normalizer.Entry{Kind: normalizer.KindError, Content: "bad line", Line: 7})

	got := sink.recorded()
	require.Len(t, got, 4)
	assert.Equal(t, events.TypeToolCallStart, got[1].Type)
	assert.Equal(t, "Read", got[1].Fields["toolName"])
	assert.Equal(t, events.TypeToolCallResult, got[2].Type)
	assert.Equal(t, events.TypeRunError, got[3].Type)
	assert.Equal(t, true, got[3].Fields["recovered"])
}
