package channelsched

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brewva/brewva/internal/turnwal"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	fail  bool
}

func (f *fakeRunner) RunTurn(ctx context.Context, sessionID string, turn InboundTurn) (RunResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return RunResult{}, fmt.Errorf("boom")
	}
	return RunResult{AssistantText: "reply to: " + turn.Text}, nil
}

type fakeSessionFactory struct {
	mu       sync.Mutex
	creates  int
	sessions map[string]string
}

func newFakeSessionFactory() *fakeSessionFactory {
	return &fakeSessionFactory{sessions: make(map[string]string)}
}

func (f *fakeSessionFactory) CreateSession(ctx context.Context, channel, conversationID string) (string, error) {
	time.Sleep(2 * time.Millisecond) // widen the race window for single-flight tests
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	id := fmt.Sprintf("sess-%s-%s-%d", channel, conversationID, f.creates)
	f.sessions[channel+":"+conversationID] = id
	return id, nil
}

type fakePort struct {
	mu  sync.Mutex
	out []string
	seq []int
}

func (f *fakePort) SendOutbound(ctx context.Context, channel, conversationID string, seq int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, text)
	f.seq = append(f.seq, seq)
	return nil
}

func newTestScheduler(t *testing.T, runner AgentRunner, sf SessionFactory, port ChannelPort) *Scheduler {
	t.Helper()
	wal := turnwal.New(t.TempDir(), "channel")
	return New(wal, runner, port, sf, 1000)
}

func TestEnqueueInboundTurn_RunsAndSendsOutboundReply(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	if err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "hi"}, EnqueueOpts{AwaitCompletion: true}); err != nil {
		t.Fatal(err)
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.out) != 1 || port.out[0] != "reply to: hi" {
		t.Errorf("outbound = %v", port.out)
	}
}

func TestEnqueueInboundTurn_SessionCreatedOnlyOnce(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	for i := 0; i < 3; i++ {
		if err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "hi"}, EnqueueOpts{AwaitCompletion: true}); err != nil {
			t.Fatal(err)
		}
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.creates != 1 {
		t.Errorf("expected session created once across 3 turns, got %d", sf.creates)
	}
}

func TestEnqueueInboundTurn_ConcurrentEnqueuesSingleFlightSessionCreation(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: fmt.Sprintf("msg-%d", n)}, EnqueueOpts{AwaitCompletion: true})
		}(i)
	}
	wg.Wait()

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.creates != 1 {
		t.Errorf("expected exactly 1 session creation under concurrent load, got %d", sf.creates)
	}
}

func TestEnqueueInboundTurn_OutboundSequenceIsMonotonic(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	for i := 0; i < 4; i++ {
		if err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: fmt.Sprintf("t%d", i)}, EnqueueOpts{AwaitCompletion: true}); err != nil {
			t.Fatal(err)
		}
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	for i, s := range port.seq {
		if s != i+1 {
			t.Errorf("seq[%d] = %d, want %d", i, s, i+1)
		}
	}
}

func TestEnqueueInboundTurn_InboundTurnsProcessedInEnqueueOrder(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	for i := 0; i < 5; i++ {
		if err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: fmt.Sprintf("%d", i)}, EnqueueOpts{AwaitCompletion: true}); err != nil {
			t.Fatal(err)
		}
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	for i, out := range port.out {
		want := fmt.Sprintf("reply to: %d", i)
		if out != want {
			t.Errorf("out[%d] = %q, want %q", i, out, want)
		}
	}
}

func TestEnqueueInboundTurn_RunnerFailure_MarksTurnFailed(t *testing.T) {
	runner := &fakeRunner{fail: true}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "hi"}, EnqueueOpts{AwaitCompletion: true})
	if err == nil {
		t.Fatal("expected an error to propagate from a failing agent turn")
	}
}

func TestEnqueueInboundTurn_SeparateConversationsGetSeparateSessions(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "a"}, EnqueueOpts{AwaitCompletion: true})
	s.EnqueueInboundTurn(context.Background(), "telegram", "c2", InboundTurn{Text: "b"}, EnqueueOpts{AwaitCompletion: true})

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.creates != 2 {
		t.Errorf("expected a separate session per conversation, got %d creates", sf.creates)
	}
}

func TestShutdown_AwaitsInFlightJobs(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	s := newTestScheduler(t, runner, sf, port)

	s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "slow"}, EnqueueOpts{})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.out) != 1 {
		t.Errorf("expected the in-flight job to complete before shutdown returned, got %d outbound sends", len(port.out))
	}
}

func TestEnqueueInboundTurn_RecoveryWalIDSkipsFreshAppend(t *testing.T) {
	runner := &fakeRunner{}
	sf := newFakeSessionFactory()
	port := &fakePort{}
	wal := turnwal.New(t.TempDir(), "channel")
	s := New(wal, runner, port, sf, 1000)

	rec, err := wal.AppendPending(map[string]interface{}{
		"channel":        "telegram",
		"conversationId": "c1",
	}, turnwal.SourceChannel, turnwal.AppendPendingOpts{})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.EnqueueInboundTurn(context.Background(), "telegram", "c1", InboundTurn{Text: "recovered"}, EnqueueOpts{WalID: rec.WalID, AwaitCompletion: true}); err != nil {
		t.Fatal(err)
	}

	pending, err := wal.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected the recovered record to be marked done, still pending: %+v", pending)
	}
}
