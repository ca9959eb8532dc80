// Package channelsched implements the per-conversation channel bridge
// scheduler described by spec.md §4.9: one serialized inbound-turn queue
// per (channel, conversationId), single-flight agent-session creation,
// and a bound turn write-ahead log for crash recovery.
package channelsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brewva/brewva/internal/turnwal"
)

// InboundTurn is one turn's content as received from a channel port.
type InboundTurn struct {
	Text        string
	Attachments []string
}

// RunResult is what AgentRunner returns for one processed turn.
type RunResult struct {
	AssistantText string
	ToolOutputs   []string
}

// AgentRunner runs one agent turn against an existing session.
type AgentRunner interface {
	RunTurn(ctx context.Context, sessionID string, turn InboundTurn) (RunResult, error)
}

// SessionFactory creates (or looks up) the agent session backing a
// conversation. Must be safe to call concurrently; the scheduler
// single-flights calls for the same conversation itself, so a
// straightforward per-call implementation is sufficient.
type SessionFactory interface {
	CreateSession(ctx context.Context, channel, conversationID string) (string, error)
}

// ChannelPort sends one outbound turn back to the channel.
type ChannelPort interface {
	SendOutbound(ctx context.Context, channel, conversationID string, seq int, text string) error
}

// EnqueueOpts configures EnqueueInboundTurn.
type EnqueueOpts struct {
	// WalID, when supplied, identifies a WAL record already appended by
	// recovery; a fresh pending record is appended only when this is "".
	WalID string
	// AwaitCompletion blocks EnqueueInboundTurn until the turn finishes.
	AwaitCompletion bool
}

// conversation holds one (channel, conversationId)'s live state and its
// serialized job queue ("queueTail" — jobs run strictly in enqueue order,
// one at a time, even across recovery).
type conversation struct {
	channel        string
	conversationID string

	mu              sync.Mutex
	agentSessionID  string
	outboundSeq     int
	sessionCreated  bool

	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// Scheduler owns every conversation's state and serialized queue.
type Scheduler struct {
	wal     *turnwal.WAL
	runner  AgentRunner
	port    ChannelPort
	session SessionFactory
	sf      singleflight.Group

	mu    sync.Mutex
	convs map[string]*conversation

	gracefulTimeoutMs int64
}

// New creates a scheduler. wal is the turn WAL bound to the "channel"
// source scope.
func New(wal *turnwal.WAL, runner AgentRunner, port ChannelPort, session SessionFactory, gracefulTimeoutMs int64) *Scheduler {
	return &Scheduler{
		wal:               wal,
		runner:            runner,
		port:              port,
		session:           session,
		convs:             make(map[string]*conversation),
		gracefulTimeoutMs: gracefulTimeoutMs,
	}
}

func convKey(channel, conversationID string) string {
	return channel + ":" + conversationID
}

func (s *Scheduler) convFor(channel, conversationID string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(channel, conversationID)
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{
			channel:        channel,
			conversationID: conversationID,
			jobs:           make(chan func(), 256),
			done:           make(chan struct{}),
		}
		s.convs[key] = c
		go c.run()
	}
	return c
}

// run is the conversation's single worker goroutine: it drains jobs
// strictly in the order they were enqueued, guaranteeing at-most-one
// in-flight agent turn per conversation.
func (c *conversation) run() {
	for job := range c.jobs {
		job()
	}
	close(c.done)
}

func (c *conversation) enqueue(job func()) {
	c.wg.Add(1)
	c.jobs <- func() {
		defer c.wg.Done()
		job()
	}
}

// ensureSession returns the conversation's agent session id, creating one
// via SessionFactory if needed. Concurrent callers for the same
// conversation share a single creation call (single-flight).
func (s *Scheduler) ensureSession(ctx context.Context, c *conversation) (string, error) {
	c.mu.Lock()
	if c.sessionCreated {
		id := c.agentSessionID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	key := convKey(c.channel, c.conversationID)
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if c.sessionCreated {
			id := c.agentSessionID
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()

		id, err := s.session.CreateSession(ctx, c.channel, c.conversationID)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.agentSessionID = id
		c.sessionCreated = true
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// EnqueueInboundTurn appends a pending WAL record (unless opts.WalID is
// supplied, i.e. this call is itself a recovery replay), then chains a
// job onto the conversation's queue that marks the record inflight, runs
// one agent turn, sends the resulting outbound turns back through the
// channel port in generation order with a monotonically increasing
// sequence number, and finally marks the record done or failed.
func (s *Scheduler) EnqueueInboundTurn(ctx context.Context, channel, conversationID string, turn InboundTurn, opts EnqueueOpts) error {
	c := s.convFor(channel, conversationID)

	walID := opts.WalID
	if walID == "" {
		rec, err := s.wal.AppendPending(map[string]interface{}{
			"channel":        channel,
			"conversationId": conversationID,
			"text":           turn.Text,
			"attachments":    turn.Attachments,
		}, turnwal.SourceChannel, turnwal.AppendPendingOpts{})
		if err != nil {
			return fmt.Errorf("channelsched: append pending: %w", err)
		}
		walID = rec.WalID
	}

	done := make(chan error, 1)
	c.enqueue(func() {
		done <- s.processTurn(ctx, c, walID, turn)
	})

	if opts.AwaitCompletion {
		return <-done
	}
	return nil
}

func (s *Scheduler) processTurn(ctx context.Context, c *conversation, walID string, turn InboundTurn) error {
	if _, err := s.wal.MarkInflight(walID); err != nil {
		slog.Warn("channelsched: mark inflight failed", "walId", walID, "error", err)
	}

	sessionID, err := s.ensureSession(ctx, c)
	if err != nil {
		s.failTurn(walID, err)
		return err
	}

	result, err := s.runner.RunTurn(ctx, sessionID, turn)
	if err != nil {
		s.failTurn(walID, err)
		return err
	}

	if err := s.sendOutbound(ctx, c, result); err != nil {
		s.failTurn(walID, err)
		return err
	}

	if _, err := s.wal.MarkDone(walID); err != nil {
		slog.Warn("channelsched: mark done failed", "walId", walID, "error", err)
	}
	return nil
}

func (s *Scheduler) failTurn(walID string, cause error) {
	if _, err := s.wal.MarkFailed(walID, cause); err != nil {
		slog.Warn("channelsched: mark failed failed", "walId", walID, "error", err)
	}
}

// sendOutbound delivers a turn's tool outputs followed by the assistant
// text, in generation order, incrementing outboundSequence for each frame
// sent (monotonic within the conversation).
func (s *Scheduler) sendOutbound(ctx context.Context, c *conversation, result RunResult) error {
	for _, out := range result.ToolOutputs {
		if err := s.sendOne(ctx, c, out); err != nil {
			return err
		}
	}
	if result.AssistantText != "" {
		if err := s.sendOne(ctx, c, result.AssistantText); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) sendOne(ctx context.Context, c *conversation, text string) error {
	c.mu.Lock()
	c.outboundSeq++
	seq := c.outboundSeq
	c.mu.Unlock()
	return s.port.SendOutbound(ctx, c.channel, c.conversationID, seq, text)
}

// Shutdown stops accepting new work and awaits every conversation's
// queueTail up to gracefulTimeoutMs, then returns without forcibly
// aborting in-flight jobs (callers are expected to cancel ctx to unblock
// any still-running agent turn).
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	timeout := time.Duration(s.gracefulTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range convs {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.once.Do(func() { close(c.jobs) })
			select {
			case <-c.done:
			case <-deadlineCtx.Done():
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-deadlineCtx.Done():
		return fmt.Errorf("channelsched: shutdown timed out after %dms", s.gracefulTimeoutMs)
	}
}
