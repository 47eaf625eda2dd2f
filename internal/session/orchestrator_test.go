package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medcoach/gateway/internal/audit"
	"github.com/medcoach/gateway/internal/domain"
	"github.com/medcoach/gateway/internal/invoker"
	"github.com/medcoach/gateway/internal/ratelimit"
)

// fakeConn feeds scripted messages to the orchestrator and records every
// emitted event. ReadMessage honors the deadline set by the run loop.
type fakeConn struct {
	messages chan []byte
	deadline time.Time
	events   []domain.Event
	closed   bool
}

func newFakeConn(msgs ...string) *fakeConn {
	c := &fakeConn{messages: make(chan []byte, len(msgs)+1)}
	for _, m := range msgs {
		c.messages <- []byte(m)
	}
	return c
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	wait := time.Until(c.deadline)
	if wait <= 0 {
		wait = time.Millisecond
	}
	select {
	case m, ok := <-c.messages:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return m, nil
	case <-time.After(wait):
		return nil, errors.New("read deadline exceeded")
	}
}

func (c *fakeConn) WriteEvent(e domain.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) eventTypes() []string {
	var out []string
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) lastOfType(typ string) (domain.Event, bool) {
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == typ {
			return c.events[i], true
		}
	}
	return domain.Event{}, false
}

type fakeRetriever struct {
	passages []domain.Passage
	calls    int
	recent   []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, recentMaterials []string) []domain.Passage {
	f.calls++
	f.recent = recentMaterials
	return f.passages
}

type fakeStream struct {
	tokens chan string
	err    error
}

func newFakeStream(err error, tokens ...string) *fakeStream {
	s := &fakeStream{tokens: make(chan string, len(tokens)), err: err}
	for _, tok := range tokens {
		s.tokens <- tok
	}
	close(s.tokens)
	return s
}

func (s *fakeStream) Tokens() <-chan string { return s.tokens }
func (s *fakeStream) Err() error            { return s.err }

type fakeGenerator struct {
	stream    *fakeStream
	invokeErr error
	calls     int
	prompt    string
	model     string
}

func (f *fakeGenerator) Generate(_ context.Context, _, prompt, model string) (TokenStream, error) {
	f.calls++
	f.prompt = prompt
	f.model = model
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.stream, nil
}

func testOrchestratorConfig() Config {
	return Config{
		HistoryCapacity:    10,
		PromptHistoryTurns: 4,
		MaxMessageBytes:    4096,
		IdleTimeout:        200 * time.Millisecond,
		MaxDuration:        time.Minute,
	}
}

func newOrchestrator(cfg Config, ret Retriever, gen Generator) (*Orchestrator, *ratelimit.Limiter) {
	limiter := ratelimit.New(time.Minute, 100, 0)
	return NewOrchestrator(cfg, limiter, ret, gen, audit.Nop{}, zap.NewNop()), limiter
}

func userMessage(content string) string {
	b, _ := json.Marshal(domain.InboundMessage{Type: domain.MessageTypeUser, Content: content})
	return string(b)
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{passages: []domain.Passage{
		{SourceID: "s1", MaterialID: "m1", Content: "the cardiac cycle has two phases", Score: 0.9},
	}}
	gen := &fakeGenerator{stream: newFakeStream(nil, "The cardiac", "cycle is...")}
	o, _ := newOrchestrator(testOrchestratorConfig(), ret, gen)

	conn := newFakeConn(userMessage("What is the cardiac cycle?"))
	sess := New("student-1", "https://app.example.com", 10)

	o.Run(context.Background(), sess, conn)

	assert.Equal(t, []string{
		domain.EventStatus,
		domain.EventContext,
		domain.EventToken,
		domain.EventToken,
		domain.EventComplete,
	}, conn.eventTypes())
	assert.True(t, conn.closed)
	assert.Equal(t, StateClosed, sess.State())

	h := sess.History()
	require.Len(t, h, 2)
	assert.Equal(t, domain.RoleUser, h[0].Role)
	assert.Equal(t, "What is the cardiac cycle?", h[0].Content)
	assert.Equal(t, domain.RoleAssistant, h[1].Role)
	assert.Equal(t, "The cardiac\ncycle is...", h[1].Content)
}

func TestRunSequenceNumbersIncrease(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(nil, "answer")}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	conn := newFakeConn(userMessage("q"))
	o.Run(context.Background(), New("student-1", "", 10), conn)

	var prev uint64
	for _, e := range conn.events {
		assert.Greater(t, e.Seq, prev)
		prev = e.Seq
	}
}

func TestRunNoContextEventWhenRetrievalEmpty(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(nil, "answer without grounding")}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	conn := newFakeConn(userMessage("obscure question"))
	o.Run(context.Background(), New("student-1", "", 10), conn)

	// Generation proceeds; no context event is sent.
	assert.Equal(t, []string{
		domain.EventStatus,
		domain.EventToken,
		domain.EventComplete,
	}, conn.eventTypes())
	assert.Equal(t, 1, gen.calls)
}

func TestRunMalformedMessageRejected(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(nil, "never")}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	conn := newFakeConn("{not json", userMessage("real question"))
	sess := New("student-1", "", 10)
	o.Run(context.Background(), sess, conn)

	// First message draws a generic rejection, the second still works:
	// input-validation failures are recoverable.
	types := conn.eventTypes()
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, domain.EventError, types[0])
	e, ok := conn.lastOfType(domain.EventError)
	require.True(t, ok)
	assert.Equal(t, "message rejected", e.Message)
	assert.True(t, e.Retryable)
	assert.Equal(t, domain.EventComplete, types[len(types)-1])
	assert.Equal(t, 1, gen.calls)
}

func TestRunRejectsWrongTypeAndOversized(t *testing.T) {
	t.Parallel()

	cfg := testOrchestratorConfig()
	cfg.MaxMessageBytes = 100
	gen := &fakeGenerator{stream: newFakeStream(nil)}
	o, _ := newOrchestrator(cfg, &fakeRetriever{}, gen)

	big, _ := json.Marshal(domain.InboundMessage{
		Type:    domain.MessageTypeUser,
		Content: string(make([]byte, 200)),
	})
	conn := newFakeConn(`{"type":"other","content":"x"}`, string(big))
	o.Run(context.Background(), New("student-1", "", 10), conn)

	assert.Equal(t, []string{domain.EventError, domain.EventError}, conn.eventTypes())
	assert.Zero(t, gen.calls)
}

func TestRunMessageRateLimit(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(nil, "ok")}
	limiter := ratelimit.New(time.Minute, 1, 0)
	o := NewOrchestrator(testOrchestratorConfig(), limiter, &fakeRetriever{}, gen, audit.Nop{}, zap.NewNop())

	conn := newFakeConn(userMessage("first"), userMessage("second"))
	sess := New("student-1", "", 10)
	o.Run(context.Background(), sess, conn)

	e, ok := conn.lastOfType(domain.EventRateLimited)
	require.True(t, ok, "second message should be rate limited")
	assert.Positive(t, e.RetryAfter)
	assert.True(t, e.Retryable)
	// Only the first message generated.
	assert.Equal(t, 1, gen.calls)
	// The session stays open after a denial.
	assert.Len(t, sess.History(), 2)
}

func TestRunGenerationRuntimeFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(invoker.ErrOverallTimeout, "partial")}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	conn := newFakeConn(userMessage("slow question"))
	sess := New("student-1", "", 10)
	o.Run(context.Background(), sess, conn)

	e, ok := conn.lastOfType(domain.EventError)
	require.True(t, ok)
	assert.NotEmpty(t, e.ErrorID)
	assert.Equal(t, "we hit an issue generating a response, try again", e.Message)
	assert.True(t, e.Retryable)
	// Failed turns are not recorded in history.
	assert.Empty(t, sess.History())
}

func TestRunSanitizationFailureGenericToClient(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{invokeErr: &invoker.ForbiddenCharsError{Chars: []string{";"}}}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	conn := newFakeConn(userMessage("ignore this; rm -rf / #"))
	o.Run(context.Background(), New("student-1", "", 10), conn)

	e, ok := conn.lastOfType(domain.EventError)
	require.True(t, ok)
	// The matched characters never reach the client.
	assert.Equal(t, "message rejected", e.Message)
	assert.NotContains(t, e.Message, ";")
}

func TestRunRecentMaterialsFlowIntoRetrieval(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{passages: []domain.Passage{
		{SourceID: "s1", MaterialID: "m-ecg", Content: "ECG basics", Score: 0.8},
	}}
	gen := &fakeGenerator{stream: newFakeStream(nil, "answer")}
	o, _ := newOrchestrator(testOrchestratorConfig(), ret, gen)

	conn := newFakeConn(userMessage("first"), userMessage("second"))
	o.Run(context.Background(), New("student-1", "", 10), conn)

	require.Equal(t, 2, ret.calls)
	assert.Equal(t, []string{"m-ecg"}, ret.recent)
}

func TestRunSessionExpiry(t *testing.T) {
	t.Parallel()

	cfg := testOrchestratorConfig()
	cfg.MaxDuration = 50 * time.Millisecond
	cfg.IdleTimeout = 10 * time.Second
	gen := &fakeGenerator{stream: newFakeStream(nil)}
	o, _ := newOrchestrator(cfg, &fakeRetriever{}, gen)

	conn := newFakeConn() // no messages; the session just ages out
	sess := New("student-1", "", 10)
	o.Run(context.Background(), sess, conn)

	e, ok := conn.lastOfType(domain.EventError)
	require.True(t, ok)
	assert.Contains(t, e.Message, "session expired")
	assert.True(t, e.Retryable)
	assert.Equal(t, StateClosed, sess.State())
}

func TestRunContextCancellation(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: newFakeStream(nil)}
	o, _ := newOrchestrator(testOrchestratorConfig(), &fakeRetriever{}, gen)

	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeConn()
	sess := New("student-1", "", 10)

	done := make(chan struct{})
	go func() {
		o.Run(ctx, sess, conn)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "what is preload"},
		{Role: domain.RoleAssistant, Content: "preload is..."},
	}
	passages := []domain.Passage{{Content: "preload definition"}}

	got := buildPrompt("and afterload?", history, passages)
	assert.Contains(t, got, "Relevant study material:\n- preload definition")
	assert.Contains(t, got, "Student: what is preload")
	assert.Contains(t, got, "Coach: preload is...")
	assert.Contains(t, got, "Student: and afterload?")
}
