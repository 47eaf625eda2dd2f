package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medcoach/gateway/internal/audit"
	"github.com/medcoach/gateway/internal/domain"
	"github.com/medcoach/gateway/internal/invoker"
	"github.com/medcoach/gateway/internal/ratelimit"
)

// Conn abstracts the client connection. The production implementation
// wraps a websocket; tests use an in-memory pipe.
type Conn interface {
	// ReadMessage blocks until the next client message or the read
	// deadline.
	ReadMessage() ([]byte, error)
	WriteEvent(e domain.Event) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// TokenStream is an in-flight generation's incremental output.
type TokenStream interface {
	Tokens() <-chan string
	Err() error
}

// Generator produces a token stream for a sanitized prompt. The invoker
// satisfies this through a thin adapter.
type Generator interface {
	Generate(ctx context.Context, identity, prompt, model string) (TokenStream, error)
}

// Retriever fetches context passages for a query. Failures yield an
// empty slice, never an error.
type Retriever interface {
	Retrieve(ctx context.Context, identity, query string, recentMaterials []string) []domain.Passage
}

// Config holds per-session limits.
type Config struct {
	HistoryCapacity    int
	PromptHistoryTurns int
	MaxMessageBytes    int
	IdleTimeout        time.Duration
	MaxDuration        time.Duration
}

// Orchestrator runs sessions. One Orchestrator serves all sessions; all
// per-session state lives in the Session passed to Run.
type Orchestrator struct {
	cfg       Config
	messages  *ratelimit.Limiter
	retriever Retriever
	generator Generator
	recorder  audit.Recorder
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	cfg Config,
	messages *ratelimit.Limiter,
	retriever Retriever,
	generator Generator,
	recorder audit.Recorder,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		messages:  messages,
		retriever: retriever,
		generator: generator,
		recorder:  recorder,
		logger:    logger,
	}
}

// Run drives one session until disconnect, inactivity, expiry or context
// cancellation. Generation is strictly sequential within the session, so
// responses are emitted in the order messages arrived. Blocks; callers
// run it in the session's own goroutine.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, conn Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.shutdown(sess, conn)

	sess.setState(StateActive)
	o.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("identity", sess.Identity),
	)

	expiry := sess.StartedAt.Add(o.cfg.MaxDuration)
	for {
		if ctx.Err() != nil {
			return
		}
		if sess.Expired(o.cfg.MaxDuration, time.Now()) {
			o.emit(sess, conn, domain.Event{
				Type:      domain.EventError,
				ErrorID:   uuid.New().String(),
				Message:   "session expired, please reconnect",
				Retryable: true,
			})
			return
		}

		deadline := time.Now().Add(o.cfg.IdleTimeout)
		if expiry.Before(deadline) {
			deadline = expiry
		}
		_ = conn.SetReadDeadline(deadline)

		data, err := conn.ReadMessage()
		if err != nil {
			if sess.Expired(o.cfg.MaxDuration, time.Now()) {
				o.emit(sess, conn, domain.Event{
					Type:      domain.EventError,
					ErrorID:   uuid.New().String(),
					Message:   "session expired, please reconnect",
					Retryable: true,
				})
			}
			return
		}

		o.handleMessage(ctx, sess, conn, data)
	}
}

// handleMessage validates one inbound message and, if admitted, runs the
// retrieve/generate/emit turn. Failures keep the session in Active.
func (o *Orchestrator) handleMessage(ctx context.Context, sess *Session, conn Conn, data []byte) {
	msg, err := o.parseMessage(data)
	if err != nil {
		o.recorder.Record(audit.Event{
			Kind:     audit.KindInvalidMessage,
			Identity: sess.Identity,
			Origin:   sess.Origin,
			Detail:   err.Error(),
		})
		o.emit(sess, conn, domain.Event{
			Type:      domain.EventError,
			ErrorID:   uuid.New().String(),
			Message:   "message rejected",
			Retryable: true,
		})
		return
	}

	if d := o.messages.Admit(sess.Identity); !d.Allowed {
		o.recorder.Record(audit.Event{
			Kind:     audit.KindRateLimited,
			Identity: sess.Identity,
			Origin:   sess.Origin,
			Detail:   "message rate",
		})
		o.emit(sess, conn, domain.Event{
			Type:       domain.EventRateLimited,
			Message:    "too many messages, slow down",
			Retryable:  true,
			RetryAfter: d.RetryAfter.Seconds(),
		})
		return
	}

	sess.setState(StateStreaming)
	defer sess.setState(StateActive)
	o.streamTurn(ctx, sess, conn, msg)
}

func (o *Orchestrator) parseMessage(data []byte) (domain.InboundMessage, error) {
	var msg domain.InboundMessage
	if len(data) > o.cfg.MaxMessageBytes {
		return msg, fmt.Errorf("%w: message exceeds %d bytes", domain.ErrInvalidMessage, o.cfg.MaxMessageBytes)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: malformed payload", domain.ErrInvalidMessage)
	}
	if msg.Type != domain.MessageTypeUser {
		return msg, fmt.Errorf("%w: unsupported type %q", domain.ErrInvalidMessage, msg.Type)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, fmt.Errorf("%w: empty content", domain.ErrInvalidMessage)
	}
	return msg, nil
}

// streamTurn runs one retrieve/generate/emit cycle. On success both the
// request and the assembled response are appended to history; on failure
// a structured error event is emitted and history is left untouched.
func (o *Orchestrator) streamTurn(ctx context.Context, sess *Session, conn Conn, msg domain.InboundMessage) {
	o.emit(sess, conn, domain.Event{Type: domain.EventStatus, Message: "retrieving materials"})

	passages := o.retriever.Retrieve(ctx, sess.Identity, msg.Content, sess.RecentMaterials())
	if len(passages) > 0 {
		o.emit(sess, conn, domain.Event{Type: domain.EventContext, Passages: passages})
		ids := make([]string, 0, len(passages))
		for _, p := range passages {
			ids = append(ids, p.MaterialID)
		}
		sess.NoteMaterials(ids)
	}

	prompt := buildPrompt(msg.Content, sess.RecentTurns(o.cfg.PromptHistoryTurns), passages)

	stream, err := o.generator.Generate(ctx, sess.Identity, prompt, msg.Model)
	if err != nil {
		o.auditGenerateFailure(sess, err)
		o.emit(sess, conn, domain.Event{
			Type:      domain.EventError,
			ErrorID:   uuid.New().String(),
			Message:   "message rejected",
			Retryable: true,
		})
		return
	}

	var response strings.Builder
	for tok := range stream.Tokens() {
		if response.Len() > 0 {
			response.WriteByte('\n')
		}
		response.WriteString(tok)
		o.emit(sess, conn, domain.Event{Type: domain.EventToken, Value: tok})
	}

	if err := stream.Err(); err != nil {
		errorID := uuid.New().String()
		o.logger.Warn("generation failed",
			zap.String("session_id", sess.ID),
			zap.String("identity", sess.Identity),
			zap.String("error_id", errorID),
			zap.Error(err),
		)
		o.recorder.Record(audit.Event{
			Kind:     audit.KindInvocationFailed,
			Identity: sess.Identity,
			Origin:   sess.Origin,
			Detail:   err.Error(),
		})
		o.emit(sess, conn, domain.Event{
			Type:      domain.EventError,
			ErrorID:   errorID,
			Message:   "we hit an issue generating a response, try again",
			Retryable: true,
		})
		return
	}

	sess.AppendTurn(domain.RoleUser, msg.Content)
	sess.AppendTurn(domain.RoleAssistant, response.String())
	o.emit(sess, conn, domain.Event{Type: domain.EventComplete})
}

// auditGenerateFailure classifies a pre-spawn rejection for the audit
// trail. The client sees only the generic rejection.
func (o *Orchestrator) auditGenerateFailure(sess *Session, err error) {
	kind := audit.KindInvocationFailed
	switch {
	case errors.Is(err, invoker.ErrForbiddenChars),
		errors.Is(err, invoker.ErrNullByte),
		errors.Is(err, invoker.ErrPromptTooLong):
		kind = audit.KindForbiddenPrompt
	case errors.Is(err, invoker.ErrInvalidModelName):
		kind = audit.KindInvalidModel
	}
	o.recorder.Record(audit.Event{
		Kind:     kind,
		Identity: sess.Identity,
		Origin:   sess.Origin,
		Detail:   err.Error(),
	})
}

func (o *Orchestrator) emit(sess *Session, conn Conn, e domain.Event) {
	e.Seq = sess.NextSeq()
	if err := conn.WriteEvent(e); err != nil {
		o.logger.Debug("event write failed",
			zap.String("session_id", sess.ID),
			zap.String("type", e.Type),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) shutdown(sess *Session, conn Conn) {
	sess.setState(StateClosing)
	_ = conn.Close()
	sess.setState(StateClosed)
	o.logger.Info("session closed",
		zap.String("session_id", sess.ID),
		zap.String("identity", sess.Identity),
		zap.Duration("duration", time.Since(sess.StartedAt)),
	)
}

// buildPrompt assembles the generation prompt from retrieved passages,
// the most recent history turns and the current question.
func buildPrompt(question string, history []domain.Turn, passages []domain.Passage) string {
	var b strings.Builder
	if len(passages) > 0 {
		b.WriteString("Relevant study material:\n")
		for _, p := range passages {
			b.WriteString("- ")
			b.WriteString(p.Content)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	for _, t := range history {
		switch t.Role {
		case domain.RoleUser:
			b.WriteString("Student: ")
		case domain.RoleAssistant:
			b.WriteString("Coach: ")
		}
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	b.WriteString("Student: ")
	b.WriteString(question)
	return b.String()
}
