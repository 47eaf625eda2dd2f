// Package gateway accepts websocket connections for the AI coach,
// performs the handshake (origin allow-list, identity verification,
// rate-limit admission, per-origin connection ceiling) and hands each
// admitted connection to its own session orchestrator goroutine.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medcoach/gateway/internal/audit"
	"github.com/medcoach/gateway/internal/auth"
	"github.com/medcoach/gateway/internal/ratelimit"
	"github.com/medcoach/gateway/internal/session"
)

// Config holds handshake policy.
type Config struct {
	// Development relaxes the origin requirement; outside development a
	// missing origin header is a rejection, never a pass.
	Development     bool
	AllowOrigins    []string
	HistoryCapacity int
	WriteTimeout    time.Duration
	// PingInterval drives dead-peer detection; zero disables it.
	PingInterval time.Duration
	// ReadLimit is the transport-level frame byte cap, set slightly
	// above the orchestrator's message ceiling so oversized frames are
	// cut off before they are buffered.
	ReadLimit int64
}

// Gateway is the connection listener. One instance serves all sessions.
type Gateway struct {
	cfg          Config
	verifier     auth.Verifier
	authLimiter  *ratelimit.Limiter
	connLimiter  *ratelimit.Limiter
	orchestrator *session.Orchestrator
	recorder     audit.Recorder
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a gateway. ctx is the process lifetime: canceling it
// cancels every active session.
func New(
	ctx context.Context,
	cfg Config,
	verifier auth.Verifier,
	authLimiter, connLimiter *ratelimit.Limiter,
	orchestrator *session.Orchestrator,
	recorder audit.Recorder,
	logger *zap.Logger,
) *Gateway {
	g := &Gateway{
		cfg:          cfg,
		verifier:     verifier,
		authLimiter:  authLimiter,
		connLimiter:  connLimiter,
		orchestrator: orchestrator,
		recorder:     recorder,
		logger:       logger,
		ctx:          ctx,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin policy is enforced before the upgrade, with auditing.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

// HandleWS is the websocket handshake endpoint. It blocks for the
// lifetime of the connection.
func (g *Gateway) HandleWS(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if !g.originAllowed(origin) {
		g.recorder.Record(audit.Event{
			Kind:   audit.KindOriginRejected,
			Origin: origin,
			Detail: "handshake origin check",
		})
		g.logger.Warn("handshake rejected: origin", zap.String("origin", origin))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	// Pre-identity admission is keyed by origin; in development, where
	// the origin header may be absent, fall back to the client address.
	originKey := origin
	if originKey == "" {
		originKey = c.ClientIP()
	}

	if d := g.authLimiter.Admit(originKey); !d.Allowed {
		g.recorder.Record(audit.Event{
			Kind:   audit.KindRateLimited,
			Origin: origin,
			Detail: "auth attempts",
		})
		c.Header("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}

	identity, err := g.verifier.Verify(bearerToken(c))
	if err != nil {
		g.recorder.Record(audit.Event{
			Kind:   audit.KindAuthFailed,
			Origin: origin,
			Detail: err.Error(),
		})
		g.logger.Warn("handshake rejected: identity", zap.String("origin", origin), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sess := session.New(identity.ID, origin, g.cfg.HistoryCapacity)

	if d := g.connLimiter.Admit(originKey); !d.Allowed {
		sess.Reject()
		g.recorder.Record(audit.Event{
			Kind:     audit.KindRateLimited,
			Identity: identity.ID,
			Origin:   origin,
			Detail:   "connection ceiling",
		})
		c.Header("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}
	defer g.connLimiter.Release(originKey)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sess.Reject()
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.orchestrator.Run(g.ctx, sess, newWSConn(conn, g.cfg.WriteTimeout, g.cfg.PingInterval, g.cfg.ReadLimit))
}

// Wait blocks until every active session has finished or the context
// expires. Called during shutdown after the listener stops accepting.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// originAllowed implements the handshake origin policy. A missing origin
// is acceptable only in development configurations.
func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" {
		return g.cfg.Development
	}
	for _, o := range g.cfg.AllowOrigins {
		if o == origin {
			return true
		}
	}
	return g.cfg.Development
}

// bearerToken extracts the identity token from the Authorization header
// or, for browser websocket clients that cannot set headers, the token
// query parameter.
func bearerToken(c *gin.Context) string {
	if a := c.GetHeader("Authorization"); len(a) > 7 && a[:7] == "Bearer " {
		return a[7:]
	}
	return c.Query("token")
}
