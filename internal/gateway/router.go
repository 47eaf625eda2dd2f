package gateway

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/medcoach/gateway/internal/invoker"
	"github.com/medcoach/gateway/internal/session"
)

// SetupRouter sets up the Gin router: health check plus the websocket
// handshake endpoint.
func SetupRouter(g *Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/ws/coach", g.HandleWS)

	return r
}

// InvokerGenerator adapts the secure process invoker to the session
// orchestrator's Generator interface.
type InvokerGenerator struct {
	Invoker *invoker.Invoker
}

// Generate invokes the CLI and returns its token stream.
func (a InvokerGenerator) Generate(ctx context.Context, identity, prompt, model string) (session.TokenStream, error) {
	s, err := a.Invoker.Invoke(ctx, identity, prompt, model)
	if err != nil {
		return nil, err
	}
	return s, nil
}
