package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/config"
	"github.com/mirocha/waveline/feed"
	"github.com/mirocha/waveline/graph"
	mw "github.com/mirocha/waveline/middleware"
	"go.uber.org/zap"
)

const (
	postsChannel    = "posts"
	announceChannel = "announce"
)

// Handler handles the SSE endpoint: a fallback live-feed transport for
// clients that cannot hold a WebSocket. Like the WS handshake, identity
// is fixed once when the stream opens.
type Handler struct {
	pubsub cache.PubSub
	c      cache.Cache
	graph  *graph.Service
	sec    config.SecurityConfig
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, g *graph.Service, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, graph: g, sec: sec, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>.
// Streams new posts from followed users plus system announcements.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.c.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, postsChannel, announceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	// Send initial connected event.
	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			switch msg.Channel {
			case postsChannel:
				if !h.wantsPost(c.Request.Context(), claims.UserID, msg.Payload) {
					continue
				}
				fmt.Fprintf(c.Writer, "event: new_post\ndata: %s\n\n", msg.Payload)
			case announceChannel:
				fmt.Fprintf(c.Writer, "event: announce\ndata: %s\n\n", msg.Payload)
			}
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// wantsPost decides whether one published post reaches this subscriber:
// own posts always, followed authors unless a block edge exists at
// delivery time. Errors drop the event rather than the stream.
func (h *Handler) wantsPost(ctx context.Context, userID int64, payload string) bool {
	var event feed.PostEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		h.logger.Warn("sse post event unmarshal failed", zap.Error(err))
		return false
	}
	if event.AuthorID == userID {
		return true
	}
	following, err := h.graph.IsFollowing(ctx, userID, event.AuthorID)
	if err != nil || !following {
		return false
	}
	blocked, err := h.graph.IsBlocked(ctx, userID, event.AuthorID)
	if err != nil || blocked {
		return false
	}
	return true
}

// Announce publishes an announcement message to all SSE subscribers.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, announceChannel, message)
}
