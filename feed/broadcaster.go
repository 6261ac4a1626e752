package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mirocha/waveline/graph"
	"github.com/mirocha/waveline/model"
	"go.uber.org/zap"
)

// PostEvent is the payload pushed to live sessions when a post is created.
type PostEvent struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Broadcaster fans newly created posts out to eligible live sessions.
// Eligible means: the author plus everyone following the author, minus
// anyone with a block edge to or from the author. The block check runs
// at publish time even though block creation removes follow edges —
// a stale follow read must never leak a post across a block.
type Broadcaster struct {
	graph  *graph.Service
	sm     *SessionManager
	logger *zap.Logger
}

// NewBroadcaster creates a Broadcaster over the given graph and session index.
func NewBroadcaster(g *graph.Service, sm *SessionManager, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{graph: g, sm: sm, logger: logger}
}

// Publish delivers post to every eligible open session, at most once
// per session. Per-recipient failures (closed connection, full buffer)
// are dropped and logged; the publish as a whole always succeeds from
// the author's perspective. Returns the number of sessions the event
// was handed to, for observability.
func (b *Broadcaster) Publish(ctx context.Context, post *model.Post, username string) int {
	event := PostEvent{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Username:  username,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("post event marshal failed", zap.Error(err))
		return 0
	}
	data, err := json.Marshal(&Packet{Type: "new_post", Payload: payload})
	if err != nil {
		b.logger.Error("post packet marshal failed", zap.Error(err))
		return 0
	}

	recipients := []int64{post.AuthorID}
	followers, err := b.graph.Followers(ctx, post.AuthorID)
	if err != nil {
		// Author still gets the event; followers miss this one.
		b.logger.Error("follower lookup failed during publish",
			zap.Int64("post_id", post.ID), zap.Error(err))
	} else {
		recipients = append(recipients, followers...)
	}

	delivered := 0
	for _, userID := range recipients {
		if userID != post.AuthorID {
			blocked, err := b.graph.IsBlocked(ctx, userID, post.AuthorID)
			if err != nil {
				b.logger.Warn("block check failed during publish, skipping recipient",
					zap.Int64("user_id", userID),
					zap.Int64("post_id", post.ID),
					zap.Error(err))
				continue
			}
			if blocked {
				continue
			}
		}
		for _, s := range b.sm.SessionsFor(userID) {
			s.SendRaw(data)
			delivered++
		}
	}

	b.logger.Info("post published",
		zap.Int64("post_id", post.ID),
		zap.Int64("author_id", post.AuthorID),
		zap.Int("sessions", delivered))
	return delivered
}
