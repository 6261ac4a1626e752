package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mirocha/waveline/graph"
	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

// newTestSession creates a Session without a live connection; delivered
// packets are read straight from SendChan.
func newTestSession(id string, userID int64) *Session {
	return &Session{
		ID:       id,
		UserID:   userID,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
		logger:   nop(),
	}
}

func recvPacket(t *testing.T, s *Session) *Packet {
	t.Helper()
	select {
	case data := <-s.SendChan:
		var pkt Packet
		require.NoError(t, json.Unmarshal(data, &pkt))
		return &pkt
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.ID)
		return nil
	}
}

func assertSilent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.SendChan:
		t.Fatalf("session %s unexpectedly received %s", s.ID, data)
	default:
	}
}

func newBroadcastSetup(t *testing.T) (*Broadcaster, *graph.Service, *SessionManager, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	g := graph.NewService(db, nop())
	sm := NewSessionManager(nop())
	return NewBroadcaster(g, sm, nop()), g, sm, db
}

func createUser(t *testing.T, db *gorm.DB, name string) int64 {
	t.Helper()
	u := &model.User{Email: name + "@example.com", Username: name, PasswordHash: "x", Status: 1}
	require.NoError(t, db.Create(u).Error)
	return u.ID
}

func TestPublish_AuthorAndFollowersOnly(t *testing.T) {
	b, g, sm, db := newBroadcastSetup(t)
	ctx := context.Background()

	author := createUser(t, db, "author")
	follower := createUser(t, db, "follower")
	stranger := createUser(t, db, "stranger")
	require.NoError(t, g.Follow(ctx, follower, author))

	sAuthor := newTestSession("s-author", author)
	sFollower := newTestSession("s-follower", follower)
	sStranger := newTestSession("s-stranger", stranger)
	sm.Register(sAuthor)
	sm.Register(sFollower)
	sm.Register(sStranger)

	post := &model.Post{ID: 1, AuthorID: author, Content: "hello", CreatedAt: time.Now()}
	delivered := b.Publish(ctx, post, "author")
	assert.Equal(t, 2, delivered)

	pkt := recvPacket(t, sAuthor)
	assert.Equal(t, "new_post", pkt.Type)

	pkt = recvPacket(t, sFollower)
	var ev PostEvent
	require.NoError(t, json.Unmarshal(pkt.Payload, &ev))
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, "author", ev.Username)

	assertSilent(t, sStranger)
}

func TestPublish_BlockSuppressesDelivery(t *testing.T) {
	b, g, sm, db := newBroadcastSetup(t)
	ctx := context.Background()

	author := createUser(t, db, "author")
	friendly := createUser(t, db, "friendly")
	hostile := createUser(t, db, "hostile")
	require.NoError(t, g.Follow(ctx, friendly, author))
	require.NoError(t, g.Follow(ctx, hostile, author))

	sFriendly := newTestSession("s-friendly", friendly)
	sHostile := newTestSession("s-hostile", hostile)
	sm.Register(sFriendly)
	sm.Register(sHostile)

	// Simulate a stale follow surviving a block: insert the block edge
	// directly so the follow row is still present at publish time.
	require.NoError(t, db.Create(&model.Block{BlockerID: hostile, BlockedID: author}).Error)

	post := &model.Post{ID: 2, AuthorID: author, Content: "still here", CreatedAt: time.Now()}
	b.Publish(ctx, post, "author")

	recvPacket(t, sFriendly)
	assertSilent(t, sHostile)
}

func TestPublish_MultipleSessionsPerUser(t *testing.T) {
	b, g, sm, db := newBroadcastSetup(t)
	ctx := context.Background()

	author := createUser(t, db, "author")
	follower := createUser(t, db, "follower")
	require.NoError(t, g.Follow(ctx, follower, author))

	s1 := newTestSession("tab-1", follower)
	s2 := newTestSession("tab-2", follower)
	sm.Register(s1)
	sm.Register(s2)

	post := &model.Post{ID: 3, AuthorID: author, Content: "hi", CreatedAt: time.Now()}
	delivered := b.Publish(ctx, post, "author")
	assert.Equal(t, 2, delivered)

	recvPacket(t, s1)
	recvPacket(t, s2)

	// At most once per session per post.
	assertSilent(t, s1)
	assertSilent(t, s2)
}

func TestPublish_ClosedSessionDropped(t *testing.T) {
	b, g, sm, db := newBroadcastSetup(t)
	ctx := context.Background()

	author := createUser(t, db, "author")
	follower := createUser(t, db, "follower")
	require.NoError(t, g.Follow(ctx, follower, author))

	s := newTestSession("s-closed", follower)
	sm.Register(s)
	s.Close()

	post := &model.Post{ID: 4, AuthorID: author, Content: "gone", CreatedAt: time.Now()}
	// Must not panic or block; the closed session just misses the event.
	b.Publish(ctx, post, "author")
	assertSilent(t, s)
}

func TestPublish_NoSessions(t *testing.T) {
	b, _, _, db := newBroadcastSetup(t)
	author := createUser(t, db, "author")

	post := &model.Post{ID: 5, AuthorID: author, Content: "into the void", CreatedAt: time.Now()}
	assert.Equal(t, 0, b.Publish(context.Background(), post, "author"))
}
