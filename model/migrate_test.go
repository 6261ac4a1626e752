package model_test

import (
	"testing"
	"time"

	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// User
	u := &model.User{Email: "ada@example.com", Username: "ada", PasswordHash: "hash", Status: 1}
	require.NoError(t, db.Create(u).Error)
	assert.Greater(t, u.ID, int64(0))

	var found model.User
	require.NoError(t, db.First(&found, u.ID).Error)
	assert.Equal(t, "ada", found.Username)

	other := &model.User{Email: "grace@example.com", Username: "grace", PasswordHash: "hash", Status: 1}
	require.NoError(t, db.Create(other).Error)

	// Follow
	f := &model.Follow{FollowerID: u.ID, FollowingID: other.ID}
	require.NoError(t, db.Create(f).Error)

	// Block
	b := &model.Block{BlockerID: other.ID, BlockedID: u.ID}
	require.NoError(t, db.Create(b).Error)

	// Post
	p := &model.Post{AuthorID: u.ID, Content: "hello"}
	require.NoError(t, db.Create(p).Error)
	assert.Greater(t, p.ID, int64(0))

	// AuditLog
	al := &model.AuditLog{
		TraceID: "trace-001", Action: "follow",
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(al).Error)
}

func TestFollowPairUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.Follow{FollowerID: 1, FollowingID: 2}).Error)
	err := db.Create(&model.Follow{FollowerID: 1, FollowingID: 2}).Error
	assert.Error(t, err)

	// Reverse direction is a different pair.
	assert.NoError(t, db.Create(&model.Follow{FollowerID: 2, FollowingID: 1}).Error)
}

func TestBlockPairUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.Block{BlockerID: 1, BlockedID: 2}).Error)
	err := db.Create(&model.Block{BlockerID: 1, BlockedID: 2}).Error
	assert.Error(t, err)
}
