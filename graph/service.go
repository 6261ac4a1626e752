package graph

import (
	"context"
	"errors"
	"strings"

	"github.com/mirocha/waveline/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns the follow/block graph. Mutations on the same user pair
// serialize through a pair lock and run inside a transaction, so no
// reader ever observes a block coexisting with a follow between the
// same two users.
type Service struct {
	db     *gorm.DB
	locks  pairLocks
	logger *zap.Logger
}

// NewService creates a graph Service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Counts holds follower/following totals for one user.
type Counts struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
}

// Follow creates the actor→target follow edge.
// Returns ErrSelfReference, ErrInvalidTarget, ErrBlocked or
// ErrAlreadyFollowing. Under concurrent duplicate calls exactly one
// caller sees nil; the unique pair index is the arbiter, so this is
// insert-or-reject, not insert-or-ignore.
func (s *Service) Follow(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		return ErrSelfReference
	}
	m := s.locks.lock(actorID, targetID)
	defer m.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, targetID); err != nil {
			return err
		}

		blocked, err := blockedEitherDirection(tx, actorID, targetID)
		if err != nil {
			return err
		}
		if blocked {
			return ErrBlocked
		}

		if err := tx.Create(&model.Follow{FollowerID: actorID, FollowingID: targetID}).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyFollowing
			}
			return err
		}
		return nil
	})
	if err == nil {
		s.logger.Info("follow edge created",
			zap.Int64("follower_id", actorID),
			zap.Int64("following_id", targetID))
	}
	return err
}

// Unfollow removes the actor→target follow edge. Idempotent: removing
// a non-existent edge succeeds with no observable change.
func (s *Service) Unfollow(ctx context.Context, actorID, targetID int64) error {
	m := s.locks.lock(actorID, targetID)
	defer m.Unlock()

	return s.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", actorID, targetID).
		Delete(&model.Follow{}).Error
}

// Block creates the actor→target block edge and, in the same
// transaction, removes any follow edge between the pair in either
// direction. Repeated calls are no-ops. The atomicity is load-bearing:
// the intermediate state (block present, follow still present) must
// never be observable.
func (s *Service) Block(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		return ErrSelfReference
	}
	m := s.locks.lock(actorID, targetID)
	defer m.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, targetID); err != nil {
			return err
		}

		if err := tx.Create(&model.Block{BlockerID: actorID, BlockedID: targetID}).Error; err != nil {
			if !isUniqueViolation(err) {
				return err
			}
			// Already blocked; still sweep follows below in case an
			// earlier partial state survived a crash.
		}

		return tx.Where(
			"(follower_id = ? AND following_id = ?) OR (follower_id = ? AND following_id = ?)",
			actorID, targetID, targetID, actorID,
		).Delete(&model.Follow{}).Error
	})
	if err == nil {
		s.logger.Info("block edge created",
			zap.Int64("blocker_id", actorID),
			zap.Int64("blocked_id", targetID))
	}
	return err
}

// Unblock removes the actor→target block edge. Idempotent. Follow
// edges removed by a previous Block are not resurrected.
func (s *Service) Unblock(ctx context.Context, actorID, targetID int64) error {
	m := s.locks.lock(actorID, targetID)
	defer m.Unlock()

	return s.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", actorID, targetID).
		Delete(&model.Block{}).Error
}

// IsBlocked reports whether a block edge exists between a and b in
// either direction.
func (s *Service) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	return blockedEitherDirection(s.db.WithContext(ctx), a, b)
}

// HasBlocked reports whether blocker has blocked blocked (one
// direction only; profile visibility cares which way the edge points).
func (s *Service) HasBlocked(ctx context.Context, blockerID, blockedID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Block{}).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Count(&n).Error
	return n > 0, err
}

// IsFollowing reports whether follower follows following.
func (s *Service) IsFollowing(ctx context.Context, followerID, followingID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Count(&n).Error
	return n > 0, err
}

// Followers returns the ids of users following userID.
func (s *Service) Followers(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("following_id = ?", userID).
		Pluck("follower_id", &ids).Error
	return ids, err
}

// Following returns the ids of users that userID follows.
func (s *Service) Following(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("follower_id = ?", userID).
		Pluck("following_id", &ids).Error
	return ids, err
}

// GetCounts returns follower and following totals for userID.
func (s *Service) GetCounts(ctx context.Context, userID int64) (Counts, error) {
	var c Counts
	db := s.db.WithContext(ctx)
	if err := db.Model(&model.Follow{}).
		Where("following_id = ?", userID).Count(&c.Followers).Error; err != nil {
		return c, err
	}
	err := db.Model(&model.Follow{}).
		Where("follower_id = ?", userID).Count(&c.Following).Error
	return c, err
}

func userExists(tx *gorm.DB, userID int64) error {
	var n int64
	if err := tx.Model(&model.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTarget
	}
	return nil
}

func blockedEitherDirection(tx *gorm.DB, a, b int64) (bool, error) {
	var n int64
	err := tx.Model(&model.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)",
			a, b, b, a).
		Count(&n).Error
	return n > 0, err
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
