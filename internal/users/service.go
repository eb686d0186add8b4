package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/priyanshuxkumar/quicky-server/internal/cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProfileTTL = 60 * time.Second

var (
	// ErrInvalidIdentity indicates a missing or blank user identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile is stored for the user.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// ServiceConfig describes the dependencies of the profile service.
type ServiceConfig struct {
	Database   *gorm.DB
	Cache      cache.Cache
	ProfileTTL time.Duration
	Clock      func() time.Time
}

// Service reads and writes user profiles. Reads go through the read cache and
// may be stale for up to ProfileTTL after a write.
type Service struct {
	db    *gorm.DB
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("users: cache required")
	}
	ttl := cfg.ProfileTTL
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		cache: cfg.Cache,
		ttl:   ttl,
		now:   clock,
	}, nil
}

// GetProfile returns the profile of userID.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	return cache.Fetch(ctx, s.cache, cache.ProfileKey(userID), s.ttl, func(ctx context.Context) (Profile, error) {
		var profile Profile
		err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, ErrProfileNotFound
		}
		if err != nil {
			return Profile{}, err
		}
		return profile, nil
	})
}

// UpsertProfile stores profile, replacing any previous values. Cached reads
// are left untouched.
func (s *Service) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	profile.UserID = normalize(profile.UserID)
	if profile.UserID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	profile.Username = normalize(profile.Username)
	profile.FirstName = normalize(profile.FirstName)
	profile.LastName = normalize(profile.LastName)
	profile.AvatarURL = normalize(profile.AvatarURL)
	profile.UpdatedAt = s.now().UTC()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "avatar_url", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}
