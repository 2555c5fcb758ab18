package users

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"gorm.io/gorm"
)

const providerGoogle = "google"

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no identity record exists for the user id.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// EnsureIdentity returns the identity record for validated Google claims,
// creating it on first login and refreshing profile fields on later logins.
func (s *Service) EnsureIdentity(claims auth.GoogleClaims) (Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", providerGoogle, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    providerGoogle,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			Role:        RoleEditor,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	if err != nil {
		return Identity{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.Email); email != "" && email != identity.Email {
		updates["user_email"] = email
		identity.Email = email
	}
	if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
		identity.DisplayName = display
	}
	if err := s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", providerGoogle, subject).
		Updates(updates).
		Error; err != nil {
		return Identity{}, err
	}

	return identity, nil
}

// FindByUserID resolves the stored identity record for a canonical user id.
func (s *Service) FindByUserID(userID string) (Identity, error) {
	trimmed := normalize(userID)
	if trimmed == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.Where("user_id = ?", trimmed).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrUserNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}
