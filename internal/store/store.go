package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/MarcoPoloResearchLab/cowrite/internal/users"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("store: database handle is required")

// ServiceConfig describes the dependencies of the persistence service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service is the gateway's persistence collaborator backed by gorm.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the persistence service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// CreateComment stores a sanitized comment and returns the persisted record.
func (s *Service) CreateComment(ctx context.Context, comment gateway.Comment) (gateway.Comment, error) {
	record := Comment{
		ID:         comment.ID,
		DocumentID: comment.DocumentID,
		ParentID:   comment.ParentID,
		AuthorID:   comment.AuthorID,
		AuthorName: comment.AuthorName,
		Body:       comment.Text,
		CreatedAt:  comment.CreatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return gateway.Comment{}, fmt.Errorf("store: create comment: %w", err)
	}
	comment.CreatedAt = record.CreatedAt
	return comment, nil
}

// CreateActivity stores an activity event with its sanitized detail map.
func (s *Service) CreateActivity(ctx context.Context, activity gateway.Activity) (gateway.Activity, error) {
	detailsJSON := ""
	if len(activity.Details) > 0 {
		encoded, err := json.Marshal(activity.Details)
		if err != nil {
			return gateway.Activity{}, fmt.Errorf("store: encode activity details: %w", err)
		}
		detailsJSON = string(encoded)
	}

	record := Activity{
		ID:          activity.ID,
		DocumentID:  activity.DocumentID,
		ActorID:     activity.ActorID,
		EventType:   activity.Type,
		DetailsJSON: detailsJSON,
		CreatedAt:   activity.CreatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return gateway.Activity{}, fmt.Errorf("store: create activity: %w", err)
	}
	activity.CreatedAt = record.CreatedAt
	return activity, nil
}

// CreateNotifications stores mention notifications in one batch.
func (s *Service) CreateNotifications(ctx context.Context, notifications []gateway.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	records := make([]Notification, 0, len(notifications))
	for _, notification := range notifications {
		record := Notification{
			ID:               notification.ID,
			RecipientID:      notification.RecipientID,
			SenderID:         notification.SenderID,
			DocumentID:       notification.DocumentID,
			NotificationType: notification.Type,
			Message:          notification.Message,
			Read:             notification.Read,
			CreatedAt:        notification.CreatedAt,
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = s.clock().UTC()
		}
		records = append(records, record)
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("store: create notifications: %w", err)
	}
	return nil
}

// UpdateDocumentBody upserts the periodically persisted document body.
func (s *Service) UpdateDocumentBody(ctx context.Context, documentID, body string) error {
	record := Document{
		ID:        documentID,
		Body:      body,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
		}).
		Create(&record).
		Error
	if err != nil {
		return fmt.Errorf("store: update document body: %w", err)
	}
	return nil
}

// FindUserByID resolves a stored identity record for authentication.
func (s *Service) FindUserByID(ctx context.Context, userID string) (gateway.User, error) {
	var identity users.Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gateway.User{}, users.ErrUserNotFound
	}
	if err != nil {
		return gateway.User{}, fmt.Errorf("store: find user: %w", err)
	}
	return gateway.User{
		ID:          identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
	}, nil
}
