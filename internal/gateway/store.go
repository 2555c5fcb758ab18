package gateway

import "context"

// Store is the persistence collaborator the gateway calls. Implementations own
// record lifetimes beyond the gateway; the gateway only logs and, for comment
// creation, surfaces failures.
type Store interface {
	CreateComment(ctx context.Context, comment Comment) (Comment, error)
	CreateActivity(ctx context.Context, activity Activity) (Activity, error)
	CreateNotifications(ctx context.Context, notifications []Notification) error
	UpdateDocumentBody(ctx context.Context, documentID, body string) error
	FindUserByID(ctx context.Context, userID string) (User, error)
}

// TokenVerifier validates a presented bearer token and returns its subject.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}
