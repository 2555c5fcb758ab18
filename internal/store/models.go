package store

import "time"

// Comment is the stored form of a document comment. Comments are never
// mutated after creation.
type Comment struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;index"`
	ParentID   string    `gorm:"column:parent_id;size:36"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null;index"`
	AuthorName string    `gorm:"column:author_name;size:320"`
	Body       string    `gorm:"column:body;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing document comments.
func (Comment) TableName() string {
	return "document_comments"
}

// Activity is a stored activity event; DetailsJSON carries the sanitized flat
// detail map.
type Activity struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	DocumentID  string    `gorm:"column:document_id;size:190;index"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null;index"`
	EventType   string    `gorm:"column:event_type;size:64;not null"`
	DetailsJSON string    `gorm:"column:details_json"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing activity events.
func (Activity) TableName() string {
	return "activity_events"
}

// Notification is a stored notification awaiting retrieval; Read defaults to
// unread.
type Notification struct {
	ID               string    `gorm:"column:id;primaryKey;size:36"`
	RecipientID      string    `gorm:"column:recipient_id;size:190;not null;index"`
	SenderID         string    `gorm:"column:sender_id;size:190"`
	DocumentID       string    `gorm:"column:document_id;size:190"`
	NotificationType string    `gorm:"column:notification_type;size:64;not null"`
	Message          string    `gorm:"column:message;size:512"`
	Read             bool      `gorm:"column:read;not null;default:false"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user notifications.
func (Notification) TableName() string {
	return "user_notifications"
}

// Document holds the periodically persisted document body.
type Document struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	Body      string    `gorm:"column:body"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing documents.
func (Document) TableName() string {
	return "documents"
}
