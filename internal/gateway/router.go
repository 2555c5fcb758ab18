package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/sanitize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const notificationTypeMention = "mention"

// persistBodyEvery is the version-modulo durability trigger for content
// changes. The modulo is evaluated on the client-supplied version number, so a
// gap or reordering in client versions changes how often writes occur; that is
// an accepted tradeoff, not a server-side counter.
const persistBodyEvery = 10

// Config bundles the collaborators the gateway requires.
type Config struct {
	Verifier TokenVerifier
	Store    Store
	Limiter  *RateLimiter
	Logger   *zap.Logger
	Clock    func() time.Time
}

type handlerFunc func(ctx context.Context, session *Session, data json.RawMessage) error

// Gateway routes inbound events on authenticated connections: admission
// control, payload sanitization, room registry mutation, persistence calls,
// and outbound fan-out. A single connection's failure never affects other
// connections or rooms.
type Gateway struct {
	verifier TokenVerifier
	store    Store
	limiter  *RateLimiter
	rooms    *Registry
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	handlers map[string]handlerFunc
}

// New constructs a gateway with validated dependencies.
func New(cfg Config) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(RateLimiterConfig{Clock: clock})
	}

	g := &Gateway{
		verifier: cfg.Verifier,
		store:    cfg.Store,
		limiter:  limiter,
		rooms:    NewRegistry(),
		logger:   logger,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
	g.handlers = map[string]handlerFunc{
		EventJoinContent:   g.handleJoinContent,
		EventLeaveContent:  g.handleLeaveContent,
		EventContentChange: g.handleContentChange,
		EventCursorUpdate:  g.handleCursorUpdate,
		EventAddComment:    g.handleAddComment,
		EventActivity:      g.handleActivity,
	}
	return g, nil
}

// Rooms exposes the registry for presence lookups.
func (g *Gateway) Rooms() *Registry {
	return g.rooms
}

// Connect allocates a session for a freshly established connection. The
// session accepts no events until Authenticate succeeds.
func (g *Gateway) Connect() *Session {
	return newSession()
}

// Authenticate validates the presented token, resolves the subject to a stored
// identity, and promotes the session. On failure the connection must be
// refused before any event is processed. Tokens are never cached.
func (g *Gateway) Authenticate(ctx context.Context, session *Session, token string) error {
	session.setState(stateAuthenticating)

	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return &AuthenticationError{Reason: "missing token"}
	}

	subject, err := g.verifier.ValidateToken(trimmed)
	if err != nil {
		return &AuthenticationError{Reason: "invalid token", Err: err}
	}

	user, err := g.store.FindUserByID(ctx, subject)
	if err != nil {
		return &AuthenticationError{Reason: "subject not found", Err: err}
	}

	identity := Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}
	session.authenticate(identity)

	g.mu.Lock()
	g.sessions[session.id] = session
	g.mu.Unlock()

	g.logger.Info("connection authenticated",
		zap.String("connection_id", session.id),
		zap.String("user_id", identity.UserID))
	return nil
}

// HandleEvent dispatches one inbound envelope. A non-nil return is fatal to
// the connection; event-level failures are reported as error events on the
// offending connection only.
func (g *Gateway) HandleEvent(ctx context.Context, session *Session, envelope Envelope) error {
	if session.currentState() != stateAuthenticated {
		return ErrNotAuthenticated
	}

	handler, ok := g.handlers[envelope.Event]
	if !ok {
		g.sendError(session, (&ValidationError{Reason: fmt.Sprintf("unknown event %q", envelope.Event)}).Error())
		return nil
	}
	return handler(ctx, session, envelope.Data)
}

// Disconnect releases everything the connection held: limiter windows, room
// membership in every joined document, and the outbound stream.
func (g *Gateway) Disconnect(session *Session) {
	g.limiter.Reset(session.id)

	g.mu.Lock()
	delete(g.sessions, session.id)
	g.mu.Unlock()

	identity := session.Identity()
	for _, documentID := range session.joinedDocuments() {
		session.trackLeave(documentID)
		if g.rooms.LeaveIfConn(documentID, identity.UserID, session) {
			g.rooms.Broadcast(documentID, identity.UserID, OutboundMessage{
				Event: EventUserLeft,
				Data:  userLeftPayload{UserID: identity.UserID},
			})
		}
	}
	session.close()
}

// Run drives the limiter's background reclamation until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.limiter.Run(ctx)
}

func (g *Gateway) handleJoinContent(_ context.Context, session *Session, data json.RawMessage) error {
	var payload joinContentPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.DocumentID) == "" {
		g.sendError(session, (&ValidationError{Reason: "join-content requires document_id"}).Error())
		return nil
	}

	if !g.limiter.Admit(EventJoinContent, session.id) {
		g.sendError(session, (&RateLimitError{EventType: EventJoinContent}).Error())
		return nil
	}

	identity := session.Identity()
	participants := g.rooms.Join(payload.DocumentID, Participant{
		UserID:   identity.UserID,
		Identity: identity,
		Conn:     session,
	})
	session.trackJoin(payload.DocumentID)

	g.rooms.Broadcast(payload.DocumentID, identity.UserID, OutboundMessage{
		Event: EventUserJoined,
		Data:  userJoinedPayload{UserID: identity.UserID, Identity: identity},
	})

	roster := make([]participantInfo, 0, len(participants))
	for _, member := range participants {
		roster = append(roster, participantInfo{
			UserID:   member.UserID,
			Identity: member.Identity,
			Cursor:   member.Cursor,
		})
	}
	session.Enqueue(OutboundMessage{Event: EventActiveUsers, Data: roster})
	return nil
}

// leave-content carries no rate limit for symmetry with disconnect cleanup.
func (g *Gateway) handleLeaveContent(_ context.Context, session *Session, data json.RawMessage) error {
	var payload leaveContentPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.DocumentID) == "" {
		g.sendError(session, (&ValidationError{Reason: "leave-content requires document_id"}).Error())
		return nil
	}

	identity := session.Identity()
	session.trackLeave(payload.DocumentID)
	if g.rooms.Leave(payload.DocumentID, identity.UserID) {
		g.rooms.Broadcast(payload.DocumentID, identity.UserID, OutboundMessage{
			Event: EventUserLeft,
			Data:  userLeftPayload{UserID: identity.UserID},
		})
	}
	return nil
}

func (g *Gateway) handleContentChange(_ context.Context, session *Session, data json.RawMessage) error {
	var payload contentChangePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.DocumentID) == "" {
		g.sendError(session, (&ValidationError{Reason: "content-change requires document_id"}).Error())
		return nil
	}

	if !g.limiter.Admit(EventContentChange, session.id) {
		g.logger.Debug("content change dropped by rate limit",
			zap.String("connection_id", session.id),
			zap.String("document_id", payload.DocumentID))
		return nil
	}

	identity := session.Identity()
	g.rooms.Broadcast(payload.DocumentID, identity.UserID, OutboundMessage{
		Event: EventContentUpdate,
		Data: contentUpdatePayload{
			UserID:     identity.UserID,
			DocumentID: payload.DocumentID,
			Changes:    payload.Changes,
			Version:    payload.Version,
		},
	})

	// Durability every N versions instead of every keystroke. The broadcast
	// above must not wait on a stalled persistence call.
	if payload.Version%persistBodyEvery == 0 {
		documentID, body, version := payload.DocumentID, payload.Body, payload.Version
		go func() {
			if err := g.store.UpdateDocumentBody(context.Background(), documentID, body); err != nil {
				g.logger.Warn("document body write failed",
					zap.String("document_id", documentID),
					zap.Int64("version", version),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Rejected cursor updates are dropped without an error event; cursor spam must
// not become an error storm.
func (g *Gateway) handleCursorUpdate(_ context.Context, session *Session, data json.RawMessage) error {
	var payload cursorUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.DocumentID) == "" {
		g.sendError(session, (&ValidationError{Reason: "cursor-update requires document_id"}).Error())
		return nil
	}

	if !g.limiter.Admit(EventCursorUpdate, session.id) {
		return nil
	}

	identity := session.Identity()
	if !g.rooms.UpdateCursor(payload.DocumentID, identity.UserID, Cursor{Line: payload.Line, Column: payload.Column}) {
		return nil
	}
	g.rooms.Broadcast(payload.DocumentID, identity.UserID, OutboundMessage{
		Event: EventCursorPosition,
		Data: cursorPositionPayload{
			UserID:   identity.UserID,
			Identity: identity,
			Line:     payload.Line,
			Column:   payload.Column,
		},
	})
	return nil
}

func (g *Gateway) handleAddComment(ctx context.Context, session *Session, data json.RawMessage) error {
	var payload addCommentPayload
	if err := json.Unmarshal(data, &payload); err != nil ||
		strings.TrimSpace(payload.DocumentID) == "" || strings.TrimSpace(payload.Text) == "" {
		g.sendError(session, (&ValidationError{Reason: "add-comment requires document_id and text"}).Error())
		return nil
	}

	if !g.limiter.Admit(EventAddComment, session.id) {
		g.sendError(session, (&RateLimitError{EventType: EventAddComment}).Error())
		return nil
	}

	identity := session.Identity()
	comment := Comment{
		ID:         uuid.NewString(),
		DocumentID: payload.DocumentID,
		ParentID:   strings.TrimSpace(payload.ParentID),
		AuthorID:   identity.UserID,
		AuthorName: identity.DisplayName,
		Text:       sanitize.Comment(payload.Text),
		CreatedAt:  g.clock().UTC(),
	}

	stored, err := g.store.CreateComment(ctx, comment)
	if err != nil {
		persistErr := &PersistenceError{Op: "create_comment", Err: err}
		g.logger.Error("comment persistence failed",
			zap.String("document_id", payload.DocumentID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		g.sendError(session, persistErr.Error())
		return nil
	}

	// The sender receives the broadcast too, so every client renders the same
	// stored comment.
	g.rooms.Broadcast(payload.DocumentID, "", OutboundMessage{
		Event: EventNewComment,
		Data:  newCommentPayload{Comment: stored},
	})

	g.notifyMentions(ctx, payload.DocumentID, identity, payload.Mentions)
	return nil
}

func (g *Gateway) handleActivity(_ context.Context, session *Session, data json.RawMessage) error {
	var payload activityPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.Type) == "" {
		g.sendError(session, (&ValidationError{Reason: "activity requires type"}).Error())
		return nil
	}

	if !g.limiter.Admit(EventActivity, session.id) {
		return nil
	}

	identity := session.Identity()
	activity := Activity{
		ID:         uuid.NewString(),
		DocumentID: strings.TrimSpace(payload.DocumentID),
		ActorID:    identity.UserID,
		Type:       sanitize.Text(payload.Type),
		Details:    sanitize.ActivityDetails(payload.Details),
		CreatedAt:  g.clock().UTC(),
	}

	message := OutboundMessage{Event: EventNewActivity, Data: newActivityPayload{Activity: activity}}
	if activity.DocumentID != "" {
		g.rooms.Broadcast(activity.DocumentID, "", message)
	} else {
		g.broadcastAll(message)
	}

	go func() {
		if _, err := g.store.CreateActivity(context.Background(), activity); err != nil {
			g.logger.Warn("activity persistence failed",
				zap.String("activity_type", activity.Type),
				zap.String("user_id", activity.ActorID),
				zap.Error(err))
		}
	}()
	return nil
}

// notifyMentions persists notification records in bulk and pushes a live
// notification to every mentioned user with an active participant entry in
// the room.
func (g *Gateway) notifyMentions(ctx context.Context, documentID string, sender Identity, mentions []string) {
	recipients := uniqueMentions(mentions)
	if len(recipients) == 0 {
		return
	}

	senderName := sender.DisplayName
	if senderName == "" {
		senderName = sender.UserID
	}
	message := fmt.Sprintf("%s mentioned you in a comment", senderName)

	now := g.clock().UTC()
	notifications := make([]Notification, 0, len(recipients))
	for _, recipientID := range recipients {
		notifications = append(notifications, Notification{
			ID:          uuid.NewString(),
			Type:        notificationTypeMention,
			RecipientID: recipientID,
			SenderID:    sender.UserID,
			DocumentID:  documentID,
			Message:     message,
			CreatedAt:   now,
		})
	}

	if err := g.store.CreateNotifications(ctx, notifications); err != nil {
		g.logger.Error("notification persistence failed",
			zap.String("document_id", documentID),
			zap.Int("count", len(notifications)),
			zap.Error(err))
	}

	for _, notification := range notifications {
		member, ok := g.rooms.Participant(documentID, notification.RecipientID)
		if !ok || member.Conn == nil {
			continue
		}
		member.Conn.Enqueue(OutboundMessage{
			Event: EventNotification,
			Data: notificationPayload{
				Type:       notification.Type,
				From:       sender.UserID,
				DocumentID: documentID,
				Message:    notification.Message,
			},
		})
	}
}

func (g *Gateway) broadcastAll(message OutboundMessage) {
	g.mu.RLock()
	targets := make([]*Session, 0, len(g.sessions))
	for _, session := range g.sessions {
		targets = append(targets, session)
	}
	g.mu.RUnlock()

	for _, session := range targets {
		session.Enqueue(message)
	}
}

func (g *Gateway) sendError(session *Session, message string) {
	session.Enqueue(OutboundMessage{Event: EventError, Data: errorPayload{Message: message}})
}

func uniqueMentions(mentions []string) []string {
	if len(mentions) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(mentions))
	unique := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		trimmed := strings.TrimSpace(mention)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	return unique
}
