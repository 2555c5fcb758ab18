package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type staticVerifier struct {
	subjects map[string]string
}

func (v *staticVerifier) ValidateToken(token string) (string, error) {
	if subject, ok := v.subjects[token]; ok {
		return subject, nil
	}
	return "", errors.New("unknown token")
}

type fakeStore struct {
	mu                sync.Mutex
	users             map[string]User
	comments          []Comment
	notifications     []Notification
	failCreateComment bool

	activities chan Activity
	bodyWrites chan string
}

func newFakeStore(users ...User) *fakeStore {
	st := &fakeStore{
		users:      make(map[string]User),
		activities: make(chan Activity, 16),
		bodyWrites: make(chan string, 16),
	}
	for _, user := range users {
		st.users[user.ID] = user
	}
	return st
}

func (s *fakeStore) CreateComment(_ context.Context, comment Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateComment {
		return Comment{}, errors.New("storage offline")
	}
	s.comments = append(s.comments, comment)
	return comment, nil
}

func (s *fakeStore) CreateActivity(_ context.Context, activity Activity) (Activity, error) {
	s.activities <- activity
	return activity, nil
}

func (s *fakeStore) CreateNotifications(_ context.Context, notifications []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notifications...)
	return nil
}

func (s *fakeStore) UpdateDocumentBody(_ context.Context, documentID, _ string) error {
	s.bodyWrites <- documentID
	return nil
}

func (s *fakeStore) FindUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, errors.New("user not found")
	}
	return user, nil
}

func (s *fakeStore) storedComments() []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Comment, len(s.comments))
	copy(out, s.comments)
	return out
}

func (s *fakeStore) storedNotifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func newTestGateway(t *testing.T, st *fakeStore, clock func() time.Time) *Gateway {
	t.Helper()
	verifier := &staticVerifier{subjects: make(map[string]string)}
	for userID := range st.users {
		verifier.subjects["token-"+userID] = userID
	}
	g, err := New(Config{
		Verifier: verifier,
		Store:    st,
		Limiter:  NewRateLimiter(RateLimiterConfig{Clock: clock}),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func authenticatedSession(t *testing.T, g *Gateway, userID string) *Session {
	t.Helper()
	session := g.Connect()
	if err := g.Authenticate(context.Background(), session, "token-"+userID); err != nil {
		t.Fatalf("authenticate %s: %v", userID, err)
	}
	return session
}

func dispatch(t *testing.T, g *Gateway, session *Session, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	if err := g.HandleEvent(context.Background(), session, Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("handle %s: %v", event, err)
	}
}

func joinDocument(t *testing.T, g *Gateway, session *Session, documentID string) {
	t.Helper()
	dispatch(t, g, session, EventJoinContent, map[string]any{"document_id": documentID})
}

func drainOutbound(session *Session) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case message, ok := <-session.Outbound():
			if !ok {
				return out
			}
			out = append(out, message)
		default:
			return out
		}
	}
}

func countEvents(messages []OutboundMessage, event string) int {
	count := 0
	for _, message := range messages {
		if message.Event == event {
			count++
		}
	}
	return count
}

func fixedClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time { return now }
}

func TestAuthenticateResolvesStoredIdentity(t *testing.T) {
	st := newFakeStore(User{ID: "alice", Email: "alice@example.com", DisplayName: "Alice", Role: "editor"})
	g := newTestGateway(t, st, fixedClock())

	session := authenticatedSession(t, g, "alice")

	identity := session.Identity()
	if identity.UserID != "alice" || identity.DisplayName != "Alice" || identity.Role != "editor" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	st := newFakeStore(User{ID: "alice"})
	g := newTestGateway(t, st, fixedClock())

	session := g.Connect()
	err := g.Authenticate(context.Background(), session, "token-forged")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownSubject(t *testing.T) {
	st := newFakeStore(User{ID: "alice"})
	g := newTestGateway(t, st, fixedClock())
	g.verifier.(*staticVerifier).subjects["token-ghost"] = "ghost"

	session := g.Connect()
	err := g.Authenticate(context.Background(), session, "token-ghost")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError for unknown subject, got %v", err)
	}
}

func TestEventBeforeAuthenticationIsFatal(t *testing.T) {
	st := newFakeStore(User{ID: "alice"})
	g := newTestGateway(t, st, fixedClock())

	session := g.Connect()
	err := g.HandleEvent(context.Background(), session, Envelope{Event: EventJoinContent})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUnknownEventYieldsErrorWithoutClosing(t *testing.T) {
	st := newFakeStore(User{ID: "alice"})
	g := newTestGateway(t, st, fixedClock())
	session := authenticatedSession(t, g, "alice")

	if err := g.HandleEvent(context.Background(), session, Envelope{Event: "bogus"}); err != nil {
		t.Fatalf("expected unknown events to be non-fatal, got %v", err)
	}

	messages := drainOutbound(session)
	if countEvents(messages, EventError) != 1 {
		t.Fatalf("expected one error event, got %+v", messages)
	}
	if payload := messages[0].Data.(errorPayload); !strings.Contains(payload.Message, "unknown event") {
		t.Fatalf("unexpected error message %q", payload.Message)
	}
}

func TestJoinFanOutAndRosterUnicast(t *testing.T) {
	st := newFakeStore(User{ID: "alice", DisplayName: "Alice"}, User{ID: "bob", DisplayName: "Bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")

	joinDocument(t, g, alice, "doc-1")
	aliceMessages := drainOutbound(alice)
	if countEvents(aliceMessages, EventActiveUsers) != 1 {
		t.Fatalf("expected the joiner to receive the roster, got %+v", aliceMessages)
	}
	roster := aliceMessages[0].Data.([]participantInfo)
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Fatalf("expected a single-entry roster, got %+v", roster)
	}

	joinDocument(t, g, bob, "doc-1")

	aliceMessages = drainOutbound(alice)
	if countEvents(aliceMessages, EventUserJoined) != 1 {
		t.Fatalf("expected alice to see bob join, got %+v", aliceMessages)
	}
	joined := aliceMessages[0].Data.(userJoinedPayload)
	if joined.UserID != "bob" || joined.Identity.DisplayName != "Bob" {
		t.Fatalf("unexpected join payload %+v", joined)
	}

	bobMessages := drainOutbound(bob)
	if countEvents(bobMessages, EventUserJoined) != 0 {
		t.Fatalf("expected no join echo to the joiner, got %+v", bobMessages)
	}
	bobRoster := bobMessages[len(bobMessages)-1].Data.([]participantInfo)
	if len(bobRoster) != 2 {
		t.Fatalf("expected bob's roster to carry both members, got %+v", bobRoster)
	}
}

func TestJoinRequiresDocumentID(t *testing.T) {
	st := newFakeStore(User{ID: "alice"})
	g := newTestGateway(t, st, fixedClock())
	session := authenticatedSession(t, g, "alice")

	dispatch(t, g, session, EventJoinContent, map[string]any{"document_id": "  "})

	messages := drainOutbound(session)
	if countEvents(messages, EventError) != 1 {
		t.Fatalf("expected a validation error, got %+v", messages)
	}
	if participants := g.Rooms().Participants("  "); participants != nil {
		t.Fatalf("expected no room membership, got %+v", participants)
	}
}

func TestCursorUpdateOverLimitIsDroppedSilently(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	for i := 0; i < 31; i++ {
		dispatch(t, g, bob, EventCursorUpdate, map[string]any{"document_id": "doc-1", "line": i, "column": 1})
	}

	aliceMessages := drainOutbound(alice)
	if got := countEvents(aliceMessages, EventCursorPosition); got != 30 {
		t.Fatalf("expected 30 cursor positions delivered, got %d", got)
	}
	bobMessages := drainOutbound(bob)
	if len(bobMessages) != 0 {
		t.Fatalf("expected no echo and no rejection notice for the sender, got %+v", bobMessages)
	}
}

func TestContentChangeBroadcastsAndPersistsEveryTenthVersion(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	for _, version := range []int64{9, 10, 11, 20} {
		dispatch(t, g, bob, EventContentChange, map[string]any{
			"document_id": "doc-1",
			"changes":     json.RawMessage(`{"op":"ins"}`),
			"version":     version,
			"body":        fmt.Sprintf("body@%d", version),
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case documentID := <-st.bodyWrites:
			if documentID != "doc-1" {
				t.Fatalf("body write for unexpected document %q", documentID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for body write %d", i+1)
		}
	}
	select {
	case documentID := <-st.bodyWrites:
		t.Fatalf("unexpected extra body write for %q", documentID)
	case <-time.After(100 * time.Millisecond):
	}

	aliceMessages := drainOutbound(alice)
	if got := countEvents(aliceMessages, EventContentUpdate); got != 4 {
		t.Fatalf("expected 4 content updates for the peer, got %d", got)
	}
	if bobMessages := drainOutbound(bob); len(bobMessages) != 0 {
		t.Fatalf("expected no echo to the author, got %+v", bobMessages)
	}
}

func TestAddCommentOverLimitSurfacesError(t *testing.T) {
	st := newFakeStore(User{ID: "alice", DisplayName: "Alice"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	joinDocument(t, g, alice, "doc-1")
	drainOutbound(alice)

	for i := 0; i < 11; i++ {
		dispatch(t, g, alice, EventAddComment, map[string]any{
			"document_id": "doc-1",
			"text":        fmt.Sprintf("comment %d", i),
		})
	}

	messages := drainOutbound(alice)
	if got := countEvents(messages, EventNewComment); got != 10 {
		t.Fatalf("expected 10 comment broadcasts, got %d", got)
	}
	if got := countEvents(messages, EventError); got != 1 {
		t.Fatalf("expected one rate limit error, got %d", got)
	}
	if got := len(st.storedComments()); got != 10 {
		t.Fatalf("expected 10 persisted comments, got %d", got)
	}
}

func TestAddCommentBroadcastIncludesAuthor(t *testing.T) {
	st := newFakeStore(User{ID: "alice", DisplayName: "Alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	dispatch(t, g, alice, EventAddComment, map[string]any{"document_id": "doc-1", "text": "hello <b>there</b>"})

	for _, session := range []*Session{alice, bob} {
		messages := drainOutbound(session)
		if countEvents(messages, EventNewComment) != 1 {
			t.Fatalf("expected every member to receive the comment, got %+v", messages)
		}
		payload := messages[0].Data.(newCommentPayload)
		if payload.Comment.AuthorID != "alice" || payload.Comment.AuthorName != "Alice" {
			t.Fatalf("unexpected comment author %+v", payload.Comment)
		}
		if strings.Contains(payload.Comment.Text, "<b>") {
			t.Fatalf("expected markup stripped from comment text, got %q", payload.Comment.Text)
		}
	}
}

func TestMentionPersistsAndPushesLiveNotification(t *testing.T) {
	st := newFakeStore(User{ID: "alice", DisplayName: "Alice"}, User{ID: "carol"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	carol := authenticatedSession(t, g, "carol")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, carol, "doc-1")
	drainOutbound(alice)
	drainOutbound(carol)

	dispatch(t, g, alice, EventAddComment, map[string]any{
		"document_id": "doc-1",
		"text":        "@carol @dave take a look",
		"mentions":    []string{"carol", "dave", "carol"},
	})

	stored := st.storedNotifications()
	if len(stored) != 2 {
		t.Fatalf("expected notifications for each unique mention, got %+v", stored)
	}
	for _, notification := range stored {
		if notification.Type != "mention" || notification.SenderID != "alice" {
			t.Fatalf("unexpected notification %+v", notification)
		}
		if !strings.Contains(notification.Message, "Alice mentioned you") {
			t.Fatalf("unexpected notification message %q", notification.Message)
		}
	}

	carolMessages := drainOutbound(carol)
	if countEvents(carolMessages, EventNewComment) != 1 {
		t.Fatalf("expected carol to receive the comment, got %+v", carolMessages)
	}
	if countEvents(carolMessages, EventNotification) != 1 {
		t.Fatalf("expected carol to receive a live notification, got %+v", carolMessages)
	}

	aliceMessages := drainOutbound(alice)
	if countEvents(aliceMessages, EventNotification) != 0 {
		t.Fatalf("expected no notification to the author, got %+v", aliceMessages)
	}
}

func TestCommentPersistenceFailureStopsBroadcast(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	st.failCreateComment = true
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	dispatch(t, g, alice, EventAddComment, map[string]any{"document_id": "doc-1", "text": "lost"})

	aliceMessages := drainOutbound(alice)
	if countEvents(aliceMessages, EventError) != 1 {
		t.Fatalf("expected the author to see the persistence failure, got %+v", aliceMessages)
	}
	if bobMessages := drainOutbound(bob); len(bobMessages) != 0 {
		t.Fatalf("expected no broadcast of an unpersisted comment, got %+v", bobMessages)
	}
}

func TestActivityWithoutDocumentReachesAllSessions(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	drainOutbound(alice)

	dispatch(t, g, alice, EventActivity, map[string]any{
		"type": "status-change",
		"details": map[string]any{
			"note":   "<b>ready</b>",
			"nested": map[string]any{"secret": 1},
			"tags":   []any{"<i>go</i>"},
		},
	})

	var persisted Activity
	select {
	case persisted = <-st.activities:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for activity persistence")
	}
	if persisted.ActorID != "alice" || persisted.Type != "status-change" {
		t.Fatalf("unexpected persisted activity %+v", persisted)
	}
	if persisted.Details["note"] != "ready" {
		t.Fatalf("expected markup stripped from details, got %+v", persisted.Details)
	}
	if _, ok := persisted.Details["nested"]; ok {
		t.Fatalf("expected nested detail maps to be dropped, got %+v", persisted.Details)
	}
	tags, ok := persisted.Details["tags"].([]any)
	if !ok || len(tags) != 1 || tags[0] != "go" {
		t.Fatalf("expected sanitized array elements, got %+v", persisted.Details["tags"])
	}

	for name, session := range map[string]*Session{"alice": alice, "bob": bob} {
		messages := drainOutbound(session)
		if countEvents(messages, EventNewActivity) != 1 {
			t.Fatalf("expected %s to receive the activity, got %+v", name, messages)
		}
	}
}

func TestDisconnectCleansUpPresenceAndLimiter(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	g.Disconnect(bob)

	aliceMessages := drainOutbound(alice)
	if countEvents(aliceMessages, EventUserLeft) != 1 {
		t.Fatalf("expected alice to see bob leave, got %+v", aliceMessages)
	}
	if participants := g.Rooms().Participants("doc-1"); len(participants) != 1 {
		t.Fatalf("expected only alice to remain, got %+v", participants)
	}

	g.limiter.mu.Lock()
	_, windowsKept := g.limiter.windows[bob.id]
	g.limiter.mu.Unlock()
	if windowsKept {
		t.Fatalf("expected bob's limiter windows to be reset on disconnect")
	}

	if _, open := <-bob.Outbound(); open {
		t.Fatalf("expected bob's outbound channel to be closed")
	}
	if bob.Enqueue(OutboundMessage{Event: EventError}) {
		t.Fatalf("expected enqueue on a closed session to fail")
	}
}

func TestStaleConnectionDisconnectKeepsReplacement(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bobOld := authenticatedSession(t, g, "bob")
	bobNew := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bobOld, "doc-1")
	joinDocument(t, g, bobNew, "doc-1")
	drainOutbound(alice)

	g.Disconnect(bobOld)

	if messages := drainOutbound(alice); countEvents(messages, EventUserLeft) != 0 {
		t.Fatalf("expected no user-left while the replacement is live, got %+v", messages)
	}
	member, ok := g.Rooms().Participant("doc-1", "bob")
	if !ok || member.Conn != Sender(bobNew) {
		t.Fatalf("expected the replacement connection to keep the room entry")
	}
}

func TestExplicitLeaveBroadcastsDeparture(t *testing.T) {
	st := newFakeStore(User{ID: "alice"}, User{ID: "bob"})
	g := newTestGateway(t, st, fixedClock())
	alice := authenticatedSession(t, g, "alice")
	bob := authenticatedSession(t, g, "bob")
	joinDocument(t, g, alice, "doc-1")
	joinDocument(t, g, bob, "doc-1")
	drainOutbound(alice)
	drainOutbound(bob)

	dispatch(t, g, bob, EventLeaveContent, map[string]any{"document_id": "doc-1"})

	aliceMessages := drainOutbound(alice)
	if countEvents(aliceMessages, EventUserLeft) != 1 {
		t.Fatalf("expected a departure broadcast, got %+v", aliceMessages)
	}
	if _, ok := g.Rooms().Participant("doc-1", "bob"); ok {
		t.Fatalf("expected bob removed from the room")
	}
}
