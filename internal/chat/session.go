package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/healthmon/healthchat/internal/client"
	"github.com/healthmon/healthchat/internal/models"
	"go.uber.org/zap"
)

// State is the conversation session's lifecycle state.
type State int

const (
	// StateClosed means no conversation is open and no timeline is held.
	StateClosed State = iota
	// StateOpen means a timeline is loaded and a send may be issued.
	StateOpen
	// StateSendPending means one send awaits its server response. A
	// second send is rejected locally until the pending one resolves.
	StateSendPending
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSendPending:
		return "sendPending"
	default:
		return "closed"
	}
}

// Refresher re-fetches the conversation list. The session triggers it
// after a successful send so the owning conversation's recency updates.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Snapshot is an immutable view of the session handed to the render
// boundary.
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []models.Message
	SendPending    bool
}

// Session holds the timeline of the currently open conversation and
// implements the optimistic send protocol: the user's message appears
// locally the moment it is sent and is rolled back if the server
// rejects it.
type Session struct {
	api       *client.Client
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time

	mu             sync.Mutex
	state          State
	conversationID string
	timeline       []models.Message
	// epoch increments whenever the timeline is replaced or discarded.
	// A send resolving against a stale epoch discards its result
	// instead of mutating a timeline it no longer belongs to.
	epoch uint64
}

func NewSession(api *client.Client, refresher Refresher, logger *zap.Logger) *Session {
	return &Session{
		api:       api,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Snapshot returns a copy of the current state and timeline.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]models.Message, len(s.timeline))
	copy(msgs, s.timeline)
	return Snapshot{
		State:          s.state,
		ConversationID: s.conversationID,
		Messages:       msgs,
		SendPending:    s.state == StateSendPending,
	}
}

// Open loads the full timeline for the given conversation. Any
// previously open timeline is discarded unconditionally before the
// fetch; on failure (including conversation-not-found) the session is
// left closed.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()

	msgs, err := s.api.ChatMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateOpen
	s.conversationID = conversationID
	s.timeline = msgs
	s.epoch++
	s.mu.Unlock()

	s.logger.Info("opened conversation",
		zap.String("chat_id", conversationID),
		zap.Int("messages", len(msgs)))
	return nil
}

// Send posts text to the open conversation. The user message is
// appended to the timeline immediately as a pending placeholder; on
// success the placeholder is confirmed and the assistant's reply
// appended after it, on failure the timeline is restored to exactly
// its pre-send contents. The failed text is not retried or re-queued.
func (s *Session) Send(ctx context.Context, text string, opts models.SendOptions) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return &ValidationError{Reason: "no open conversation"}
	case s.state == StateSendPending:
		s.mu.Unlock()
		return &ValidationError{Reason: "a send is already pending"}
	case text == "":
		s.mu.Unlock()
		return &ValidationError{Reason: "message text cannot be empty"}
	}

	s.state = StateSendPending
	base := len(s.timeline)
	epoch := s.epoch
	conversationID := s.conversationID
	s.timeline = append(s.timeline, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: s.now(),
		Pending:   true,
	})
	s.mu.Unlock()

	reply, err := s.api.SendMessage(ctx, conversationID, text, opts)

	s.mu.Lock()
	if errors.Is(err, client.ErrSessionInvalid) {
		s.resetLocked()
		s.mu.Unlock()
		return err
	}
	if s.epoch != epoch {
		// The timeline was replaced or closed while the send was in
		// flight; its result no longer has a home.
		s.mu.Unlock()
		return err
	}
	if err != nil {
		s.timeline = s.timeline[:base]
		s.state = StateOpen
		s.mu.Unlock()
		return err
	}

	s.timeline[base].Pending = false
	s.timeline = append(s.timeline, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: s.now(),
	})
	s.state = StateOpen
	s.mu.Unlock()

	// Second phase of the optimistic contract: the send already updated
	// this conversation's recency server-side, so re-fetch the list to
	// reconcile ordering. The send itself has succeeded; a failed
	// refresh only leaves the list stale.
	if s.refresher != nil {
		if rerr := s.refresher.Refresh(ctx); rerr != nil {
			if errors.Is(rerr, client.ErrSessionInvalid) {
				s.Close()
				return rerr
			}
			s.logger.Warn("list refresh after send failed", zap.Error(rerr))
		}
	}
	return nil
}

// Close discards the timeline unconditionally.
func (s *Session) Close() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// CloseIf closes the session only when the given conversation is the
// open one. Called when a conversation is deleted.
func (s *Session) CloseIf(conversationID string) {
	s.mu.Lock()
	if s.conversationID == conversationID {
		s.resetLocked()
	}
	s.mu.Unlock()
}

func (s *Session) resetLocked() {
	s.state = StateClosed
	s.conversationID = ""
	s.timeline = nil
	s.epoch++
}
