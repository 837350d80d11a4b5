// Package chat holds the client-side conversation state: the ordered
// conversation list and the message timeline of the currently open
// conversation. Both are mutated only through server round trips, with
// optimistic updates rolled back on failure, and both reset to empty
// the moment the session is invalidated.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/healthmon/healthchat/internal/client"
	"github.com/healthmon/healthchat/internal/models"
	"go.uber.org/zap"
)

// Registry maintains the local ordered view of the conversation list.
// Every mutation delegates to the server first and applies locally only
// on success; a failed operation leaves the list untouched.
type Registry struct {
	api    *client.Client
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations []models.Conversation
	onDelete      func(id string)
}

func NewRegistry(api *client.Client, logger *zap.Logger) *Registry {
	return &Registry{
		api:    api,
		logger: logger,
		now:    time.Now,
	}
}

// OnDelete registers a hook invoked after a conversation has been
// deleted, with the deleted id. Used to close the open timeline when
// its conversation disappears.
func (r *Registry) OnDelete(fn func(id string)) {
	r.onDelete = fn
}

// Conversations returns a snapshot copy of the local list.
func (r *Registry) Conversations() []models.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Conversation, len(r.conversations))
	copy(out, r.conversations)
	return out
}

// Refresh fetches the conversation list and replaces the local view
// wholesale. Reconciliation is full replacement, never a merge, so the
// server's recency ordering is authoritative.
func (r *Registry) Refresh(ctx context.Context) error {
	chats, err := r.api.ListChats(ctx)
	if err != nil {
		return r.fail(err)
	}
	r.mu.Lock()
	r.conversations = chats
	r.mu.Unlock()
	return nil
}

// DefaultName synthesizes a conversation name from a timestamp, in the
// same short month/day plus local time shape the service's other
// clients use.
func DefaultName(t time.Time) string {
	return t.Format("Chat Jan 2 3:04 PM")
}

// Create creates a conversation, inserts it at the head of the local
// list, and returns its id. An empty name gets a timestamp-derived
// default. The caller is expected to open the new conversation next.
func (r *Registry) Create(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName(r.now())
	}

	id, err := r.api.CreateChat(ctx, name)
	if err != nil {
		return "", r.fail(err)
	}

	r.mu.Lock()
	r.conversations = append([]models.Conversation{{
		ID:        id,
		Name:      name,
		UpdatedAt: r.now(),
	}}, r.conversations...)
	r.mu.Unlock()

	r.logger.Info("created conversation", zap.String("chat_id", id), zap.String("name", name))
	return id, nil
}

// Rename changes a conversation's name. The local entry is updated in
// place: position and updatedAt are untouched, because renaming is not
// activity.
func (r *Registry) Rename(ctx context.Context, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return &ValidationError{Reason: "conversation name cannot be empty"}
	}

	if err := r.api.RenameChat(ctx, id, newName); err != nil {
		return r.fail(err)
	}

	r.mu.Lock()
	for i := range r.conversations {
		if r.conversations[i].ID == id {
			r.conversations[i].Name = newName
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Delete removes a conversation. Confirmation is the interaction
// layer's responsibility; by the time Delete is called the decision is
// final. On success the entry is dropped from the local list and the
// OnDelete hook fires so an open timeline for this id gets closed.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.api.DeleteChat(ctx, id); err != nil {
		return r.fail(err)
	}

	r.mu.Lock()
	kept := r.conversations[:0]
	for _, conv := range r.conversations {
		if conv.ID != id {
			kept = append(kept, conv)
		}
	}
	r.conversations = kept
	r.mu.Unlock()

	if r.onDelete != nil {
		r.onDelete(id)
	}
	r.logger.Info("deleted conversation", zap.String("chat_id", id))
	return nil
}

// fail routes an operation error: session invalidation empties the
// local list (the view belongs to a session that no longer exists),
// anything else leaves it exactly as it was.
func (r *Registry) fail(err error) error {
	if errors.Is(err, client.ErrSessionInvalid) {
		r.mu.Lock()
		r.conversations = nil
		r.mu.Unlock()
	}
	return err
}
