package chat

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/healthmon/healthchat/internal/client"
	"github.com/healthmon/healthchat/internal/models"
)

const twoMessages = `{"success": true, "messages": [
	{"role": "user", "content": "how did I sleep?", "created_at": "2024-01-02T10:00:00"},
	{"role": "assistant", "content": "Quite well.", "created_at": "2024-01-02T10:00:05"}
]}`

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestOpenLoadsTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap := sess.Snapshot()
	if snap.State != StateOpen || snap.ConversationID != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Messages) != 2 ||
		snap.Messages[0].Role != models.RoleUser ||
		snap.Messages[1].Role != models.RoleAssistant {
		t.Errorf("timeline = %+v", snap.Messages)
	}
}

func TestOpenNotFoundStaysClosed(t *testing.T) {
	var sendRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/missing/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "Chat not found or unauthorized"}`))
	})
	mux.HandleFunc("/api/chat/missing/message", func(w http.ResponseWriter, r *http.Request) {
		sendRequests.Add(1)
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	err := sess.Open(context.Background(), "missing")
	if !client.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if snap := sess.Snapshot(); snap.State != StateClosed {
		t.Fatalf("session must stay closed after a failed open, got %v", snap.State)
	}

	// A send with no open conversation fails locally, before the network.
	sendErr := sess.Send(context.Background(), "hello", models.SendOptions{})
	var vErr *ValidationError
	if !errors.As(sendErr, &vErr) {
		t.Fatalf("expected ValidationError, got %v", sendErr)
	}
	if sendRequests.Load() != 0 {
		t.Errorf("send without an open conversation must not reach the network")
	}
}

func TestOpenReplacesPreviousTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/b/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "messages": [{"role": "user", "content": "new chat", "created_at": "2024-01-03T08:00:00"}]}`))
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open a: %v", err)
	}
	if err := sess.Open(context.Background(), "b"); err != nil {
		t.Fatalf("Open b: %v", err)
	}

	snap := sess.Snapshot()
	if snap.ConversationID != "b" || len(snap.Messages) != 1 || snap.Messages[0].Content != "new chat" {
		t.Errorf("previous timeline must be discarded, got %+v", snap)
	}
}

func TestSendSuccessOrderingAndRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "response": "hi"}`))
	})
	refresher := &fakeRefresher{}
	sess := NewSession(testAPI(t, mux), refresher, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.Send(context.Background(), "hello", models.SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := sess.Snapshot()
	if snap.State != StateOpen {
		t.Errorf("state = %v, want open", snap.State)
	}
	n := len(snap.Messages)
	if n != 4 {
		t.Fatalf("timeline has %d messages, want 4: %+v", n, snap.Messages)
	}
	user, bot := snap.Messages[n-2], snap.Messages[n-1]
	if user.Role != models.RoleUser || user.Content != "hello" || user.Pending {
		t.Errorf("confirmed user message = %+v", user)
	}
	if bot.Role != models.RoleAssistant || bot.Content != "hi" {
		t.Errorf("assistant message = %+v", bot)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("successful send must trigger one list refresh, got %d", refresher.calls.Load())
	}
}

func TestSecondSendRejectedWhilePending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sendRequests atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		sendRequests.Add(1)
		close(started)
		<-release
		w.Write([]byte(`{"success": true, "response": "done"}`))
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- sess.Send(context.Background(), "first", models.SendOptions{})
	}()
	<-started

	// The optimistic placeholder is already visible.
	snap := sess.Snapshot()
	if !snap.SendPending {
		t.Errorf("snapshot should report a pending send")
	}
	if last := snap.Messages[len(snap.Messages)-1]; !last.Pending || last.Content != "first" {
		t.Errorf("placeholder = %+v", last)
	}

	err := sess.Send(context.Background(), "second", models.SendOptions{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("second send should fail local validation, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if sendRequests.Load() != 1 {
		t.Errorf("server saw %d sends, want 1", sendRequests.Load())
	}
}

func TestSendFailureRollsBackTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "Failed to send message"}`))
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := sess.Snapshot()

	var apiErr *client.APIError
	if err := sess.Send(context.Background(), "doomed", models.SendOptions{}); !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}

	after := sess.Snapshot()
	if after.State != StateOpen {
		t.Errorf("state = %v, want open", after.State)
	}
	if !reflect.DeepEqual(before.Messages, after.Messages) {
		t.Errorf("timeline after rollback differs:\nbefore: %+v\nafter:  %+v", before.Messages, after.Messages)
	}
}

func TestSendEmptyTextRejected(t *testing.T) {
	var requests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	err := sess.Send(context.Background(), "   \n", models.SendOptions{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if requests.Load() != 0 {
		t.Errorf("empty send must not reach the network")
	}
	if snap := sess.Snapshot(); len(snap.Messages) != 2 {
		t.Errorf("no placeholder may be created for a rejected send: %+v", snap.Messages)
	}
}

func TestDeleteOfOpenConversationClosesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoChats))
	})
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})
	mux.HandleFunc("/api/chat/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})

	api := testAPI(t, mux)
	reg := NewRegistry(api, zap.NewNop())
	sess := NewSession(api, reg, zap.NewNop())
	reg.OnDelete(sess.CloseIf)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Deleting another conversation leaves the open one alone.
	if err := reg.Delete(context.Background(), "b"); err != nil {
		t.Fatalf("Delete b: %v", err)
	}
	if snap := sess.Snapshot(); snap.State != StateOpen || snap.ConversationID != "a" {
		t.Fatalf("deleting an unrelated conversation changed the session: %+v", snap)
	}

	// Deleting the open conversation closes its timeline.
	if err := reg.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	if snap := sess.Snapshot(); snap.State != StateClosed || len(snap.Messages) != 0 {
		t.Errorf("session should be closed after its conversation was deleted: %+v", snap)
	}
}

func TestInvalidationDuringSendResetsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	sess := NewSession(testAPI(t, mux), nil, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.Send(context.Background(), "hello", models.SendOptions{}); !errors.Is(err, client.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}

	snap := sess.Snapshot()
	if snap.State != StateClosed || len(snap.Messages) != 0 {
		t.Errorf("invalidation must empty the session, got %+v", snap)
	}
}

func TestRefreshFailureDoesNotUndoSend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoMessages))
	})
	mux.HandleFunc("/api/chat/a/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "response": "hi"}`))
	})
	refresher := &fakeRefresher{err: &client.APIError{StatusCode: 500, Message: "boom"}}
	sess := NewSession(testAPI(t, mux), refresher, zap.NewNop())

	if err := sess.Open(context.Background(), "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.Send(context.Background(), "hello", models.SendOptions{}); err != nil {
		t.Fatalf("a failed refresh must not fail the send: %v", err)
	}
	if snap := sess.Snapshot(); len(snap.Messages) != 4 {
		t.Errorf("send result discarded after refresh failure: %+v", snap.Messages)
	}
}
