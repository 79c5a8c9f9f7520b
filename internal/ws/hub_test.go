package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pliu/npchat/internal/models"
)

type fakeListener struct {
	id  string
	err error

	mu     sync.Mutex
	events []models.Event
}

func (l *fakeListener) ID() string { return l.id }

func (l *fakeListener) Notify(_ context.Context, e models.Event) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *fakeListener) received() []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

type staticChats map[int64][]int64

func (s staticChats) GetUserChatIDs(_ context.Context, userID int64) ([]int64, error) {
	return s[userID], nil
}

func startHub(t *testing.T, source ChatSource, logger *zap.Logger) *Hub {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	hub := NewHub(source, logger, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestNotifyMessageSkipsSender(t *testing.T) {
	// chat 7 holds users 1, 2, 3
	hub := startHub(t, staticChats{1: {7}, 2: {7}, 3: {7}}, nil)
	ctx := context.Background()

	listeners := map[int64]*fakeListener{}
	for _, id := range []int64{1, 2, 3} {
		l := &fakeListener{id: fmt.Sprint("listener-", id)}
		listeners[id] = l
		if err := hub.Subscribe(ctx, id, l); err != nil {
			t.Fatalf("Subscribe(%d): %v", id, err)
		}
	}

	m := models.Message{ID: 1, ChatID: 7, SenderID: 1, Content: models.MessageContent{Text: "hi"}}
	n, err := hub.NotifyMessage(ctx, models.EventMessage, m, 1)
	if err != nil {
		t.Fatalf("NotifyMessage: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 listeners notified, got %d", n)
	}
	if got := listeners[1].received(); len(got) != 0 {
		t.Errorf("sender received its own message: %+v", got)
	}
	for _, id := range []int64{2, 3} {
		got := listeners[id].received()
		if len(got) != 1 || got[0].Type != models.EventMessage {
			t.Errorf("user %d received %+v", id, got)
		}
	}
}

func TestNotifyDeliveredOnlyToSender(t *testing.T) {
	hub := startHub(t, staticChats{1: {7}, 2: {7}}, nil)
	ctx := context.Background()

	alice := &fakeListener{id: "a"}
	bob := &fakeListener{id: "b"}
	hub.Subscribe(ctx, 1, alice)
	hub.Subscribe(ctx, 2, bob)

	if err := hub.NotifyDelivered(ctx, 7, 42, 1); err != nil {
		t.Fatalf("NotifyDelivered: %v", err)
	}
	got := alice.received()
	if len(got) != 1 || got[0].Type != models.EventMessageDelivered {
		t.Fatalf("sender received %+v", got)
	}
	ref, ok := got[0].Payload.(models.MessageRefPayload)
	if !ok || ref.ChatID != 7 || ref.MessageID != 42 {
		t.Errorf("payload = %+v", got[0].Payload)
	}
	if len(bob.received()) != 0 {
		t.Errorf("recipient should not see the delivered notice")
	}
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	hub := startHub(t, staticChats{1: {7}, 2: {7}, 3: {7}}, zap.New(core))
	ctx := context.Background()

	broken := &fakeListener{id: "broken", err: errors.New("connection reset")}
	healthy := &fakeListener{id: "healthy"}
	hub.Subscribe(ctx, 1, &fakeListener{id: "sender"})
	hub.Subscribe(ctx, 2, broken)
	hub.Subscribe(ctx, 3, healthy)

	n, err := hub.NotifyMessage(ctx, models.EventMessage, models.Message{ID: 1, ChatID: 7, SenderID: 1}, 1)
	if err != nil {
		t.Fatalf("NotifyMessage: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 successful listener, got %d", n)
	}
	if len(healthy.received()) != 1 {
		t.Errorf("healthy listener missed the message")
	}
	if logs.FilterMessage("listener notify failed").Len() != 1 {
		t.Errorf("expected the failure to be logged once, got %v", logs.All())
	}
}

func TestFirstSubscribeRegistersChats(t *testing.T) {
	hub := startHub(t, staticChats{2: {7, 8}}, nil)
	ctx := context.Background()

	bob := &fakeListener{id: "b"}
	hub.Subscribe(ctx, 2, bob)

	for _, chatID := range []int64{7, 8} {
		if _, err := hub.NotifyChat(ctx, chatID, 1, models.Event{Type: models.EventChatAdded}); err != nil {
			t.Fatalf("NotifyChat: %v", err)
		}
	}
	if got := len(bob.received()); got != 2 {
		t.Errorf("expected events from both existing chats, got %d", got)
	}
}

func TestMembershipChanges(t *testing.T) {
	hub := startHub(t, nil, nil)
	ctx := context.Background()

	bob := &fakeListener{id: "b"}
	hub.Subscribe(ctx, 2, bob)

	if err := hub.RegisterChatParticipants(ctx, 9, []int64{1, 2}); err != nil {
		t.Fatalf("RegisterChatParticipants: %v", err)
	}
	hub.NotifyChat(ctx, 9, 1, models.Event{Type: models.EventMessageEdited})
	if err := hub.UnregisterParticipant(ctx, 9, 2); err != nil {
		t.Fatalf("UnregisterParticipant: %v", err)
	}
	hub.NotifyChat(ctx, 9, 1, models.Event{Type: models.EventMessageEdited})
	hub.RegisterChatParticipants(ctx, 9, []int64{2})
	hub.RemoveChat(ctx, 9)
	hub.NotifyChat(ctx, 9, 1, models.Event{Type: models.EventMessageEdited})

	if got := len(bob.received()); got != 1 {
		t.Errorf("expected exactly one event while a member, got %d", got)
	}
}

func TestUnsubscribeCountsRemaining(t *testing.T) {
	hub := startHub(t, nil, nil)
	ctx := context.Background()

	hub.Subscribe(ctx, 1, &fakeListener{id: "phone"})
	hub.Subscribe(ctx, 1, &fakeListener{id: "laptop"})

	n, err := hub.Unsubscribe(ctx, 1, "phone")
	if err != nil || n != 1 {
		t.Fatalf("Unsubscribe = %d, %v", n, err)
	}
	n, _ = hub.Unsubscribe(ctx, 1, "laptop")
	if n != 0 {
		t.Errorf("expected no listeners left, got %d", n)
	}
	if err := hub.NotifyUser(ctx, 1, models.Event{Type: models.EventContactsUpdated}); !errors.Is(err, ErrNoListener) {
		t.Errorf("NotifyUser with no listeners: got %v", err)
	}
}

func TestStoppedHub(t *testing.T) {
	hub := NewHub(nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if err := hub.Subscribe(context.Background(), 1, &fakeListener{id: "x"}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Subscribe after stop: got %v", err)
	}
}

type testSession struct {
	userID int64
	hub    *Hub

	mu     sync.Mutex
	frames []Frame
}

func (s *testSession) UserID() int64 { return s.userID }

func (s *testSession) SubscribeToEvents(ctx context.Context, l Listener) error {
	return s.hub.Subscribe(ctx, s.userID, l)
}

func (s *testSession) UnsubscribeFromEvents(ctx context.Context, l Listener) error {
	_, err := s.hub.Unsubscribe(ctx, s.userID, l.ID())
	return err
}

func (s *testSession) HandleFrame(_ context.Context, f Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func TestServeWsDeliversEvents(t *testing.T) {
	// connection goroutines can outlive the test, so they log to a nop logger
	hub := startHub(t, staticChats{2: {7}}, zap.NewNop())
	sess := &testSession{userID: 2, hub: hub}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(w, r, sess, Options{NewID: func() string { return "conn-1" }}, zap.NewNop())
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: "mark_read", Payload: json.RawMessage(`{"message_ids":[1]}`)}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	// the subscription happens after the upgrade; retry until it is live
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := hub.NotifyChat(ctx, 7, 1, models.MessageEvent(models.EventMessage, models.Message{ID: 5, ChatID: 7, SenderID: 1}))
		if err != nil {
			t.Fatalf("NotifyChat: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    models.EventType `json:"type"`
		Payload struct {
			Message struct {
				ID int64 `json:"id"`
			} `json:"message"`
		} `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != models.EventMessage || got.Payload.Message.ID != 5 {
		t.Errorf("received %+v", got)
	}

	var frames []Frame
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		frames = slices.Clone(sess.frames)
		sess.mu.Unlock()
		if len(frames) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(frames) != 1 || frames[0].Type != "mark_read" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestRejectFrame(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := newClient("listener-1", 1, nil, 1, zap.New(core))
	ctx := context.Background()
	f := Frame{Type: "bogus"}

	c.rejectFrame(ctx, f, errors.New("unknown frame type"))
	var got models.Event
	if err := json.Unmarshal(<-c.send, &got); err != nil || got.Type != models.EventError {
		t.Fatalf("error frame = %+v, %v", got, err)
	}
	if n := logs.FilterMessage("error frame dropped").Len(); n != 0 {
		t.Errorf("queued error frame logged as dropped %d times", n)
	}

	// fill the buffer so the next reply cannot be queued
	c.send <- []byte("{}")
	c.rejectFrame(ctx, f, errors.New("unknown frame type"))
	dropped := logs.FilterMessage("error frame dropped").All()
	if len(dropped) != 1 {
		t.Fatalf("dropped entries = %d, want 1", len(dropped))
	}
	if err, _ := dropped[0].ContextMap()["error"].(string); err != ErrSlowListener.Error() {
		t.Errorf("dropped error = %q, want %q", err, ErrSlowListener.Error())
	}
}
