package ws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/models"
)

var (
	ErrHubStopped = errors.New("hub stopped")
	ErrNoListener = errors.New("no listener accepted the event")
)

const DefaultListenerTimeout = 250 * time.Millisecond

// Listener is an opaque push target. The hub keeps it by ID only until it
// is unsubscribed. Notify must not call back into the hub.
type Listener interface {
	ID() string
	Notify(ctx context.Context, e models.Event) error
}

// ChatSource lists the chats a user belongs to.
type ChatSource interface {
	GetUserChatIDs(ctx context.Context, userID int64) ([]int64, error)
}

type subscription struct {
	userID   int64
	listener Listener
	chatIDs  []int64
	reply    chan struct{}
}

type unsubscription struct {
	userID     int64
	listenerID string
	reply      chan int
}

type membership struct {
	chatID  int64
	userIDs []int64
	remove  bool
	dropAll bool
	reply   chan struct{}
}

type broadcast struct {
	event models.Event
	// chatID > 0 targets the chat's participants minus exclude; otherwise
	// userID is the only target.
	chatID  int64
	exclude int64
	userID  int64
	reply   chan int
}

// Hub routes events to listeners. All state is owned by the Run goroutine;
// the exported methods queue requests and wait for the answer.
type Hub struct {
	// Registered listeners per user.
	listeners map[int64]map[string]Listener

	// Participants per chat.
	chats map[int64]map[int64]struct{}

	subscribe   chan subscription
	unsubscribe chan unsubscription
	members     chan membership
	broadcast   chan broadcast
	done        chan struct{}

	source  ChatSource
	timeout time.Duration
	logger  *zap.Logger
}

func NewHub(source ChatSource, logger *zap.Logger, listenerTimeout time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listenerTimeout <= 0 {
		listenerTimeout = DefaultListenerTimeout
	}
	return &Hub{
		listeners:   make(map[int64]map[string]Listener),
		chats:       make(map[int64]map[int64]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan unsubscription),
		members:     make(chan membership),
		broadcast:   make(chan broadcast),
		done:        make(chan struct{}),
		source:      source,
		timeout:     listenerTimeout,
		logger:      logger,
	}
}

// Run processes requests until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.subscribe:
			h.handleSubscribe(s)
			close(s.reply)
		case u := <-h.unsubscribe:
			u.reply <- h.handleUnsubscribe(u)
		case m := <-h.members:
			h.handleMembership(m)
			close(m.reply)
		case b := <-h.broadcast:
			b.reply <- h.handleBroadcast(ctx, b)
		}
	}
}

func (h *Hub) handleSubscribe(s subscription) {
	set, ok := h.listeners[s.userID]
	if !ok {
		set = make(map[string]Listener)
		h.listeners[s.userID] = set
		for _, chatID := range s.chatIDs {
			h.addMembers(chatID, s.userID)
		}
	}
	set[s.listener.ID()] = s.listener
	h.logger.Debug("listener subscribed",
		zap.Int64("user_id", s.userID), zap.String("listener_id", s.listener.ID()), zap.Int("listeners", len(set)))
}

func (h *Hub) handleUnsubscribe(u unsubscription) int {
	set := h.listeners[u.userID]
	delete(set, u.listenerID)
	if len(set) == 0 {
		delete(h.listeners, u.userID)
	}
	h.logger.Debug("listener unsubscribed",
		zap.Int64("user_id", u.userID), zap.String("listener_id", u.listenerID), zap.Int("listeners", len(set)))
	return len(set)
}

func (h *Hub) addMembers(chatID int64, userIDs ...int64) {
	set, ok := h.chats[chatID]
	if !ok {
		set = make(map[int64]struct{})
		h.chats[chatID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

func (h *Hub) handleMembership(m membership) {
	switch {
	case m.dropAll:
		delete(h.chats, m.chatID)
	case m.remove:
		set := h.chats[m.chatID]
		for _, id := range m.userIDs {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(h.chats, m.chatID)
		}
	default:
		h.addMembers(m.chatID, m.userIDs...)
	}
}

func (h *Hub) handleBroadcast(ctx context.Context, b broadcast) int {
	var targets []int64
	if b.chatID > 0 {
		for id := range h.chats[b.chatID] {
			if id != b.exclude {
				targets = append(targets, id)
			}
		}
	} else {
		targets = []int64{b.userID}
	}

	delivered := 0
	for _, userID := range targets {
		for _, l := range h.listeners[userID] {
			if h.notify(ctx, userID, l, b.event) {
				delivered++
			}
		}
	}
	return delivered
}

// notify invokes one listener with a bounded context. A failure is logged
// and the listener stays registered.
func (h *Hub) notify(ctx context.Context, userID int64, l Listener, e models.Event) (ok bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("listener panicked",
				zap.Int64("user_id", userID), zap.String("listener_id", l.ID()), zap.Any("panic", r))
			ok = false
		}
	}()
	if err := l.Notify(ctx, e); err != nil {
		h.logger.Warn("listener notify failed",
			zap.Int64("user_id", userID), zap.String("listener_id", l.ID()),
			zap.String("event", string(e.Type)), zap.Error(err))
		return false
	}
	return true
}

// send queues req on ch, failing if the hub is stopped or ctx ends.
func send[T any](ctx context.Context, h *Hub, ch chan T, req T) error {
	select {
	case ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func wait[T any](ctx context.Context, h *Hub, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.done:
		return zero, ErrHubStopped
	}
}

// Subscribe registers l for userID. On the user's first listener, every
// chat the user belongs to is registered so existing chats route without
// an explicit join.
func (h *Hub) Subscribe(ctx context.Context, userID int64, l Listener) error {
	var chatIDs []int64
	if h.source != nil {
		ids, err := h.source.GetUserChatIDs(ctx, userID)
		if err != nil {
			return err
		}
		chatIDs = ids
	}
	req := subscription{userID: userID, listener: l, chatIDs: chatIDs, reply: make(chan struct{})}
	if err := send(ctx, h, h.subscribe, req); err != nil {
		return err
	}
	_, err := wait(ctx, h, req.reply)
	return err
}

// Unsubscribe removes the listener and returns how many listeners the user
// still has.
func (h *Hub) Unsubscribe(ctx context.Context, userID int64, listenerID string) (int, error) {
	req := unsubscription{userID: userID, listenerID: listenerID, reply: make(chan int, 1)}
	if err := send(ctx, h, h.unsubscribe, req); err != nil {
		return 0, err
	}
	return wait(ctx, h, req.reply)
}

func (h *Hub) updateMembers(ctx context.Context, m membership) error {
	m.reply = make(chan struct{})
	if err := send(ctx, h, h.members, m); err != nil {
		return err
	}
	_, err := wait(ctx, h, m.reply)
	return err
}

func (h *Hub) RegisterChatParticipants(ctx context.Context, chatID int64, userIDs []int64) error {
	return h.updateMembers(ctx, membership{chatID: chatID, userIDs: userIDs})
}

func (h *Hub) UnregisterParticipant(ctx context.Context, chatID, userID int64) error {
	return h.updateMembers(ctx, membership{chatID: chatID, userIDs: []int64{userID}, remove: true})
}

// RemoveChat forgets a deleted chat.
func (h *Hub) RemoveChat(ctx context.Context, chatID int64) error {
	return h.updateMembers(ctx, membership{chatID: chatID, dropAll: true})
}

func (h *Hub) publish(ctx context.Context, b broadcast) (int, error) {
	b.reply = make(chan int, 1)
	if err := send(ctx, h, h.broadcast, b); err != nil {
		return 0, err
	}
	return wait(ctx, h, b.reply)
}

// NotifyChat sends e to every participant of chatID except exclude and
// returns the number of listeners that accepted it.
func (h *Hub) NotifyChat(ctx context.Context, chatID, exclude int64, e models.Event) (int, error) {
	return h.publish(ctx, broadcast{event: e, chatID: chatID, exclude: exclude})
}

// NotifyMessage broadcasts a message event of type t to the message's chat,
// skipping the sender.
func (h *Hub) NotifyMessage(ctx context.Context, t models.EventType, m models.Message, senderID int64) (int, error) {
	return h.NotifyChat(ctx, m.ChatID, senderID, models.MessageEvent(t, m))
}

// NotifyUser sends e to all of userID's listeners. It fails with
// ErrNoListener if none accepted it.
func (h *Hub) NotifyUser(ctx context.Context, userID int64, e models.Event) error {
	n, err := h.publish(ctx, broadcast{event: e, userID: userID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoListener
	}
	return nil
}

// NotifyDelivered tells only the sender that a message reached someone.
func (h *Hub) NotifyDelivered(ctx context.Context, chatID, messageID, senderID int64) error {
	return h.NotifyUser(ctx, senderID, models.Event{
		Type:    models.EventMessageDelivered,
		Payload: models.MessageRefPayload{ChatID: chatID, MessageID: messageID},
	})
}

func (h *Hub) NotifyContactsUpdated(ctx context.Context, userID int64, contacts []models.Contact) error {
	return h.NotifyUser(ctx, userID, models.Event{
		Type:    models.EventContactsUpdated,
		Payload: models.ContactsPayload{Contacts: contacts},
	})
}
