package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
)

// NotificationType classifies a user-facing message.
type NotificationType string

const (
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
	NotifyInfo    NotificationType = "info"
)

// Notification is a short-lived message for the user.
type Notification struct {
	ID        string           `json:"id"`
	Wallet    string           `json:"wallet,omitempty"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`

	seq uint64
}

// Notifier holds notifications until they expire and fans them out to
// subscribers. Subscribers that fall behind miss messages rather than block.
type Notifier struct {
	ttl     time.Duration
	items   *cache.Cache
	events  natspkg.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]chan Notification
}

// NewNotifier creates a Notifier whose messages expire after ttl.
// events and m may be nil.
func NewNotifier(ttl time.Duration, events natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		ttl:     ttl,
		items:   cache.New(ttl, ttl*2),
		events:  events,
		metrics: m,
		logger:  logger,
		subs:    make(map[int]chan Notification),
	}
}

// Notify records a notification, delivers it to subscribers and mirrors it
// to the event stream when one is configured.
func (n *Notifier) Notify(ctx context.Context, wallet string, typ NotificationType, message string) Notification {
	now := time.Now().UTC()

	n.mu.Lock()
	n.seq++
	note := Notification{
		ID:        fmt.Sprintf("n-%d", n.seq),
		Wallet:    wallet,
		Type:      typ,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(n.ttl),
		seq:       n.seq,
	}
	n.items.Set(note.ID, note, n.ttl)
	for _, ch := range n.subs {
		select {
		case ch <- note:
		default:
		}
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordNotification(string(typ))
	}
	n.logger.DebugContext(ctx, "notification", "type", typ, "message", message)

	if n.events != nil && wallet != "" {
		err := n.events.PublishNotification(ctx, &natspkg.NotificationEvent{
			ID:        note.ID,
			Wallet:    wallet,
			Type:      string(typ),
			Message:   message,
			CreatedAt: note.CreatedAt,
			ExpiresAt: note.ExpiresAt,
		})
		if err != nil {
			n.logger.WarnContext(ctx, "failed to publish notification", "error", err)
		}
	}
	return note
}

// Active returns unexpired notifications, oldest first.
func (n *Notifier) Active() []Notification {
	notes := lo.MapToSlice(n.items.Items(), func(_ string, item cache.Item) Notification {
		return item.Object.(Notification)
	})
	sort.Slice(notes, func(i, j int) bool { return notes[i].seq < notes[j].seq })
	return notes
}

// Dismiss removes a notification before it expires.
func (n *Notifier) Dismiss(id string) bool {
	if _, ok := n.items.Get(id); !ok {
		return false
	}
	n.items.Delete(id)
	return true
}

// Subscribe returns a channel of new notifications and a function that
// unsubscribes and closes it.
func (n *Notifier) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}
