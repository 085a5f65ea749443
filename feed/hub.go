package feed

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tarefas/domain"
)

// ErrFeedClosed is returned by Subscribe after the hub has been closed.
var ErrFeedClosed = errors.New("feed closed")

const reconnectDelay = time.Second

// Source loads the full, ordered task list of one owner.
type Source interface {
	Refresh(ctx context.Context, owner string) ([]domain.TaskRecord, error)
}

// Snapshot is a complete replacement of an owner's visible task list.
type Snapshot struct {
	Seq   uint64
	Tasks []domain.TaskRecord
}

// Notification announces that an owner's task set changed.
type Notification struct {
	User string `json:"user"`
	ID   string `json:"id,omitempty"`
}

// Notify publishes a change notification for the owner on channel.
func Notify(ctx context.Context, rc *redis.Client, channel string, n Notification) error {
	payload, err := sonic.MarshalString(n)
	if err != nil {
		return err
	}
	return rc.Publish(ctx, channel, payload).Err()
}

type ownerFeed struct {
	// fetchMu serializes fetch and delivery so snapshots leave in order.
	fetchMu sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
}

// Hub fans store change notifications out to live per-owner subscriptions.
type Hub struct {
	source  Source
	redis   *redis.Client
	channel string
	poll    time.Duration
	logger  *log.Logger

	mu     sync.Mutex
	owners map[string]*ownerFeed
	closed bool
}

// NewHub creates a hub reading snapshots from source and change
// notifications from the Redis channel. A positive poll interval also
// refreshes every watched owner periodically.
func NewHub(source Source, rc *redis.Client, channel string, poll time.Duration, logger *log.Logger) *Hub {
	if source == nil {
		panic("feed.NewHub: source is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		source:  source,
		redis:   rc,
		channel: channel,
		poll:    poll,
		logger:  logger,
		owners:  make(map[string]*ownerFeed),
	}
}

// Subscribe registers a live subscription for owner. The first snapshot is
// loaded in the background; the subscription is released by Close or when
// ctx ends.
func (h *Hub) Subscribe(ctx context.Context, owner string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrFeedClosed
	}
	of, ok := h.owners[owner]
	if !ok {
		of = &ownerFeed{subs: make(map[*Subscription]struct{})}
		h.owners[owner] = of
	}
	sub := newSubscription(h, owner)
	of.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	go h.refresh(ctx, owner)
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	of, ok := h.owners[sub.owner]
	if !ok {
		return
	}
	delete(of.subs, sub)
	if len(of.subs) == 0 {
		delete(h.owners, sub.owner)
	}
}

// Watching reports how many live subscriptions exist for owner.
func (h *Hub) Watching(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if of, ok := h.owners[owner]; ok {
		return len(of.subs)
	}
	return 0
}

func (h *Hub) refresh(ctx context.Context, owner string) {
	h.mu.Lock()
	of, ok := h.owners[owner]
	h.mu.Unlock()
	if !ok {
		return
	}

	of.fetchMu.Lock()
	defer of.fetchMu.Unlock()

	tasks, err := h.source.Refresh(ctx, owner)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.WithError(err).WithField("user", owner).Warn("feed snapshot fetch failed")
		}
		return
	}
	of.seq++
	seq := of.seq

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(of.subs))
	for s := range of.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(Snapshot{Seq: seq, Tasks: slices.Clone(tasks)})
	}
}

func (h *Hub) refreshAll(ctx context.Context) {
	h.mu.Lock()
	owners := make([]string, 0, len(h.owners))
	for owner := range h.owners {
		owners = append(owners, owner)
	}
	h.mu.Unlock()
	for _, owner := range owners {
		h.refresh(ctx, owner)
	}
}

func (h *Hub) handle(ctx context.Context, payload string) {
	var n Notification
	if err := sonic.UnmarshalString(payload, &n); err != nil {
		h.logger.Errorf("unable to parse update: %v", err)
		return
	}
	if n.User == "" {
		h.logger.WithField("channel", h.channel).Warn("update without user - ignoring it")
		return
	}
	h.refresh(ctx, n.User)
}

// Run listens for change notifications until ctx ends, reconnecting when the
// pub/sub channel closes.
func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.poll > 0 {
		ticker := time.NewTicker(h.poll)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		sub := h.redis.Subscribe(ctx, h.channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				h.handle(ctx, msg.Payload)
			case <-tick:
				h.refreshAll(ctx)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.WithField("channel", h.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Close releases every live subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, of := range h.owners {
		for s := range of.subs {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
