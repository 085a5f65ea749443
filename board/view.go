package board

import (
	"context"
	"errors"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"tarefas/domain"
	"tarefas/feed"
)

// ErrUnauthenticated is returned when a view without identity is used.
var ErrUnauthenticated = errors.New("view has no authenticated identity")

// State is the lifecycle position of a view.
type State int

const (
	StateUnauthenticated State = iota
	StateInactive
	StateSubscribing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateInactive:
		return "inactive"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	}
	return "unknown"
}

// Feed opens owner-scoped live subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, owner string) (*feed.Subscription, error)
}

// Submitter accepts drafts for an owner.
type Submitter interface {
	Submit(ctx context.Context, owner string, draft domain.Draft) (Outcome, error)
}

// View holds what one mounted board shows: the latest snapshot from the feed
// and the draft being typed. The task list is only ever replaced as a whole.
type View struct {
	feed    Feed
	gateway Submitter
	logger  *log.Logger
	updates chan struct{}

	mu       sync.Mutex
	identity domain.Identity
	tasks    []domain.TaskRecord
	draft    domain.Draft
	live     bool
	parent   context.Context
	sub      *feed.Subscription
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// NewView creates an inactive view for identity.
func NewView(identity domain.Identity, f Feed, g Submitter, logger *log.Logger) *View {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &View{
		feed:     f,
		gateway:  g,
		logger:   logger,
		updates:  make(chan struct{}, 1),
		identity: identity,
		tasks:    []domain.TaskRecord{},
	}
}

// Activate subscribes the view to its owner's feed. Activating an active
// view is a no-op.
func (v *View) Activate(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identity.Email == "" {
		return ErrUnauthenticated
	}
	if v.sub != nil {
		return nil
	}
	v.parent = ctx
	return v.subscribeLocked()
}

func (v *View) subscribeLocked() error {
	ctx, cancel := context.WithCancel(v.parent)
	sub, err := v.feed.Subscribe(ctx, v.identity.Email)
	if err != nil {
		cancel()
		return err
	}
	v.sub = sub
	v.cancel = cancel
	v.live = false
	v.pumpDone = make(chan struct{})
	go v.pump(sub, v.pumpDone)
	return nil
}

func (v *View) pump(sub *feed.Subscription, done chan struct{}) {
	defer close(done)
	for snap := range sub.Snapshots() {
		v.mu.Lock()
		if v.sub != sub {
			v.mu.Unlock()
			return
		}
		v.tasks = snap.Tasks
		if v.tasks == nil {
			v.tasks = []domain.TaskRecord{}
		}
		v.live = true
		v.mu.Unlock()
		v.notify()
	}

	// the feed ended the subscription; the view can be activated again
	v.mu.Lock()
	if v.sub != sub {
		v.mu.Unlock()
		return
	}
	cancel := v.cancel
	v.sub, v.cancel, v.pumpDone = nil, nil, nil
	v.live = false
	v.mu.Unlock()
	cancel()
	v.notify()
}

func (v *View) notify() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Deactivate releases the feed subscription. The last snapshot stays
// readable.
func (v *View) Deactivate() {
	v.mu.Lock()
	sub, cancel, done := v.sub, v.cancel, v.pumpDone
	v.sub, v.cancel, v.pumpDone = nil, nil, nil
	v.live = false
	v.mu.Unlock()
	release(sub, cancel, done)
}

func release(sub *feed.Subscription, cancel context.CancelFunc, done chan struct{}) {
	if sub == nil {
		return
	}
	sub.Close()
	cancel()
	<-done
}

// SetIdentity switches the owner the view follows. An active view drops its
// list and resubscribes for the new owner.
func (v *View) SetIdentity(identity domain.Identity) error {
	v.mu.Lock()
	if identity == v.identity {
		v.mu.Unlock()
		return nil
	}
	v.identity = identity
	v.tasks = []domain.TaskRecord{}
	v.live = false
	sub, cancel, done := v.sub, v.cancel, v.pumpDone
	v.sub, v.cancel, v.pumpDone = nil, nil, nil
	v.mu.Unlock()

	release(sub, cancel, done)
	v.notify()
	if sub == nil {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identity.Email == "" {
		return ErrUnauthenticated
	}
	if v.sub != nil {
		return nil
	}
	return v.subscribeLocked()
}

// Identity returns the owner the view follows.
func (v *View) Identity() domain.Identity {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.identity
}

// State reports where the view is in its lifecycle.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.identity.Email == "":
		return StateUnauthenticated
	case v.sub == nil:
		return StateInactive
	case !v.live:
		return StateSubscribing
	default:
		return StateLive
	}
}

// Updates signals after each snapshot replacement. Signals coalesce.
func (v *View) Updates() <-chan struct{} { return v.updates }

// Tasks returns the most recently delivered snapshot, in feed order.
func (v *View) Tasks() []domain.TaskRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.tasks)
}

// Draft returns the current input.
func (v *View) Draft() domain.Draft {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// SetDraftText replaces the draft body.
func (v *View) SetDraftText(text string) {
	v.mu.Lock()
	v.draft.Tarefa = text
	v.mu.Unlock()
}

// SetDraftPublic sets the draft visibility flag.
func (v *View) SetDraftPublic(public bool) {
	v.mu.Lock()
	v.draft.Public = public
	v.mu.Unlock()
}

// Submit sends the current draft. The draft is cleared only once the store
// acknowledged the write; the new task shows up with a later snapshot.
func (v *View) Submit(ctx context.Context) (Outcome, error) {
	v.mu.Lock()
	identity, draft := v.identity, v.draft
	v.mu.Unlock()
	if identity.Email == "" {
		return OutcomeFailed, ErrUnauthenticated
	}

	out, err := v.gateway.Submit(ctx, identity.Email, draft)
	if out == OutcomeAccepted {
		v.mu.Lock()
		v.draft.Reset()
		v.mu.Unlock()
	}
	return out, err
}
