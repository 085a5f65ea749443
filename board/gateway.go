package board

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tarefas/domain"
)

// ErrNoOwner is returned when a submission carries no owner identity.
var ErrNoOwner = errors.New("task owner is required")

// Outcome is the result of a submission.
type Outcome int

const (
	// OutcomeIgnored means the draft was empty and nothing was written.
	OutcomeIgnored Outcome = iota
	// OutcomeAccepted means the store acknowledged the write.
	OutcomeAccepted
	// OutcomeFailed means the write was rejected or never reached the store.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Appender hands a create request to the store's write path.
type Appender interface {
	EnqueueTask(ctx context.Context, t domain.NewTask) error
}

// Gateway turns drafts into create requests. It never touches local list
// state: new tasks only become visible through the feed.
type Gateway struct {
	store  Appender
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

// NewGateway creates a gateway writing through store.
func NewGateway(store Appender, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{store: store, logger: logger, now: time.Now, newID: uuid.NewString}
}

// Submit writes one new task for owner. Empty drafts are ignored without
// error. Write failures are logged and returned with OutcomeFailed.
func (g *Gateway) Submit(ctx context.Context, owner string, draft domain.Draft) (Outcome, error) {
	if draft.Empty() {
		return OutcomeIgnored, nil
	}
	if owner == "" {
		return OutcomeFailed, ErrNoOwner
	}
	t := domain.NewTask{
		CommandID: g.newID(),
		Tarefa:    draft.Tarefa,
		Created:   g.now().UTC(),
		User:      owner,
		Public:    draft.Public,
	}
	if err := g.store.EnqueueTask(ctx, t); err != nil {
		g.logger.WithError(err).WithFields(log.Fields{"user": owner, "command": t.CommandID}).Error("task submission failed")
		return OutcomeFailed, err
	}
	g.logger.WithFields(log.Fields{"user": owner, "command": t.CommandID}).Debug("task submitted")
	return OutcomeAccepted, nil
}
