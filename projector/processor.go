package projector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tarefas/domain"
	"tarefas/feed"
	"tarefas/storage"
)

const defaultIdleDelay = time.Second

var errInvalidCommand = errors.New("invalid task command")

// Queue yields queued create commands.
type Queue interface {
	Dequeue(ctx context.Context) (*storage.Message, error)
	Delete(ctx context.Context, msg *storage.Message) error
}

// Writer persists tasks into the table.
type Writer interface {
	InsertTask(ctx context.Context, t domain.NewTask) (domain.TaskRecord, error)
}

// Evictor drops cached snapshots.
type Evictor interface {
	Evict(ctx context.Context, owner string) error
}

// Processor applies queued commands to the task table and announces each
// change on the updates channel.
type Processor struct {
	queue   Queue
	writer  Writer
	cache   Evictor
	redis   *redis.Client
	channel string
	idle    time.Duration
	logger  *log.Logger
}

// New creates a processor. cache may be nil.
func New(queue Queue, writer Writer, cache Evictor, rc *redis.Client, channel string, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		queue:   queue,
		writer:  writer,
		cache:   cache,
		redis:   rc,
		channel: channel,
		idle:    defaultIdleDelay,
		logger:  logger,
	}
}

// Run processes commands until ctx ends.
func (p *Processor) Run(ctx context.Context) {
	p.logger.WithField("channel", p.channel).Info("projector started")
	for {
		handled, err := p.processOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.WithError(err).Error("projector: process command")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idle):
		}
	}
}

// processOne handles at most one message. It reports whether a message was
// taken from the queue.
func (p *Processor) processOne(ctx context.Context) (bool, error) {
	msg, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	cmd, err := decodeCommand(msg.Text)
	if err != nil {
		p.logger.WithError(err).WithField("message", msg.ID).Error("dropping undecodable command")
		return true, p.queue.Delete(ctx, msg)
	}

	rec, err := p.writer.InsertTask(ctx, cmd)
	if err != nil {
		// left on the queue; it becomes visible again after the timeout
		return true, err
	}
	if p.cache != nil {
		if err := p.cache.Evict(ctx, rec.User); err != nil {
			p.logger.WithError(err).WithField("user", rec.User).Warn("failed to evict tasks cache entry")
		}
	}
	if p.redis != nil {
		if err := feed.Notify(ctx, p.redis, p.channel, feed.Notification{User: rec.User, ID: rec.ID}); err != nil {
			p.logger.WithError(err).WithField("user", rec.User).Errorf("unable to publish update to %s", p.channel)
		}
	}
	p.logger.WithFields(log.Fields{"user": rec.User, "task": rec.ID}).Debug("task applied")
	return true, p.queue.Delete(ctx, msg)
}

func decodeCommand(text string) (domain.NewTask, error) {
	var cmd domain.NewTask
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		return domain.NewTask{}, err
	}
	if cmd.CommandID == "" || cmd.User == "" || cmd.Tarefa == "" || cmd.Created.IsZero() {
		return domain.NewTask{}, errInvalidCommand
	}
	return cmd, nil
}
