package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tarefas/domain"
)

type fakeAppender struct {
	mu    sync.Mutex
	tasks []domain.NewTask
	err   error
}

func (f *fakeAppender) EnqueueTask(ctx context.Context, t domain.NewTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeAppender) written() []domain.NewTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NewTask(nil), f.tasks...)
}

func fixedGateway(store Appender, logger *log.Logger, now time.Time) *Gateway {
	g := NewGateway(store, logger)
	g.now = func() time.Time { return now }
	g.newID = func() string { return "cmd-1" }
	return g
}

func TestSubmitWritesTaskRecord(t *testing.T) {
	store := &fakeAppender{}
	now := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	g := fixedGateway(store, log.New(), now)

	out, err := g.Submit(context.Background(), "a@x.com", domain.Draft{Tarefa: "Buy milk", Public: false})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out != OutcomeAccepted {
		t.Fatalf("unexpected outcome: %v", out)
	}
	written := store.written()
	if len(written) != 1 {
		t.Fatalf("expected one write, got %d", len(written))
	}
	want := domain.NewTask{CommandID: "cmd-1", Tarefa: "Buy milk", Created: now, User: "a@x.com", Public: false}
	if written[0] != want {
		t.Fatalf("unexpected write: %+v", written[0])
	}
}

func TestSubmitIgnoresEmptyBody(t *testing.T) {
	store := &fakeAppender{}
	g := NewGateway(store, log.New())

	out, err := g.Submit(context.Background(), "a@x.com", domain.Draft{Public: true})
	if err != nil || out != OutcomeIgnored {
		t.Fatalf("expected ignored submission, got %v %v", out, err)
	}
	if len(store.written()) != 0 {
		t.Fatal("empty submission must not write")
	}
}

func TestSubmitLogsAndReturnsWriteFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := &fakeAppender{err: errors.New("store unreachable")}
	g := NewGateway(store, logger)

	out, err := g.Submit(context.Background(), "a@x.com", domain.Draft{Tarefa: "x"})
	if out != OutcomeFailed || err == nil {
		t.Fatalf("expected failure, got %v %v", out, err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error log entry, got %#v", entry)
	}
	if entry.Data["user"] != "a@x.com" {
		t.Fatalf("expected user field, got %v", entry.Data)
	}
}

func TestSubmitRequiresOwner(t *testing.T) {
	store := &fakeAppender{}
	g := NewGateway(store, log.New())
	if _, err := g.Submit(context.Background(), "", domain.Draft{Tarefa: "x"}); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
	if len(store.written()) != 0 {
		t.Fatal("ownerless submission must not write")
	}
}
