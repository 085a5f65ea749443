package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tarefas/domain"
	"tarefas/feed"
)

const channel = "updates"

type memorySource struct {
	mu    sync.Mutex
	tasks map[string][]domain.TaskRecord
}

func (m *memorySource) Refresh(ctx context.Context, owner string) ([]domain.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskRecord(nil), m.tasks[owner]...), nil
}

func (m *memorySource) set(owner string, tasks ...domain.TaskRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[owner] = tasks
}

type fixture struct {
	src *memorySource
	hub *feed.Hub
	rc  *redis.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	src := &memorySource{tasks: map[string][]domain.TaskRecord{}}
	hub := feed.NewHub(src, rc, channel, 0, log.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		rc.Close()
		m.Close()
	})
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)
	return &fixture{src: src, hub: hub, rc: rc}
}

func (f *fixture) publish(t *testing.T, owner string) {
	t.Helper()
	if err := feed.Notify(context.Background(), f.rc, channel, feed.Notification{User: owner}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func taskIDs(tasks []domain.TaskRecord) string {
	out := ""
	for i, task := range tasks {
		if i > 0 {
			out += ","
		}
		out += task.ID
	}
	return out
}

func record(id, owner string, created time.Time) domain.TaskRecord {
	return domain.TaskRecord{ID: id, User: owner, Tarefa: id, Created: created}
}

func TestViewLifecycle(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.src.set("a@x.com", record("t1", "a@x.com", base))

	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, NewGateway(&fakeAppender{}, log.New()), log.New())
	if v.State() != StateInactive {
		t.Fatalf("unexpected initial state: %v", v.State())
	}
	if len(v.Tasks()) != 0 {
		t.Fatal("list should be empty before the first snapshot")
	}
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer v.Deactivate()

	waitFor(t, func() bool { return v.State() == StateLive })
	if got := taskIDs(v.Tasks()); got != "t1" {
		t.Fatalf("unexpected tasks: %s", got)
	}

	// snapshots replace the list wholesale, never merge
	f.src.set("a@x.com",
		record("t3", "a@x.com", base.Add(2*time.Minute)),
		record("t2", "a@x.com", base.Add(time.Minute)),
	)
	f.publish(t, "a@x.com")
	waitFor(t, func() bool { return taskIDs(v.Tasks()) == "t3,t2" })
}

func TestViewKeepsFeedOrder(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// deliberately not newest first: the view must not re-sort
	f.src.set("a@x.com", record("t1", "a@x.com", base), record("t3", "a@x.com", base.Add(time.Hour)))

	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, nil, log.New())
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer v.Deactivate()
	waitFor(t, func() bool { return v.State() == StateLive })
	if got := taskIDs(v.Tasks()); got != "t1,t3" {
		t.Fatalf("view reordered snapshot: %s", got)
	}
}

func TestViewUnauthenticated(t *testing.T) {
	v := NewView(domain.Identity{}, nil, nil, log.New())
	if v.State() != StateUnauthenticated {
		t.Fatalf("unexpected state: %v", v.State())
	}
	if err := v.Activate(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := v.Submit(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestViewDeactivateReleasesSubscription(t *testing.T) {
	f := newFixture(t)
	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, nil, log.New())
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if n := f.hub.Watching("a@x.com"); n != 1 {
		t.Fatalf("expected a single subscription, got %d", n)
	}
	v.Deactivate()
	v.Deactivate()
	if n := f.hub.Watching("a@x.com"); n != 0 {
		t.Fatalf("expected subscription to be released, got %d", n)
	}
	if v.State() != StateInactive {
		t.Fatalf("unexpected state: %v", v.State())
	}
}

func TestViewReactivatesAfterFeedEndsSubscription(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.src.set("a@x.com", record("t1", "a@x.com", base))

	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, nil, log.New())
	ctx, cancel := context.WithCancel(context.Background())
	if err := v.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	waitFor(t, func() bool { return v.State() == StateLive })

	cancel()
	waitFor(t, func() bool { return v.State() == StateInactive })
	if n := f.hub.Watching("a@x.com"); n != 0 {
		t.Fatalf("expected subscription to be released, got %d", n)
	}

	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	defer v.Deactivate()
	if n := f.hub.Watching("a@x.com"); n != 1 {
		t.Fatalf("expected a fresh subscription, got %d", n)
	}
	f.src.set("a@x.com", record("t2", "a@x.com", base.Add(time.Minute)), record("t1", "a@x.com", base))
	f.publish(t, "a@x.com")
	waitFor(t, func() bool { return taskIDs(v.Tasks()) == "t2,t1" })
}

func TestViewResubscribesOnIdentityChange(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.src.set("a@x.com", record("a1", "a@x.com", now))
	f.src.set("b@x.com", record("b1", "b@x.com", now))

	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, nil, log.New())
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer v.Deactivate()
	waitFor(t, func() bool { return taskIDs(v.Tasks()) == "a1" })

	if err := v.SetIdentity(domain.Identity{Email: "b@x.com"}); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	waitFor(t, func() bool { return taskIDs(v.Tasks()) == "b1" })
	if f.hub.Watching("a@x.com") != 0 || f.hub.Watching("b@x.com") != 1 {
		t.Fatal("expected subscription to move to the new owner")
	}

	// a record of a@x.com never reaches a view subscribed under b@x.com
	f.src.set("a@x.com", record("a2", "a@x.com", now), record("a1", "a@x.com", now))
	f.publish(t, "a@x.com")
	time.Sleep(100 * time.Millisecond)
	if got := taskIDs(v.Tasks()); got != "b1" {
		t.Fatalf("foreign records leaked into view: %s", got)
	}
}

func TestViewDraftAndSubmit(t *testing.T) {
	f := newFixture(t)
	store := &fakeAppender{}
	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, NewGateway(store, log.New()), log.New())
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer v.Deactivate()
	waitFor(t, func() bool { return v.State() == StateLive })

	// empty submission is a no-op and keeps the draft
	v.SetDraftPublic(true)
	out, err := v.Submit(context.Background())
	if err != nil || out != OutcomeIgnored {
		t.Fatalf("expected ignored, got %v %v", out, err)
	}
	if d := v.Draft(); !d.Public {
		t.Fatalf("empty submission cleared the draft: %+v", d)
	}

	v.SetDraftText("Buy milk")
	out, err = v.Submit(context.Background())
	if err != nil || out != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v %v", out, err)
	}
	if d := v.Draft(); d != (domain.Draft{}) {
		t.Fatalf("draft not cleared: %+v", d)
	}
	written := store.written()
	if len(written) != 1 || written[0].Tarefa != "Buy milk" || !written[0].Public || written[0].User != "a@x.com" {
		t.Fatalf("unexpected writes: %+v", written)
	}
	// the new task is not inserted locally; it arrives with the next snapshot
	if len(v.Tasks()) != 0 {
		t.Fatalf("submission must not touch the list: %+v", v.Tasks())
	}
	f.src.set("a@x.com", record("new", "a@x.com", written[0].Created))
	f.publish(t, "a@x.com")
	waitFor(t, func() bool { return taskIDs(v.Tasks()) == "new" })
	if v.State() != StateLive {
		t.Fatalf("unexpected state after submit: %v", v.State())
	}
}

func TestViewKeepsDraftOnWriteFailure(t *testing.T) {
	store := &fakeAppender{err: errors.New("permission denied")}
	v := NewView(domain.Identity{Email: "a@x.com"}, nil, NewGateway(store, log.New()), log.New())
	v.SetDraftText("retry me")
	v.SetDraftPublic(true)

	out, err := v.Submit(context.Background())
	if out != OutcomeFailed || err == nil {
		t.Fatalf("expected failure, got %v %v", out, err)
	}
	if d := v.Draft(); d.Tarefa != "retry me" || !d.Public {
		t.Fatalf("draft should be kept for resubmission: %+v", d)
	}
}

func TestViewUpdatesSignal(t *testing.T) {
	f := newFixture(t)
	v := NewView(domain.Identity{Email: "a@x.com"}, f.hub, nil, log.New())
	if err := v.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer v.Deactivate()
	select {
	case <-v.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected update signal for first snapshot")
	}
}
