package main

import (
	"strings"
	"testing"
)

func TestCollectorAggregatesEventsByName(t *testing.T) {
	c := newCollector(tasksEventDomain)
	lines := []string{
		`{"level":"info","msg":"observability.event","event.name":"tasks.list","event.domain":"tarefas.tasks","severity_text":"INFO","attributes":{"http.status_code":200,"tarefas.tasks.total_ms":40.5,"tarefas.tasks.fetch_ms":10.2,"tarefas.tasks.tasks_returned":12}}`,
		`not json`,
		`tarefas-api  | {"level":"warning","msg":"observability.event","event.name":"tasks.submit","event.domain":"tarefas.tasks","severity_text":"WARN","attributes":{"http.status_code":409,"tarefas.tasks.total_ms":3,"tarefas.tasks.outcome":"duplicate"}}`,
		`{"level":"error","msg":"observability.event","event.name":"tasks.submit","event.domain":"tarefas.tasks","severity_text":"ERROR","attributes":{"http.status_code":502,"tarefas.tasks.total_ms":7,"tarefas.tasks.outcome":"failed","tarefas.tasks.error_stage":"enqueue"}}`,
		`{"level":"info","msg":"observability.event","event.name":"tasks.list","event.domain":"other","severity_text":"INFO"}`,
		`{"level":"info","msg":"projector: applied","user":"a@x.com"}`,
	}
	for _, line := range lines {
		c.ingest(line)
	}

	s := c.summary()
	if s.TotalEvents != 3 || s.SkippedLines != 1 {
		t.Fatalf("unexpected totals: %d events, %d skipped", s.TotalEvents, s.SkippedLines)
	}
	list := s.Events["tasks.list"]
	if list.Count != 1 || list.StatusCounts["200"] != 1 {
		t.Fatalf("unexpected list summary %+v", list)
	}
	if list.DurationMs["fetch"].Count != 1 || list.TasksReturned == nil || list.TasksReturned.Max != 12 {
		t.Fatalf("unexpected list stats %+v", list)
	}
	submit := s.Events["tasks.submit"]
	if submit.Count != 2 || submit.Outcomes["duplicate"] != 1 || submit.ErrorStages["enqueue"] != 1 {
		t.Fatalf("unexpected submit summary %+v", submit)
	}
	if total := submit.DurationMs["total"]; total.Count != 2 || total.Avg != 5 {
		t.Fatalf("unexpected total duration %+v", total)
	}
	if !strings.Contains(s.ShortString(), "tasks.submit: count=2 errors=1 warns=1") {
		t.Fatalf("unexpected short string %q", s.ShortString())
	}
}
