package main

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	eventMessage      = "observability.event"
	tasksEventDomain  = "tarefas.tasks"
	attrPrefix        = "tarefas.tasks."
	attrHTTPStatus    = "http.status_code"
	attrErrorStage    = attrPrefix + "error_stage"
	attrOutcome       = attrPrefix + "outcome"
	attrTasksReturned = attrPrefix + "tasks_returned"
)

// logRecord is one JSON log line written by the api request metrics.
type logRecord struct {
	Msg          string         `json:"msg"`
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (s *numericStats) add(v float64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	}
	s.Count++
	s.Sum += v
	s.Min = math.Min(s.Min, v)
	s.Max = math.Max(s.Max, v)
}

func (s *numericStats) summary() numericSummary {
	if s == nil || s.Count == 0 {
		return numericSummary{}
	}
	return numericSummary{Count: s.Count, Min: s.Min, Max: s.Max, Avg: s.Sum / float64(s.Count)}
}

type numericSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type eventStats struct {
	count     int
	severity  map[string]int
	status    map[string]int
	outcomes  map[string]int
	stages    map[string]int
	durations map[string]*numericStats
	tasks     numericStats
}

type eventSummary struct {
	Count          int                       `json:"count"`
	SeverityCounts map[string]int            `json:"severity_counts"`
	StatusCounts   map[string]int            `json:"status_counts"`
	Outcomes       map[string]int            `json:"outcomes,omitempty"`
	ErrorStages    map[string]int            `json:"error_stages,omitempty"`
	DurationMs     map[string]numericSummary `json:"duration_ms"`
	TasksReturned  *numericSummary           `json:"tasks_returned,omitempty"`
}

type summaryOutput struct {
	EventDomain  string                  `json:"event_domain"`
	TotalEvents  int                     `json:"total_events"`
	Events       map[string]eventSummary `json:"events"`
	SkippedLines int                     `json:"skipped_lines"`
}

// collector aggregates observability.event lines by event name.
type collector struct {
	domain  string
	events  map[string]*eventStats
	total   int
	skipped int
}

func newCollector(domain string) *collector {
	return &collector{domain: domain, events: make(map[string]*eventStats)}
}

func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	// docker compose prefixes lines with "service |"
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	if err := sonic.UnmarshalString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.Msg != eventMessage || rec.EventName == "" {
		return
	}
	if c.domain != "" && rec.EventDomain != c.domain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	s, ok := c.events[rec.EventName]
	if !ok {
		s = &eventStats{
			severity:  make(map[string]int),
			status:    make(map[string]int),
			outcomes:  make(map[string]int),
			stages:    make(map[string]int),
			durations: make(map[string]*numericStats),
		}
		c.events[rec.EventName] = s
	}
	c.total++
	s.count++

	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	s.severity[severity]++

	for key, raw := range rec.Attributes {
		switch {
		case key == attrHTTPStatus:
			if v, ok := asFloat(raw); ok {
				s.status[strconv.Itoa(int(v))]++
			}
		case key == attrOutcome:
			if v, ok := raw.(string); ok {
				s.outcomes[v]++
			}
		case key == attrErrorStage:
			if v, ok := raw.(string); ok && v != "" {
				s.stages[v]++
			}
		case key == attrTasksReturned:
			if v, ok := asFloat(raw); ok {
				s.tasks.add(v)
			}
		case strings.HasPrefix(key, attrPrefix) && strings.HasSuffix(key, "_ms"):
			if v, ok := asFloat(raw); ok {
				name := strings.TrimSuffix(strings.TrimPrefix(key, attrPrefix), "_ms")
				if s.durations[name] == nil {
					s.durations[name] = &numericStats{}
				}
				s.durations[name].add(v)
			}
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func (c *collector) summary() summaryOutput {
	out := summaryOutput{
		EventDomain:  c.domain,
		TotalEvents:  c.total,
		Events:       make(map[string]eventSummary, len(c.events)),
		SkippedLines: c.skipped,
	}
	for name, s := range c.events {
		es := eventSummary{
			Count:          s.count,
			SeverityCounts: s.severity,
			StatusCounts:   s.status,
			DurationMs:     make(map[string]numericSummary, len(s.durations)),
		}
		if len(s.outcomes) > 0 {
			es.Outcomes = s.outcomes
		}
		if len(s.stages) > 0 {
			es.ErrorStages = s.stages
		}
		for k, d := range s.durations {
			es.DurationMs[k] = d.summary()
		}
		if s.tasks.Count > 0 {
			ts := s.tasks.summary()
			es.TasksReturned = &ts
		}
		out.Events[name] = es
	}
	return out
}

// ShortString renders one line per event for CI logs.
func (s summaryOutput) ShortString() string {
	names := make([]string, 0, len(s.Events))
	for name := range s.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d events (%d skipped lines)", s.TotalEvents, s.SkippedLines)
	for _, name := range names {
		e := s.Events[name]
		total := e.DurationMs["total"]
		fmt.Fprintf(&b, "\n  %s: count=%d errors=%d warns=%d total_ms avg=%.2f max=%.2f",
			name, e.Count, e.SeverityCounts["ERROR"], e.SeverityCounts["WARN"], total.Avg, total.Max)
	}
	return b.String()
}
