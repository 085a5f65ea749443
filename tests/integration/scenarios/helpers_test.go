package scenarios

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"tarefas/api"
	"tarefas/domain"
	"tarefas/tests/integration/httpclient"
)

type tasksPage struct {
	Tasks []domain.TaskRecord `json:"tasks"`
}

type submitResult struct {
	Outcome string       `json:"outcome"`
	Draft   domain.Draft `json:"draft"`
	Error   string       `json:"error"`
}

func apiBase() string {
	if base := os.Getenv("API_BASE"); base != "" {
		return strings.TrimRight(base, "/")
	}
	return "http://localhost:8080"
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%d@integration.test", prefix, time.Now().UnixNano())
}

// newClient returns a client signed in as email. The scenario is skipped
// when no stack is running.
func newClient(t *testing.T, email string) *httpclient.Client {
	t.Helper()
	base := apiBase()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Skipf("skipping, API not reachable: %v", err)
	}
	resp.Body.Close()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		t.Skip("skipping, TEST_JWT_SECRET not set")
	}
	token, _, err := api.NewSessions([]byte(secret), time.Hour, false).Issue(email, domain.Identity{Email: email})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return httpclient.New(base, token)
}

// projectionSLA is how long a submitted task may take to reach the board.
// PROJECTION_SLA overrides config.test.yaml.
func projectionSLA() time.Duration {
	if d, err := time.ParseDuration(os.Getenv("PROJECTION_SLA")); err == nil && d > 0 {
		return d
	}
	sla := 10 * time.Second
	data, err := os.ReadFile("../config.test.yaml")
	if err != nil {
		return sla
	}
	var cfg struct {
		ProjectionSLAMs int `yaml:"projection_visibility_sla_ms"`
	}
	if err := yaml.Unmarshal(data, &cfg); err == nil && cfg.ProjectionSLAMs > 0 {
		sla = time.Duration(cfg.ProjectionSLAMs) * time.Millisecond
	}
	return sla
}

// pollTasks polls /api/tasks until cond holds or the projection SLA passes.
func pollTasks(t *testing.T, client *httpclient.Client, desc string, cond func([]domain.TaskRecord) bool) []domain.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(projectionSLA())
	backoff := 200 * time.Millisecond
	for {
		var page tasksPage
		resp, err := client.GetJSON("/api/tasks", &page)
		if err == nil && resp.StatusCode == http.StatusOK && cond(page.Tasks) {
			return page.Tasks
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s: %v", desc, err)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func hasTarefa(tarefa string) func([]domain.TaskRecord) bool {
	return func(ts []domain.TaskRecord) bool {
		for _, tk := range ts {
			if tk.Tarefa == tarefa {
				return true
			}
		}
		return false
	}
}

func submit(t *testing.T, client *httpclient.Client, tarefa string, public bool, headers ...string) (int, submitResult) {
	t.Helper()
	var out submitResult
	resp, err := client.PostJSON("/api/tasks", map[string]any{"tarefa": tarefa, "public": public}, &out, headers...)
	if err != nil {
		t.Fatalf("submit %q: %v", tarefa, err)
	}
	return resp.StatusCode, out
}
