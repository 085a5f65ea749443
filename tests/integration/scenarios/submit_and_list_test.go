package scenarios

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"tarefas/domain"
)

func TestSubmittedTaskBecomesVisibleToOwnerOnly(t *testing.T) {
	owner := uniqueEmail("owner")
	client := newClient(t, owner)

	tarefa := fmt.Sprintf("comprar pão %d", time.Now().UnixNano())
	status, res := submit(t, client, tarefa, true)
	if status != http.StatusAccepted || res.Outcome != "accepted" {
		t.Fatalf("expected accepted, got %d %+v", status, res)
	}
	if res.Draft != (domain.Draft{}) {
		t.Fatalf("draft not reset after acceptance: %+v", res.Draft)
	}

	tasks := pollTasks(t, client, "task to be projected", hasTarefa(tarefa))
	for _, tk := range tasks {
		if tk.User != owner {
			t.Fatalf("foreign task on board: %+v", tk)
		}
		if tk.Tarefa == tarefa && !tk.Public {
			t.Fatalf("public flag lost: %+v", tk)
		}
	}

	other := newClient(t, uniqueEmail("other"))
	var page tasksPage
	if _, err := other.GetJSON("/api/tasks", &page); err != nil {
		t.Fatalf("list as other: %v", err)
	}
	if hasTarefa(tarefa)(page.Tasks) {
		t.Fatal("task visible to another user")
	}
}

func TestTasksListedNewestFirst(t *testing.T) {
	client := newClient(t, uniqueEmail("order"))
	first := fmt.Sprintf("primeira %d", time.Now().UnixNano())
	second := fmt.Sprintf("segunda %d", time.Now().UnixNano())
	if status, _ := submit(t, client, first, false); status != http.StatusAccepted {
		t.Fatalf("submit first: %d", status)
	}
	pollTasks(t, client, "first task", hasTarefa(first))
	if status, _ := submit(t, client, second, false); status != http.StatusAccepted {
		t.Fatalf("submit second: %d", status)
	}
	tasks := pollTasks(t, client, "second task", hasTarefa(second))
	if len(tasks) < 2 || tasks[0].Tarefa != second || tasks[1].Tarefa != first {
		t.Fatalf("unexpected order %+v", tasks)
	}
}

func TestEmptySubmissionIsIgnored(t *testing.T) {
	client := newClient(t, uniqueEmail("empty"))
	status, res := submit(t, client, "", true)
	if status != http.StatusOK || res.Outcome != "ignored" {
		t.Fatalf("expected ignored, got %d %+v", status, res)
	}
	if !res.Draft.Public {
		t.Fatalf("ignored submission must keep the draft: %+v", res.Draft)
	}
}

func TestUnauthenticatedAccess(t *testing.T) {
	client := newClient(t, uniqueEmail("anon"))
	client.Bearer = ""

	var body map[string]string
	resp, err := client.GetJSON("/api/tasks", &body)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = noRedirect.Get(client.BaseURL + "/dashboard")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("expected redirect to landing, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}
