package scenarios

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"tarefas/domain"
)

func TestDuplicateIdempotencyKeyCreatesOneTask(t *testing.T) {
	client := newClient(t, uniqueEmail("idem"))
	tarefa := fmt.Sprintf("pagar conta %d", time.Now().UnixNano())
	key := fmt.Sprintf("ik-%d", time.Now().UnixNano())

	if status, _ := submit(t, client, tarefa, false, "Idempotency-Key", key); status != http.StatusAccepted {
		t.Fatalf("first submit: %d", status)
	}
	if status, _ := submit(t, client, tarefa, false, "Idempotency-Key", key); status != http.StatusConflict {
		t.Fatalf("expected duplicate to conflict, got %d", status)
	}

	pollTasks(t, client, "task to be projected", hasTarefa(tarefa))
	// give a stray duplicate time to land
	time.Sleep(time.Second)
	tasks := pollTasks(t, client, "board to settle", func([]domain.TaskRecord) bool { return true })
	count := 0
	for _, tk := range tasks {
		if tk.Tarefa == tarefa {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one task, got %d", count)
	}
}
