package domain

// Draft is the unsaved input for a task that has not been submitted yet.
type Draft struct {
	Tarefa string `json:"tarefa"`
	Public bool   `json:"public"`
}

// Empty reports whether submitting the draft would be a no-op.
func (d Draft) Empty() bool {
	return d.Tarefa == ""
}

// Reset returns the draft to its initial empty, private state.
func (d *Draft) Reset() {
	*d = Draft{}
}
