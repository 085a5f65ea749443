package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRecord is returned when a stored row does not carry the
// expected task fields.
var ErrMalformedRecord = errors.New("malformed task record")

// TaskRecord is a single task owned by one user, as listed on the board.
type TaskRecord struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	User    string    `json:"user"`
	Tarefa  string    `json:"tarefa"`
	Public  bool      `json:"public"`
}

// NewTask is a create request travelling through the command queue.
type NewTask struct {
	CommandID string    `json:"commandId"`
	Tarefa    string    `json:"tarefa"`
	Created   time.Time `json:"created"`
	User      string    `json:"user"`
	Public    bool      `json:"public"`
}

// Identity is the authenticated owner resolved for a request.
type Identity struct {
	Email string `json:"email"`
}

// storedTask mirrors the persisted field names. Pointers distinguish missing
// properties from zero values.
type storedTask struct {
	Tarefa  *string          `json:"tarefa"`
	Created *json.RawMessage `json:"created"`
	User    *string          `json:"user"`
	Public  *bool            `json:"public"`
}

// DecodeTaskRecord builds a TaskRecord from a stored row. All four wire
// fields are mandatory.
func DecodeTaskRecord(id string, data []byte) (TaskRecord, error) {
	var raw storedTask
	if err := json.Unmarshal(data, &raw); err != nil {
		return TaskRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	switch {
	case raw.Tarefa == nil:
		return TaskRecord{}, fmt.Errorf("%w: missing tarefa", ErrMalformedRecord)
	case raw.Created == nil:
		return TaskRecord{}, fmt.Errorf("%w: missing created", ErrMalformedRecord)
	case raw.User == nil:
		return TaskRecord{}, fmt.Errorf("%w: missing user", ErrMalformedRecord)
	case raw.Public == nil:
		return TaskRecord{}, fmt.Errorf("%w: missing public", ErrMalformedRecord)
	}
	created, err := parseCreated(*raw.Created)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("%w: created: %v", ErrMalformedRecord, err)
	}
	return TaskRecord{
		ID:      id,
		Created: created,
		User:    *raw.User,
		Tarefa:  *raw.Tarefa,
		Public:  *raw.Public,
	}, nil
}

// parseCreated accepts RFC 3339 strings (Edm.DateTime) and unix milliseconds.
func parseCreated(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported value %s", string(raw))
}
