package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"tarefas/domain"
)

const edmDateTime = "Edm.DateTime"

type tableClient interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Storage provides access to the task table and the command queue.
type Storage struct {
	taskTable    tableClient
	commandQueue queueClient
	logger       *log.Logger
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, commandQueue string, logger *log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), commandQueue: cq, logger: logger}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Tarefa      string               `json:"tarefa"`
	Created     aztables.EDMDateTime `json:"created"`
	CreatedType string               `json:"created@odata.type"`
	User        string               `json:"user"`
	Public      bool                 `json:"public"`
}

// RowKey derives the store-assigned identifier of a task. Inverting the
// creation time makes the table's natural order newest first.
func RowKey(t domain.NewTask) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-t.Created.UnixNano(), t.CommandID)
}

// ListTasks returns every task owned by owner, newest first.
func (s *Storage) ListTasks(ctx context.Context, owner string) ([]domain.TaskRecord, error) {
	tasks := []domain.TaskRecord{}
	if owner == "" {
		return tasks, nil
	}
	filter := "PartitionKey eq '" + escapeFilterValue(owner) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var keys entityKeys
			if err := json.Unmarshal(e, &keys); err != nil {
				s.logger.WithError(err).WithField("user", owner).Warn("skipping undecodable task row")
				continue
			}
			rec, err := domain.DecodeTaskRecord(keys.RowKey, e)
			if err != nil {
				s.logger.WithError(err).WithFields(log.Fields{"user": owner, "task": keys.RowKey}).Warn("skipping malformed task row")
				continue
			}
			if rec.User != owner {
				s.logger.WithFields(log.Fields{"user": owner, "task": keys.RowKey, "owner": rec.User}).Warn("skipping task row owned by another user")
				continue
			}
			tasks = append(tasks, rec)
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func sortNewestFirst(tasks []domain.TaskRecord) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Created.After(tasks[j].Created)
	})
}

// InsertTask writes the task row. Re-applying the same command is not an
// error.
func (s *Storage) InsertTask(ctx context.Context, t domain.NewTask) (domain.TaskRecord, error) {
	// the table keeps 100ns ticks
	rec := domain.TaskRecord{
		ID:      RowKey(t),
		Created: t.Created.UTC().Truncate(100 * time.Nanosecond),
		User:    t.User,
		Tarefa:  t.Tarefa,
		Public:  t.Public,
	}
	ent := taskEntity{
		entityKeys:  entityKeys{PartitionKey: t.User, RowKey: rec.ID},
		Tarefa:      rec.Tarefa,
		Created:     aztables.EDMDateTime(rec.Created),
		CreatedType: edmDateTime,
		User:        rec.User,
		Public:      rec.Public,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.EntityAlreadyExists) {
			return rec, nil
		}
		return domain.TaskRecord{}, err
	}
	return rec, nil
}

// EnqueueTask sends a create command to the command queue.
func (s *Storage) EnqueueTask(ctx context.Context, t domain.NewTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.commandQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Message is a dequeued command awaiting deletion.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Dequeue retrieves a single message from the command queue. It returns nil
// when the queue is empty.
func (s *Storage) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := s.commandQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	if m == nil || m.MessageID == nil || m.PopReceipt == nil {
		return nil, errors.New("dequeued message without id or receipt")
	}
	msg := &Message{ID: *m.MessageID, PopReceipt: *m.PopReceipt}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, msg *Message) error {
	_, err := s.commandQueue.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
