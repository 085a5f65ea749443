package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"tarefas/config"
)

type queueList []string

func (q *queueList) String() string {
	if q == nil {
		return ""
	}
	return strings.Join(*q, ",")
}

func (q *queueList) Set(value string) error {
	if value == "" {
		return errors.New("queue name cannot be empty")
	}
	*q = append(*q, value)
	return nil
}

// depthReader reports the approximate number of messages waiting in a queue.
type depthReader interface {
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

func newQueueClient(connStr, name string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 5 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
}

// waitDrained returns once every queue reported empty on stableRequired
// consecutive polls. Used by load runs to know the projector caught up.
func waitDrained(ctx context.Context, interval time.Duration, stableRequired int, queues map[string]depthReader) error {
	if stableRequired < 1 {
		stableRequired = 1
	}
	stable := make(map[string]int, len(queues))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("waiting for %d queue(s) to drain", len(queues))
	for {
		done := true
		for name, q := range queues {
			resp, err := q.GetProperties(ctx, nil)
			if err != nil {
				return fmt.Errorf("get properties for %s: %w", name, err)
			}
			var count int32
			if resp.ApproximateMessagesCount != nil {
				count = *resp.ApproximateMessagesCount
			}
			if count > 0 {
				log.WithFields(log.Fields{"queue": name, "pending": count}).Info("queue not drained")
				stable[name] = 0
				done = false
				continue
			}
			stable[name]++
			if stable[name] < stableRequired {
				done = false
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		timeout        time.Duration
		interval       time.Duration
		stableRequired int
		queues         queueList
	)
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait for queues to drain")
	flag.DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	flag.IntVar(&stableRequired, "stable", 3, "number of consecutive empty polls required per queue")
	flag.Var(&queues, "queue", "queue name to monitor (repeatable, defaults to COMMAND_QUEUE)")
	flag.Parse()

	cfg, err := config.LoadStorage()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(queues) == 0 {
		queues = queueList{cfg.CommandQueue}
	}

	readers := make(map[string]depthReader, len(queues))
	for _, name := range queues {
		client, err := newQueueClient(cfg.StorageConnection, name)
		if err != nil {
			log.Fatalf("create client for %s: %v", name, err)
		}
		readers[name] = client
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := waitDrained(ctx, interval, stableRequired, readers); err != nil {
		log.Fatalf("queue wait failed: %v", err)
	}
	log.Info("all queues drained")
}
