package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"tarefas/config"
)

// storage-init provisions the tasks table and the command queue. Safe to
// rerun: existing resources are left alone.
func main() {
	cfg, err := config.LoadStorage()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx := context.Background()
	if err := createTable(ctx, cfg.StorageConnection, cfg.TasksTable); err != nil {
		log.Fatalf("create table %s: %v", cfg.TasksTable, err)
	}
	if err := createQueue(ctx, cfg.StorageConnection, cfg.CommandQueue); err != nil {
		log.Fatalf("create queue %s: %v", cfg.CommandQueue, err)
	}

	log.WithFields(log.Fields{
		"table": cfg.TasksTable,
		"queue": cfg.CommandQueue,
	}).Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
		return err
	}
	log.WithField("table", name).Debug("table ready")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
		return err
	}
	log.WithField("queue", name).Debug("queue ready")
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
