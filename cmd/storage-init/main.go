package main

import (
	"context"
	"errors"
	"flag"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/config"
	"github.com/johanlelan/entitysource/transport"
)

func main() {
	reset := flag.Bool("reset", false, "delete all events and index documents before provisioning")
	flag.Parse()

	var cfg config.StorageInit
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx := context.Background()

	if *reset {
		if err := dropTables(ctx, cfg.StorageConnStr, []string{cfg.EventsTable, cfg.IndexTable}); err != nil {
			log.Fatalf("reset tables: %v", err)
		}
		log.Info("existing tables dropped")
	}

	if err := createTables(ctx, cfg.StorageConnStr, []string{cfg.EventsTable, cfg.IndexTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	queues := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		queues = append(queues, transport.QueueName(cfg.QueuePrefix, ch))
	}
	if err := createQueues(ctx, cfg.StorageConnStr, queues); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		_, err := c.CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

func dropTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		_, err := c.Delete(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.StatusCode == 404) {
				return err
			}
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}
