package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"github.com/johanlelan/entitysource/domain"
)

const maxAppendRetries = 5

// TableLog stores events in Azure Table Storage. Each aggregate is one
// partition; the row key is the zero-padded version, so rows come back in
// replay order and an insert on an already-taken version fails with 409.
// That conflict is the optimistic check serializing same-aggregate appends.
type TableLog struct {
	client *aztables.Client
}

// NewTableLog creates a TableLog from a connection string and table name.
func NewTableLog(connStr, table string) (*TableLog, error) {
	opts := aztables.ClientOptions{
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
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableLog{client: svc.NewClient(table)}, nil
}

type eventRow struct {
	aztables.Entity
	Data string `json:"Data"`
}

func rowKey(version int64) string {
	return fmt.Sprintf("%020d", version)
}

// Append writes the event with the next free version for its aggregate. On a
// version conflict the head is re-read and the insert retried.
func (l *TableLog) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	key := Key(ev.AggregateKind, ev.AggregateID)
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		head, err := l.headVersion(ctx, key)
		if err != nil {
			return domain.Event{}, &domain.StorageError{Op: "append", Err: err}
		}
		ev.Version = head + 1
		ev.Timestamp = nextTimestamp()

		data, err := json.Marshal(ev)
		if err != nil {
			return domain.Event{}, &domain.StorageError{Op: "append", Err: err}
		}
		row := map[string]any{
			"PartitionKey": key,
			"RowKey":       rowKey(ev.Version),
			"Data":         string(data),
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return domain.Event{}, &domain.StorageError{Op: "append", Err: err}
		}
		_, err = l.client.AddEntity(ctx, payload, nil)
		if err == nil {
			return ev, nil
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 409 {
			// another writer took this version, retry against the new head
			continue
		}
		return domain.Event{}, &domain.StorageError{Op: "append", Err: err}
	}
	return domain.Event{}, &domain.StorageError{Op: "append", Err: fmt.Errorf("version conflict persisted after %d attempts", maxAppendRetries)}
}

func (l *TableLog) headVersion(ctx context.Context, key string) (int64, error) {
	filter := "PartitionKey eq '" + escapeODataString(key) + "'"
	sel := "RowKey"
	pager := l.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var head int64
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		head += int64(len(resp.Entities))
	}
	return head, nil
}

// ReadAll returns every event for the aggregate in ascending version order.
// Table Storage yields rows sorted by row key, which encodes the version.
func (l *TableLog) ReadAll(ctx context.Context, kind, aggregateID string) ([]domain.Event, error) {
	filter := "PartitionKey eq '" + escapeODataString(Key(kind, aggregateID)) + "'"
	pager := l.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &domain.StorageError{Op: "read", Err: err}
		}
		for _, e := range resp.Entities {
			var row eventRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, &domain.StorageError{Op: "read", Err: err}
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(row.Data), &ev); err != nil {
				return nil, &domain.StorageError{Op: "read", Err: err}
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// Clear deletes every row in the table. Operational tooling only.
func (l *TableLog) Clear(ctx context.Context) error {
	pager := l.client.NewListEntitiesPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return &domain.StorageError{Op: "clear", Err: err}
		}
		for _, e := range resp.Entities {
			var row eventRow
			if err := json.Unmarshal(e, &row); err != nil {
				continue
			}
			if _, err := l.client.DeleteEntity(ctx, row.PartitionKey, row.RowKey, nil); err != nil {
				return &domain.StorageError{Op: "clear", Err: err}
			}
		}
	}
	return nil
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
