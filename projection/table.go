package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/johanlelan/entitysource/domain"
)

// TableIndex stores index documents in Azure Table Storage, one partition
// per aggregate kind. The full state document is kept as a JSON column; the
// active flag and the last applied event timestamp are promoted so scans do
// not need to decode every row.
type TableIndex struct {
	client *aztables.Client
}

// NewTableIndex creates a TableIndex over the given table.
func NewTableIndex(connStr, table string) (*TableIndex, error) {
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
	return &TableIndex{client: svc.NewClient(table)}, nil
}

type indexRow struct {
	aztables.Entity
	Active             bool   `json:"Active"`
	Version            int64  `json:"Version,string"`
	VersionType        string `json:"Version@odata.type,omitempty"`
	EventTimestamp     int64  `json:"EventTimestamp,string"`
	EventTimestampType string `json:"EventTimestamp@odata.type,omitempty"`
	Doc                string `json:"Doc"`
}

// Get returns the document or nil when the row is missing.
func (t *TableIndex) Get(ctx context.Context, kind, id string) (*Document, error) {
	ent, err := t.client.GetEntity(ctx, kind, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	var row indexRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return nil, err
	}
	return rowToDocument(row)
}

func rowToDocument(row indexRow) (*Document, error) {
	var state domain.State
	if err := json.Unmarshal([]byte(row.Doc), &state); err != nil {
		return nil, err
	}
	return &Document{
		Kind:      row.PartitionKey,
		ID:        row.RowKey,
		Active:    row.Active,
		Version:   row.Version,
		Timestamp: row.EventTimestamp,
		State:     state,
	}, nil
}

// Upsert replaces the row for (doc.Kind, doc.ID).
func (t *TableIndex) Upsert(ctx context.Context, doc Document) error {
	stateJSON, err := json.Marshal(doc.State)
	if err != nil {
		return err
	}
	row := indexRow{
		Entity:             aztables.Entity{PartitionKey: doc.Kind, RowKey: doc.ID},
		Active:             doc.Active,
		Version:            doc.Version,
		VersionType:        "Edm.Int64",
		EventTimestamp:     doc.Timestamp,
		EventTimestampType: "Edm.Int64",
		Doc:                string(stateJSON),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = t.client.UpsertEntity(ctx, payload, nil)
	return err
}

// List scans the kind's partition and filters by the free-text query.
func (t *TableIndex) List(ctx context.Context, kind, query string) ([]Document, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(kind, "'", "''") + "'"
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row indexRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			doc, err := rowToDocument(row)
			if err != nil {
				return nil, err
			}
			if !matches(*doc, query) {
				continue
			}
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
