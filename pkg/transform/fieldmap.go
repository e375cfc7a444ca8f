package transform

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/tidwall/gjson"
)

// FieldMapTransformer is a configuration-driven transformer: each output
// column is produced by evaluating a gjson path against the incoming payload
// document. It covers the common rename/reshape cases without custom code.
//
// Example mapping for the wire shape {"headers": [...], "record": {...}}:
//
//	customer: record.cust_name
//	total:    record.amount
type FieldMapTransformer struct {
	// ordered output columns; order is stable across calls.
	columns []string
	paths   map[string]string
}

// NewFieldMapTransformer validates a mapping of output column to gjson path.
// An empty mapping is invalid.
func NewFieldMapTransformer(mapping map[string]string) (*FieldMapTransformer, error) {
	const op = "transform.NewFieldMapTransformer"
	if len(mapping) == 0 {
		return nil, flowerr.New(flowerr.KindConfiguration, op, "field mapping cannot be empty")
	}
	columns := make([]string, 0, len(mapping))
	paths := make(map[string]string, len(mapping))
	for column, path := range mapping {
		if column == "" || path == "" {
			return nil, flowerr.New(flowerr.KindConfiguration, op, "field mapping entries need a column and a path")
		}
		columns = append(columns, column)
		paths[column] = path
	}
	sort.Strings(columns)
	return &FieldMapTransformer{columns: columns, paths: paths}, nil
}

// Transform implements RecordTransformer. Paths that resolve to nothing yield
// an empty string so the output schema stays uniform across messages.
func (t *FieldMapTransformer) Transform(_ context.Context, payload []byte) ([]byte, error) {
	const op = "FieldMapTransformer.Transform"
	if !gjson.ValidBytes(payload) {
		return nil, flowerr.New(flowerr.KindTransform, op, "payload is not valid JSON")
	}
	record := make(map[string]string, len(t.columns))
	for _, column := range t.columns {
		record[column] = gjson.GetBytes(payload, t.paths[column]).String()
	}
	out, err := json.Marshal(messaging.Payload{Headers: t.columns, Record: record})
	if err != nil {
		return nil, flowerr.Wrap(err, flowerr.KindTransform, op, "failed to serialize output")
	}
	return out, nil
}
