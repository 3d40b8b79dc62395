package cartstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaycart/internal/cart"
)

const snapshotSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["items", "timestamp"],
	"properties": {
		"items": {"type": "array"},
		"timestamp": {"type": "number"}
	}
}`

const lineItemSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["product", "quantity"],
	"properties": {
		"product": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "pattern": "\\S"},
				"name": {"type": "string"},
				"price": {"type": "number"},
				"imageUrl": {"type": "string"}
			}
		},
		"quantity": {"type": "integer", "minimum": 1},
		"addedAt": {"type": ["string", "null"]}
	}
}`

type snapshotSchemas struct {
	snapshot *jsonschema.Schema
	lineItem *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (snapshotSchemas, error) {
	snapshot, err := compileSchema("https://relaycart.local/schema/snapshot.json", snapshotSchemaJSON)
	if err != nil {
		return snapshotSchemas{}, err
	}
	lineItem, err := compileSchema("https://relaycart.local/schema/line-item.json", lineItemSchemaJSON)
	if err != nil {
		return snapshotSchemas{}, err
	}
	return snapshotSchemas{snapshot: snapshot, lineItem: lineItem}, nil
})

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return compiler.Compile(name)
}

// Snapshot is the persisted record: the cart items and the write time in unix ms.
type Snapshot struct {
	Items     []cart.LineItem `json:"items"`
	Timestamp int64           `json:"timestamp"`
}

// ParseSnapshot validates raw against the snapshot layout and returns the valid items.
// A record that is not a snapshot yields ErrCorruptSnapshot; one older than window
// yields ErrSnapshotExpired. Items that fail validation are dropped one by one.
func ParseSnapshot(raw []byte, now time.Time, window time.Duration) ([]cart.LineItem, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := schemas.snapshot.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	record := inst.(map[string]any)
	written, err := snapshotTime(record["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if window > 0 && now.Sub(written) > window {
		return nil, ErrSnapshotExpired
	}

	rawItems, _ := record["items"].([]any)
	items := make([]cart.LineItem, 0, len(rawItems))
	for _, rawItem := range rawItems {
		if schemas.lineItem.Validate(rawItem) != nil {
			continue
		}
		dropUnparseableAddedAt(rawItem)
		encoded, err := json.Marshal(rawItem)
		if err != nil {
			continue
		}
		var item cart.LineItem
		if err := json.Unmarshal(encoded, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return cart.Normalize(items), nil
}

// dropUnparseableAddedAt removes an addedAt that is not RFC 3339 so the rest of
// the item still decodes.
func dropUnparseableAddedAt(rawItem any) {
	fields, ok := rawItem.(map[string]any)
	if !ok {
		return
	}
	addedAt, ok := fields["addedAt"].(string)
	if !ok {
		return
	}
	if _, err := time.Parse(time.RFC3339Nano, addedAt); err != nil {
		delete(fields, "addedAt")
	}
}

func snapshotTime(v any) (time.Time, error) {
	switch typed := v.(type) {
	case json.Number:
		if ms, err := typed.Int64(); err == nil {
			return time.UnixMilli(ms), nil
		}
		f, err := typed.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(f)), nil
	case float64:
		return time.UnixMilli(int64(typed)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
