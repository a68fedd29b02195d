package routing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/pairdb/directconn/internal/model"
)

// ErrPartitionKeyMismatch is returned when a partition key does not match the
// collection's partition key definition.
type ErrPartitionKeyMismatch struct {
	Expected int
	Got      int
}

func (e *ErrPartitionKeyMismatch) Error() string {
	return fmt.Sprintf("partition key has %d components, collection defines %d paths", e.Got, e.Expected)
}

// ParsePartitionKey parses the JSON array form carried in the partition key header.
func ParsePartitionKey(header string) ([]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(header)))
	dec.UseNumber()
	var components []interface{}
	if err := dec.Decode(&components); err != nil {
		return nil, fmt.Errorf("invalid partition key %q: %w", header, err)
	}
	return components, nil
}

// EffectivePartitionKey hashes the partition key components into the effective
// key space. The result is 16 upper-case hex digits and always sorts below
// model.MaxEffectiveKey.
func EffectivePartitionKey(def *model.PartitionKeyDefinition, components []interface{}) (string, error) {
	paths := 0
	if def != nil {
		paths = len(def.Paths)
	}
	if len(components) != paths {
		return "", &ErrPartitionKeyMismatch{Expected: paths, Got: len(components)}
	}
	if len(components) == 0 {
		return model.MinEffectiveKey, nil
	}

	canonical, err := json.Marshal(components)
	if err != nil {
		return "", fmt.Errorf("failed to encode partition key: %w", err)
	}
	// the top bit is dropped so keys never start with "FF"
	return fmt.Sprintf("%016X", xxhash.Sum64(canonical)>>1), nil
}
