package sync

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/rxsync/internal/mutation"
	"github.com/tonimelisma/rxsync/internal/store"
)

// optimisticChange returns the local effect of m, computed inside the
// enqueue transaction against the cached record. Deletes remove the record;
// creates cache the payload; updates merge the payload over the cached
// snapshot.
func (e *Engine) optimisticChange(m *mutation.Mutation) store.ApplyFunc {
	return func(current store.Record, found bool) (*store.CacheChange, error) {
		switch m.Op {
		case mutation.OpDelete:
			return &store.CacheChange{Delete: true}, nil

		case mutation.OpUpdate:
			if found {
				merged, err := mergePatch(current.Value, m.Payload)
				if err != nil {
					return nil, fmt.Errorf("sync: merging update for %s: %w", m.Key(), err)
				}

				return &store.CacheChange{Value: merged, UpdatedAt: m.EnqueuedAt}, nil
			}

			fallthrough

		default:
			value, err := withID(m.Payload, m.EntityID)
			if err != nil {
				return nil, fmt.Errorf("sync: caching %s: %w", m.Key(), err)
			}

			return &store.CacheChange{Value: value, UpdatedAt: m.EnqueuedAt}, nil
		}
	}
}

// mergePatch applies patch over base at the top level. A null field in the
// patch removes the field.
func mergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("cached value is not an object: %w", err)
	}

	changes := make(map[string]json.RawMessage)
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &changes); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}

	for k, v := range changes {
		if string(v) == "null" {
			delete(doc, k)
			continue
		}

		doc[k] = v
	}

	return json.Marshal(doc)
}

// withID returns payload with an "id" field set to entityID unless the
// payload already carries one.
func withID(payload json.RawMessage, entityID string) (json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}

	if _, ok := doc["id"]; !ok {
		id, err := json.Marshal(entityID)
		if err != nil {
			return nil, err
		}

		doc["id"] = id
	}

	return json.Marshal(doc)
}
