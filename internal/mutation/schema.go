package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
)

// ErrInvalidMutation is returned when a mutation does not match the schema
// registered for its entity type.
var ErrInvalidMutation = errors.New("mutation: invalid")

// Entity types known to the pharmacy backend.
const (
	EntityPrescription  = "prescription"
	EntityInventoryItem = "inventory_item"
	EntityPatient       = "patient"
)

// Schema describes the payload shape accepted for one entity type. Required
// lists the top-level JSON fields that must be present for each operation.
// An operation missing from Required is not allowed for the entity type.
type Schema struct {
	Required map[Op][]string
}

// Registry maps entity types to their schema. Safe for concurrent use.
type Registry struct {
	mu      gosync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// DefaultRegistry returns a registry with the pharmacy entity types.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(EntityPrescription, Schema{Required: map[Op][]string{
		OpCreate: {"patient_id", "medication", "quantity"},
		OpUpdate: {},
		OpDelete: nil,
	}})
	r.Register(EntityInventoryItem, Schema{Required: map[Op][]string{
		OpCreate: {"sku", "quantity"},
		OpUpdate: {},
	}})
	r.Register(EntityPatient, Schema{Required: map[Op][]string{
		OpCreate: {"name"},
		OpUpdate: {},
	}})

	return r
}

// Register adds or replaces the schema for entityType.
func (r *Registry) Register(entityType string, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas[entityType] = s
}

// EntityTypes returns the registered entity types, sorted.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}

// Validate checks m against the schema for its entity type. Delete payloads
// may be empty; create and update payloads must be a JSON object.
func (r *Registry) Validate(m *Mutation) error {
	r.mu.RLock()
	s, ok := r.schemas[m.EntityType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidMutation, m.EntityType)
	}

	required, allowed := s.Required[m.Op]
	if !allowed {
		return fmt.Errorf("%w: %s not allowed for %s", ErrInvalidMutation, m.Op, m.EntityType)
	}

	if m.Op != OpCreate && m.EntityID == "" {
		return fmt.Errorf("%w: %s requires an entity id", ErrInvalidMutation, m.Op)
	}

	if m.Op == OpDelete && len(m.Payload) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil || fields == nil {
		return fmt.Errorf("%w: payload for %s %s must be a JSON object", ErrInvalidMutation, m.EntityType, m.Op)
	}

	var missing []string

	for _, f := range required {
		if v, ok := fields[f]; !ok || string(v) == "null" {
			missing = append(missing, f)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s %s missing %s",
			ErrInvalidMutation, m.EntityType, m.Op, strings.Join(missing, ", "))
	}

	return nil
}
