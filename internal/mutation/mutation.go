// Package mutation defines the outbound mutation type queued by the sync
// engine: a tagged union over (entity type, operation) whose payload is
// validated against a per-entity-type schema at enqueue time.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Op is the kind of write a mutation performs.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ErrUnknownOp is returned by ParseOp for unrecognized operation names.
var ErrUnknownOp = errors.New("mutation: unknown operation")

// ParseOp converts the persisted / CLI string form back to an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
}

// State is the lifecycle position of a queued mutation.
//
//	Pending -> InFlight -> Done
//	                    -> Pending (retry_count+1)
//	                    -> Abandoned
type State int

const (
	StatePending State = iota
	StateInFlight
	StateDone
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mutation is a single queued write against one entity.
type Mutation struct {
	ID         string
	EntityType string
	EntityID   string
	Op         Op
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// Key identifies the entity a mutation writes to. Mutations sharing a key
// must be applied remotely in enqueue order.
func (m *Mutation) Key() string {
	return m.EntityType + "/" + m.EntityID
}
