package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/mutation"
)

// DefaultRoutes maps entity types to their collection path.
var DefaultRoutes = map[string]string{
	mutation.EntityPrescription:  "/api/prescriptions",
	mutation.EntityInventoryItem: "/api/inventory",
	mutation.EntityPatient:       "/api/patients",
}

// Resources performs authenticated CRUD against entity collections. Every
// call goes through the broker so expired credentials are refreshed once
// and the call is replayed.
type Resources struct {
	client *Client
	broker *broker.Broker
	routes map[string]string
}

// NewResources returns Resources using routes (nil → DefaultRoutes).
func NewResources(c *Client, b *broker.Broker, routes map[string]string) *Resources {
	if routes == nil {
		routes = DefaultRoutes
	}

	return &Resources{client: c, broker: b, routes: routes}
}

func (r *Resources) collection(entityType string) (string, error) {
	p, ok := r.routes[entityType]
	if !ok {
		return "", apierr.Rejected("route "+entityType, 0, "no route for entity type")
	}

	return p, nil
}

func (r *Resources) itemPath(entityType, id string) (string, error) {
	p, err := r.collection(entityType)
	if err != nil {
		return "", err
	}

	return p + "/" + url.PathEscape(id), nil
}

func (r *Resources) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage

	err := r.broker.Do(ctx, func(ctx context.Context, access string) error {
		data, err := r.client.Do(ctx, method, path, body, access)
		if err != nil {
			return err
		}

		out = data

		return nil
	})

	return out, err
}

// Fetch reads one entity. It satisfies cache.Fetcher.
func (r *Resources) Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	p, err := r.itemPath(entityType, id)
	if err != nil {
		return nil, err
	}

	data, err := r.call(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("api: empty response for %s/%s", entityType, id)
	}

	return data, nil
}

// Apply performs a queued mutation. It satisfies sync.Mutator: creates
// POST to the collection with the client-chosen id in the body, updates
// PUT the payload, and deletes DELETE the item. The returned snapshot is
// the server's copy of the entity, if the response carried one.
func (r *Resources) Apply(ctx context.Context, m mutation.Mutation) (json.RawMessage, error) {
	switch m.Op {
	case mutation.OpCreate:
		p, err := r.collection(m.EntityType)
		if err != nil {
			return nil, err
		}

		body, err := createBody(m)
		if err != nil {
			return nil, err
		}

		return r.call(ctx, http.MethodPost, p, body)

	case mutation.OpUpdate:
		p, err := r.itemPath(m.EntityType, m.EntityID)
		if err != nil {
			return nil, err
		}

		return r.call(ctx, http.MethodPut, p, m.Payload)

	case mutation.OpDelete:
		p, err := r.itemPath(m.EntityType, m.EntityID)
		if err != nil {
			return nil, err
		}

		_, err = r.call(ctx, http.MethodDelete, p, nil)

		return nil, err

	default:
		return nil, apierr.Rejected("apply "+m.Key(), 0, "unsupported operation "+m.Op.String())
	}
}

// createBody adds the client-generated id to a create payload so a replay
// after a lost response targets the same entity.
func createBody(m mutation.Mutation) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)

	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &doc); err != nil {
			return nil, apierr.Rejected("apply "+m.Key(), 0, "create payload is not an object: "+err.Error())
		}
	}

	if _, ok := doc["id"]; !ok {
		id, err := json.Marshal(m.EntityID)
		if err != nil {
			return nil, err
		}

		doc["id"] = id
	}

	return doc, nil
}
