package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pulsemetrics/sync-engine/models"
)

// ErrMalformedPayload means the delivery is missing required fields and is
// rejected before anything durable is written.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Action is what a webhook event asks the sync engine to do.
type Action int

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionDelete
)

// Event is the parsed variant of a webhook event type: one entity kind
// crossed with one action. Unknown combinations parse with Known=false and
// are treated as explicit no-ops, never errors.
type Event struct {
	Kind   models.EntityKind
	Action Action
	Known  bool
}

var eventTypes = map[string]Event{
	"ContactCreate":     {Kind: models.EntityContact, Action: ActionCreate, Known: true},
	"ContactUpdate":     {Kind: models.EntityContact, Action: ActionUpdate, Known: true},
	"ContactDelete":     {Kind: models.EntityContact, Action: ActionDelete, Known: true},
	"OpportunityCreate": {Kind: models.EntityOpportunity, Action: ActionCreate, Known: true},
	"OpportunityUpdate": {Kind: models.EntityOpportunity, Action: ActionUpdate, Known: true},
	"OpportunityDelete": {Kind: models.EntityOpportunity, Action: ActionDelete, Known: true},
}

// ParseEventType maps a platform event-type string onto the closed event
// variant set.
func ParseEventType(eventType string) Event {
	return eventTypes[eventType]
}

// Delivery is the minimal shape extracted from an inbound webhook body. The
// payload itself is never trusted as entity state; only the identifiers and
// the event type are used.
type Delivery struct {
	EventType string
	ObjectID  string
	AccountID string
}

type rawDelivery struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ObjectID   string `json:"objectId"`
	AccountID  string `json:"accountId"`
	LocationID string `json:"locationId"`
	RealmID    string `json:"realmId"`
}

// ParseDelivery validates and extracts the delivery identifiers. The account
// id may arrive under the platform's native key (locationId for HighLevel,
// realmId for QuickBooks) or a generic accountId. A header-supplied event
// type hint wins over the payload's type field.
func ParseDelivery(body []byte, eventTypeHint string) (*Delivery, error) {
	var raw rawDelivery
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	d := Delivery{
		EventType: raw.Type,
		ObjectID:  raw.ID,
	}

	if eventTypeHint != "" {
		d.EventType = eventTypeHint
	}

	if d.ObjectID == "" {
		d.ObjectID = raw.ObjectID
	}

	switch {
	case raw.AccountID != "":
		d.AccountID = raw.AccountID
	case raw.LocationID != "":
		d.AccountID = raw.LocationID
	case raw.RealmID != "":
		d.AccountID = raw.RealmID
	}

	if d.AccountID == "" {
		return nil, fmt.Errorf("%w: missing account identifier", ErrMalformedPayload)
	}

	if ParseEventType(d.EventType).Known && d.ObjectID == "" {
		return nil, fmt.Errorf("%w: missing object identifier for %s", ErrMalformedPayload, d.EventType)
	}

	return &d, nil
}
