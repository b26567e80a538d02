package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/relayd/internal/mapping"
)

// Destination is the resolved-rule snapshot carried by a queue item. The
// snapshot is taken at admission time; later rule changes do not affect an
// item already in flight.
type Destination struct {
	EndpointID   int64              `json:"endpoint_id"`
	Mode         mapping.Mode       `json:"mode"`
	SourceAccess mapping.AccessType `json:"source_access"`
	DestAccess   mapping.AccessType `json:"dest_access"`
}

// Item is the envelope that moves through the queues. An item is owned by
// exactly one queue at a time; a stage transition removes it from the
// source queue before inserting it into the destination queue.
type Item struct {
	ID               string        `json:"id"`
	RecordID         int64         `json:"record_id"`
	SourceEndpointID int64         `json:"source_endpoint_id"`
	SourceMessageID  int64         `json:"source_message_id"`
	Destinations     []Destination `json:"destinations"`

	// Message content, carried so a delivery can be made from the item
	// alone without refetching the source.
	Text     string `json:"text,omitempty"`
	HasMedia bool   `json:"has_media,omitempty"`
	AuthorID int64  `json:"author_id,omitempty"`

	// Delivered maps destination endpoint id (decimal string, to survive
	// JSON round-trips) to the delivered message id. Populated when a
	// partially delivered item is requeued so completed destinations are
	// not re-sent.
	Delivered map[string]int64 `json:"delivered,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
	Attempts   int       `json:"attempts"`
	Priority   int       `json:"priority"`
	LastError  string    `json:"last_error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// NewItem creates a queue item for a delivery record covering the full set
// of resolved destinations.
func NewItem(recordID, sourceEndpointID, sourceMessageID int64, destinations []Destination) *Item {
	return &Item{
		ID:               uuid.New().String(),
		RecordID:         recordID,
		SourceEndpointID: sourceEndpointID,
		SourceMessageID:  sourceMessageID,
		Destinations:     destinations,
		Delivered:        make(map[string]int64),
	}
}

// MarkDelivered records a completed destination on the item.
func (it *Item) MarkDelivered(endpointID, deliveredMessageID int64) {
	if it.Delivered == nil {
		it.Delivered = make(map[string]int64)
	}
	it.Delivered[strconv.FormatInt(endpointID, 10)] = deliveredMessageID
}

// IsDelivered reports whether a destination has already been delivered to.
func (it *Item) IsDelivered(endpointID int64) bool {
	_, ok := it.Delivered[strconv.FormatInt(endpointID, 10)]
	return ok
}
