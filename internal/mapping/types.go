package mapping

import (
	"fmt"
	"time"
)

// AccessType describes how an endpoint can be reached by a transport.
type AccessType string

const (
	// AccessDirect means the endpoint requires a direct-session transport
	AccessDirect AccessType = "direct"
	// AccessBroadcast means the endpoint is reachable via the broadcast-style transport
	AccessBroadcast AccessType = "broadcast"
)

// Valid reports whether the access type is one of the known values.
func (a AccessType) Valid() bool {
	return a == AccessDirect || a == AccessBroadcast
}

// Mode describes how a message is delivered to a destination.
type Mode string

const (
	// ModeForward preserves the original attribution header
	ModeForward Mode = "forward"
	// ModeCopy re-posts the content without the attribution header
	ModeCopy Mode = "copy"
)

// Valid reports whether the mode is one of the known values.
func (m Mode) Valid() bool {
	return m == ModeForward || m == ModeCopy
}

// Endpoint is a source or destination channel identity. Endpoints are
// created and mutated by admin operations; the pipeline only reads them.
type Endpoint struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Access    AccessType `json:"access"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Rule links a source endpoint to a destination endpoint with a delivery
// mode. At most one rule exists per (source, destination) pair.
type Rule struct {
	ID      int64    `json:"id"`
	Source  Endpoint `json:"source"`
	Dest    Endpoint `json:"dest"`
	Mode    Mode     `json:"mode"`
	Enabled bool     `json:"enabled"`
}

// Validate checks that the rule references two distinct endpoints and uses
// a known delivery mode.
func (r Rule) Validate() error {
	if r.Source.ID == r.Dest.ID {
		return fmt.Errorf("rule %d: source and destination are the same endpoint %d", r.ID, r.Source.ID)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("rule %d: unknown mode %q", r.ID, r.Mode)
	}
	if !r.Source.Access.Valid() {
		return fmt.Errorf("rule %d: source endpoint %d has unknown access type %q", r.ID, r.Source.ID, r.Source.Access)
	}
	if !r.Dest.Access.Valid() {
		return fmt.Errorf("rule %d: destination endpoint %d has unknown access type %q", r.ID, r.Dest.ID, r.Dest.Access)
	}
	return nil
}
