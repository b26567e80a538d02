package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/busybox42/relayd/internal/mapping"
)

// Router picks the transport for a delivery based on the access types of
// the two endpoints. The broadcast transport is only usable when both
// sides are broadcast endpoints; every other pairing needs the direct
// transport, which can address individual endpoints on either side.
type Router struct {
	direct    Transport
	broadcast Transport
	logger    *slog.Logger
}

// NewRouter creates a router over the two transports. The broadcast
// transport may be nil, in which case everything goes direct.
func NewRouter(direct, broadcast Transport) *Router {
	return &Router{
		direct:    direct,
		broadcast: broadcast,
		logger:    slog.Default().With("component", "transport-router"),
	}
}

// Pick returns the transport for an endpoint pairing.
func (r *Router) Pick(srcAccess, dstAccess mapping.AccessType) Transport {
	if r.broadcast != nil && srcAccess == mapping.AccessBroadcast && dstAccess == mapping.AccessBroadcast {
		return r.broadcast
	}
	return r.direct
}

// Deliver routes one delivery to the right transport and dispatches it
// according to the rule mode. Returns the message ID assigned at the
// destination.
func (r *Router) Deliver(ctx context.Context, msg Message, destEndpointID int64, mode mapping.Mode, srcAccess, dstAccess mapping.AccessType) (int64, error) {
	t := r.Pick(srcAccess, dstAccess)

	r.logger.Debug("dispatching delivery",
		"transport", t.Name(),
		"dest", destEndpointID,
		"mode", mode,
	)

	switch mode {
	case mapping.ModeForward:
		return t.Forward(ctx, msg, destEndpointID)
	case mapping.ModeCopy:
		return t.Copy(ctx, msg, destEndpointID)
	default:
		return 0, &PermanentError{Err: fmt.Errorf("unknown delivery mode %q", mode)}
	}
}
