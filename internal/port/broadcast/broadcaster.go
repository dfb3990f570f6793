// Package broadcast defines the port for pushing live session events to
// connected dashboards.
package broadcast

import "context"

// Broadcaster delivers eventType with payload to clients watching sessionID
// and to clients watching every session. Delivery is best effort.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, sessionID, eventType string, payload any)
}
