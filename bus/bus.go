// Package bus defines the message-bus surface the gateway speaks over and
// the channel naming scheme shared with its clients.
package bus

import (
	"context"
	"fmt"

	"pkt.systems/tngate/schema"
)

// PubSub is the transport the gateway publishes to and subscribes on. The
// gateway treats the bus as an external collaborator; implementations may be
// backed by an external broker or by the in-process bus in this package.
type PubSub interface {
	// Publish delivers raw bytes to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers interest in a channel. The returned cancel func
	// releases the subscription and closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Channel naming. All channels live under a configurable namespace so
// several gateways can share one bus.

// InputChannel names the per-session channel clients publish keystrokes and
// commands to.
func InputChannel(namespace string, id schema.SessionID) string {
	return fmt.Sprintf("%s.input.%s", namespace, id)
}

// OutputChannel names the per-session channel the gateway publishes screens
// and events to.
func OutputChannel(namespace string, id schema.SessionID) string {
	return fmt.Sprintf("%s.output.%s", namespace, id)
}

// ControlChannel names the shared channel session lifecycle requests arrive
// on.
func ControlChannel(namespace string) string {
	return fmt.Sprintf("%s.control", namespace)
}
