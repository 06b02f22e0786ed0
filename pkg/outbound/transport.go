// Package outbound decouples snapshot production from broker delivery: a
// bounded drop-oldest queue per topic, drained only while the MQTT
// transport reports a live connection.
package outbound

import "errors"

// ErrPublishTimeout is returned when the broker does not confirm a publish
// within the configured timeout.
var ErrPublishTimeout = errors.New("outbound: publish timed out")

// Transport is the capability object for the broker connection. Publish is
// synchronous and reports success or failure only; connection state is
// edge-driven by the transport's own callbacks.
type Transport interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}
