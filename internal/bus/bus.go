// Package bus adapts the publish/subscribe substrate used between consumers,
// coordinators and providers.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrHandlerRegistered is returned when a second inbound handler is set.
	ErrHandlerRegistered = errors.New("bus: handler already registered")
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// ProviderResponseTopic is the shared topic providers publish results on.
const ProviderResponseTopic = "/ai/provider/response/json"

// Handler receives every inbound message on subscribed topics.
type Handler func(ctx context.Context, topic string, data []byte)

// Bus is the node's view of the pub/sub network. Exactly one Handler may be
// registered; it receives messages for every subscribed topic.
type Bus interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	SetHandler(h Handler) error
	Topics() []string
	Peers() []string
	Close() error
}

// CoordinatorTopic is where consumers send session messages to a coordinator.
func CoordinatorTopic(coordinatorAddress string) string {
	return "/ai/coordinator/" + strings.ToLower(strings.TrimSpace(coordinatorAddress)) + "/json"
}

// ConsumerTopic is where a coordinator answers a consumer.
func ConsumerTopic(consumerAddress string) string {
	return "/ai/consumer/" + strings.ToLower(strings.TrimSpace(consumerAddress)) + "/json"
}
