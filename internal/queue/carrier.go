package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = headerCarrier(nil)

// headerCarrier carries trace context in AMQP message headers.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	value, ok := c[key].(string)
	if !ok {
		return ""
	}
	return value
}

func (c headerCarrier) Set(key string, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	return keys
}
