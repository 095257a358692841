// Package broker wires the transaction event pipeline onto RabbitMQ: the fact
// exchange, the consolidation queue with its dead-letter path, the publisher
// used by the ingestion API and the consumer used by the consolidation API.
package broker

import (
	"errors"
	"fmt"

	"cashflow/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrTopology wraps any exchange/queue declaration failure. It is a startup
// configuration error, typically a re-declaration with different arguments.
var ErrTopology = errors.New("broker topology declaration failed")

// Topology names every broker object the pipeline relies on
type Topology struct {
	Exchange             string
	Queue                string
	RoutingKey           string
	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
	Prefetch             int
}

// TopologyFromConfig copies the broker names out of the service config
func TopologyFromConfig(c config.BrokerConfig) Topology {
	return Topology{
		Exchange:             c.Exchange,
		Queue:                c.Queue,
		RoutingKey:           c.RoutingKey,
		DeadLetterExchange:   c.DeadLetterExchange,
		DeadLetterQueue:      c.DeadLetterQueue,
		DeadLetterRoutingKey: c.DeadLetterRoutingKey,
		Prefetch:             c.Prefetch,
	}
}

// DefaultTopology matches the config defaults
func DefaultTopology() Topology {
	return Topology{
		Exchange:             "cash-flow-exchange",
		Queue:                "consolidations-queue",
		RoutingKey:           "transaction.created",
		DeadLetterExchange:   "cash-flow-dlx",
		DeadLetterQueue:      "consolidations-queue.dlq",
		DeadLetterRoutingKey: "transaction.created.dead",
		Prefetch:             16,
	}
}

// Validate rejects topologies that would route dead letters back into the main queue
func (t Topology) Validate() error {
	if t.Exchange == "" || t.Queue == "" || t.RoutingKey == "" {
		return fmt.Errorf("%w: exchange, queue and routing key are required", ErrTopology)
	}
	if t.DeadLetterExchange == "" || t.DeadLetterQueue == "" || t.DeadLetterRoutingKey == "" {
		return fmt.Errorf("%w: dead-letter exchange, queue and routing key are required", ErrTopology)
	}
	if t.DeadLetterExchange == t.Exchange || t.DeadLetterQueue == t.Queue {
		return fmt.Errorf("%w: dead-letter path must be distinct from the main path", ErrTopology)
	}
	if t.DeadLetterRoutingKey == t.RoutingKey {
		return fmt.Errorf("%w: dead-letter routing key must differ from %q", ErrTopology, t.RoutingKey)
	}
	return nil
}

// MainQueueArgs are the x-arguments of the consolidation queue
func (t Topology) MainQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterRoutingKey,
	}
}

// Declarer is the subset of *amqp.Channel used for declarations
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclarePublisher declares the durable topic exchange events are published to
func (t Topology) DeclarePublisher(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: exchange %s: %v", ErrTopology, t.Exchange, err)
	}
	return nil
}

// DeclareConsumer declares the fact exchange, the dead-letter exchange and
// queue, and the main queue that dead-letters into them on reject
func (t Topology) DeclareConsumer(ch Declarer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := t.DeclarePublisher(ch); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: dead-letter exchange %s: %v", ErrTopology, t.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: dead-letter queue %s: %v", ErrTopology, t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterRoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrTopology, t.DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.MainQueueArgs()); err != nil {
		return fmt.Errorf("%w: queue %s: %v", ErrTopology, t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrTopology, t.Queue, err)
	}
	return nil
}
