// Package streaming implements the Chaski-Confluent streaming plane (C6):
// the topic subscription table, push/deliver, and the bounded delivery
// queue exposed to local consumers.
package streaming

import (
	"log/slog"
	"time"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/metrics"
)

// DefaultQueueCapacity is the default delivery queue capacity (spec §4.6).
const DefaultQueueCapacity = 1024

// Host is the narrow collaborator interface the streaming plane needs from
// the node: which edges are paired on a topic, and local subscriptions.
type Host interface {
	LocalSubscriptions() []string
	EdgesPairedOn(topic string) []*edge.Edge
}

// TouchFunc notifies the discovery engine of (edge, topic) traffic, resetting
// its idle-unpair clock.
type TouchFunc func(edgeAddr, topic string)

// Plane owns the delivery queue and the push/deliver operations.
type Plane struct {
	host  Host
	queue *Queue
	touch TouchFunc

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Config configures a Plane.
type Config struct {
	QueueCapacity int
	Logger        *slog.Logger
	Touch         TouchFunc
	Metrics       *metrics.Metrics
}

// New constructs a Plane and registers its handler on disp.
func New(cfg Config, host Host, disp *dispatch.Dispatcher) *Plane {
	cap := cfg.QueueCapacity
	if cap == 0 {
		cap = DefaultQueueCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	touch := cfg.Touch
	if touch == nil {
		touch = func(string, string) {}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	p := &Plane{
		host:    host,
		queue:   NewQueue(cap),
		touch:   touch,
		logger:  logger,
		metrics: m,
	}
	disp.Handle(envelope.CmdTopicMessage, p.handleTopicMessage)
	return p
}

// Push wraps payload in a topic_message envelope and sends it on every edge
// paired on topic (spec §4.6). It returns once all writes are submitted to
// their edge write locks; it does not await peer-side acknowledgment.
func (p *Plane) Push(topic string, payload []byte) error {
	data, err := envelope.EncodePayload(envelope.TopicMessage{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	env := &envelope.Envelope{
		Command:   envelope.CmdTopicMessage,
		Topic:     topic,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}
	var firstErr error
	for _, ed := range p.host.EdgesPairedOn(topic) {
		if err := ed.Send(env); err != nil {
			p.logger.Warn("push send failed", logging.KeyEdge, ed.Address.String(), logging.KeyTopic, topic, logging.KeyError, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.touch(ed.Address.String(), topic)
	}
	return firstErr
}

func (p *Plane) handleTopicMessage(from *edge.Edge, env *envelope.Envelope) {
	var tm envelope.TopicMessage
	if err := envelope.DecodePayload(env.Data, &tm); err != nil {
		p.logger.Warn("topic_message decode failed", logging.KeyError, err)
		return
	}
	if !p.subscribed(tm.Topic) {
		return
	}
	p.touch(from.Address.String(), tm.Topic)

	before := p.queue.OverflowCount()
	p.queue.Push(Message{Topic: tm.Topic, Payload: tm.Payload})
	if p.queue.OverflowCount() > before {
		p.metrics.RecordQueueOverflow(tm.Topic)
	}
}

func (p *Plane) subscribed(topic string) bool {
	for _, t := range p.host.LocalSubscriptions() {
		if t == topic {
			return true
		}
	}
	return false
}

// Queue returns the bounded delivery queue for explicit-stream consumption
// (spec §4.6's "explicit stream" style: caller reads until stop()).
func (p *Plane) Queue() *Queue { return p.queue }

// Close stops accepting new deliveries and releases blocked readers.
func (p *Plane) Close() { p.queue.Close() }
