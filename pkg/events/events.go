// Package events publishes committed writes to an external log.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/store"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var (
	eventsPublished = metrics.NewCounter("sqlcluster_events_published_total")
	eventsFailed    = metrics.NewCounter("sqlcluster_events_failed_total")
)

// Event describes one applied SQL command.
type Event struct {
	Index     uint64    `json:"index"`
	Term      uint64    `json:"term"`
	Kind      string    `json:"kind"`
	SQL       string    `json:"sql"`
	Error     string    `json:"error,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// NewEvent builds the event for a command applied at id.
func NewEvent(id store.LogID, msg *message.Message, resp *message.Response) Event {
	ev := Event{Index: id.Index, Term: id.Term, AppliedAt: time.Now().UTC()}
	if msg != nil {
		ev.Kind = msg.Method.String()
		ev.SQL = msg.SQL
	}
	if resp != nil {
		ev.Error = resp.Error
	}
	return ev
}

// Publisher sends events somewhere. Publish must not block the caller.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces events as JSON records keyed by log index.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher connects to brokers. Records are produced
// asynchronously; failures are logged and counted.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("Publishing apply events", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaPublisher(client, topic, logger), nil
}

func newKafkaPublisher(client producer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ev Event) {
	val, err := json.Marshal(ev)
	if err != nil {
		eventsFailed.Inc()
		p.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(strconv.FormatUint(ev.Index, 10)),
		Value: val,
	}
	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil {
			eventsFailed.Inc()
			p.logger.Error("Failed to produce event", zap.String("key", string(r.Key)), zap.Error(err))
			return
		}
		eventsPublished.Inc()
	})
}

// Close flushes buffered records for up to five seconds and closes the client.
func (p *KafkaPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// LeaderGate forwards events only while this node leads, so one copy of
// every write is published.
type LeaderGate struct {
	next   Publisher
	leader atomic.Bool
}

// NewLeaderGate wraps next. The gate starts closed.
func NewLeaderGate(next Publisher) *LeaderGate {
	return &LeaderGate{next: next}
}

// SetLeader opens or closes the gate.
func (g *LeaderGate) SetLeader(v bool) { g.leader.Store(v) }

func (g *LeaderGate) Publish(ev Event) {
	if g.leader.Load() {
		g.next.Publish(ev)
	}
}

func (g *LeaderGate) Close() error { return g.next.Close() }
