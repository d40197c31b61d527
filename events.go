package testcluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultEventPrefix is the subject prefix used by NATSPublisher.
const DefaultEventPrefix = "testcluster"

// EventType names a lifecycle transition.
type EventType string

const (
	EventProcessSpawned EventType = "process.spawned"
	EventProcessReady   EventType = "process.ready"
	EventProcessStopped EventType = "process.stopped"
	EventProcessFailed  EventType = "process.failed"
	EventClusterStopped EventType = "cluster.stopped"
	EventProcessesMoved EventType = "topology.moved"
)

// Event describes one lifecycle transition of a process or cluster.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	ClusterID int64     `json:"clusterId"`
	Kind      string    `json:"kind,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Name      string    `json:"name,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Target is the destination cluster of a move.
	Target int64 `json:"target,omitempty"`
}

// Publisher receives lifecycle events. Implementations must be safe for
// concurrent use; publish failures never affect the orchestration itself.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// NATSPublisher publishes events as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher publishes over an existing connection, which it does not close.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// ConnectNATSPublisher dials url and publishes over the new connection.
func ConnectNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("go-testcluster"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// Subject returns the subject an event of type t is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(ev.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Cluster", strconv.FormatInt(ev.ClusterID, 10))
	if ev.Kind != "" {
		msg.Header.Set("X-Kind", ev.Kind)
	}

	return p.nc.PublishMsg(msg)
}

// Close flushes pending events and closes the connection if the publisher
// opened it.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Flush(); err != nil && p.nc.IsConnected() {
		return err
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}
