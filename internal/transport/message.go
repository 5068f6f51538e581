// Package transport carries transactive signals between nodes.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"transactive-network/internal/model"
)

// Message is one signal from a source node to a target node. It carries the
// records of every interval currently relevant to one commodity.
type Message struct {
	ID        uuid.UUID                 `json:"id"`
	Source    string                    `json:"source"`
	Target    string                    `json:"target"`
	Commodity model.Commodity           `json:"commodity"`
	// Market names the series the records belong to. Empty applies them to
	// every series of the commodity.
	Market    string                    `json:"market,omitempty"`
	SentAt    time.Time                 `json:"sent_at"`
	Records   []model.TransactiveRecord `json:"records"`
}

func NewMessage(source, target string, c model.Commodity, sentAt time.Time, records []model.TransactiveRecord) Message {
	return Message{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Commodity: c,
		SentAt:    sentAt.UTC(),
		Records:   records,
	}
}

// ByInterval groups records by interval name, each group sorted by record
// number.
func (m Message) ByInterval() map[string][]model.TransactiveRecord {
	out := map[string][]model.TransactiveRecord{}
	for _, r := range m.Records {
		out[r.TimeInterval] = append(out[r.TimeInterval], r)
	}
	for _, rs := range out {
		model.SortRecords(rs)
	}
	return out
}

// Sender delivers a message to its target. Delivery is at-least-once;
// receivers drop duplicates by ID.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Handler consumes an inbound message.
type Handler func(msg Message)

// Transport is a Sender that can also deliver inbound messages addressed to
// a node.
type Transport interface {
	Sender
	// Subscribe delivers every message targeting node to h until ctx ends.
	Subscribe(ctx context.Context, node string, h Handler) error
	Close() error
}
