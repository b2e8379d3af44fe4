// Package memory records job outcome notifications in process. Tests and
// runs without a broker use it in place of Pub/Sub.
package memory

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/zpx01/video-scraper/internal/publisher"
)

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every message in publish order. A failure injected with
// FailWith is returned by later publishes until cleared.
type Publisher struct {
	mu   sync.Mutex
	log  []Message
	fail error
}

var _ publisher.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err; nil clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Publish implements publisher.Publisher. Message ids count up per publisher.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	msg := Message{ID: "msg-" + strconv.Itoa(len(p.log)+1), Topic: topic, Payload: payload}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a copy of the log.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.log)
}

// Outcomes returns the job outcomes published to any topic.
func (p *Publisher) Outcomes() []publisher.JobOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publisher.JobOutcome
	for _, msg := range p.log {
		if o, ok := msg.Payload.(publisher.JobOutcome); ok {
			out = append(out, o)
		}
	}
	return out
}
