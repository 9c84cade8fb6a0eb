// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// Publisher wraps a Pub/Sub client and publishes JSON payloads per topic.
type Publisher struct {
	client     *pubsub.Client
	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	newTopic   func(topic string) *pubsub.Publisher
}

// New creates a Publisher backed by client.
func New(client *pubsub.Client) *Publisher {
	p := &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}
	if client != nil {
		p.newTopic = client.Publisher
	}
	return p
}

// Connect opens a Pub/Sub client for projectID.
func Connect(ctx context.Context, projectID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client), nil
}

// Publish marshals the payload to JSON and publishes it to topic. Document
// notifications carry their id and kind as message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.newTopic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	result := p.topic(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[name]
	if !ok {
		pub = p.newTopic(name)
		p.publishers[name] = pub
	}
	return pub
}

func attributes(payload any) map[string]string {
	note, ok := payload.(ingest.Notification)
	if !ok {
		return nil
	}
	return map[string]string{
		"document_id": note.DocumentID,
		"kind":        string(note.Kind),
	}
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
