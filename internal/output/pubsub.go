package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// PubSubConfig names the results topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// topic is the subset of *pubsub.Topic used here, with the result resolved.
type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	Stop()
}

type gcpTopic struct {
	t *pubsub.Topic
}

func (g gcpTopic) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	id, err := g.t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (g gcpTopic) Stop() { g.t.Stop() }

// PubSub publishes each result as a JSON message.
type PubSub struct {
	topic  topic
	client *pubsub.Client
}

// OpenPubSub connects to the topic and checks that it exists.
func OpenPubSub(ctx context.Context, cfg PubSubConfig) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	t := client.Topic(cfg.Topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}
	return &PubSub{topic: gcpTopic{t: t}, client: client}, nil
}

func newPubSub(t topic) *PubSub {
	return &PubSub{topic: t}
}

// Write publishes the result and waits for the server ack. Trace context is
// carried in message attributes.
func (p *PubSub) Write(ctx context.Context, result crawler.ExtractionResult) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub sink is not configured")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"dataset":        result.Dataset,
			"host":           result.Host,
			"classification": string(result.Classification),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	if _, err := p.topic.Publish(ctx, msg); err != nil {
		return err
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (p *PubSub) Close(context.Context) error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
