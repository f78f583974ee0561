// Package natsutil wires the pipeline onto NATS JetStream: work-queue
// streams between stages, envelope publish with OTel trace propagation and
// idempotent message IDs, and the shared worker fetch loop with dead-letter
// handling.
package natsutil

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/emberpress/emberpress/engine/domain"
)

// Queue topology. Each stage reads one stream; dead letters from every
// stage land on the shared dead-letter stream under a per-operation subject.
const (
	StreamProcess  = "content-processing-requests"
	SubjectProcess = "pipeline.process"

	StreamMarkdown  = "markdown-generation-requests"
	SubjectMarkdown = "pipeline.markdown"

	StreamPublish  = "site-publishing-requests"
	SubjectPublish = "pipeline.publish"

	StreamDeadLetter    = "pipeline-dead-letters"
	SubjectDeadLetterRx = "pipeline.dlq.>"
)

// Bucket names for the KV and object stores the stages share.
const (
	BucketLeases    = "pipeline-leases"
	BucketDedup     = "dedup-seen"
	BucketCollected = "collected-content"
	BucketProcessed = "processed-content"
	BucketTopics    = "topic-state"
	BucketMarkdown  = "markdown-content"
	BucketWeb       = "web-content"
	BucketBackups   = "web-backups"
)

// DeadLetterSubject returns the DLQ subject for an operation.
func DeadLetterSubject(op string) string {
	return "pipeline.dlq." + op
}

// Connect dials NATS and opens a JetStream context.
func Connect(url, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// EnsureStream creates or updates a work-queue stream for one stage. The
// dead-letter stream uses limits retention so records stick around for
// inspection.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
	}
	if name == StreamDeadLetter {
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, cfg)
	return err
}

// EnsureConsumer creates or updates the durable consumer a worker group
// shares. MaxDeliver bounds redelivery before the worker dead-letters.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, stream, durable string, maxDeliver int, ackWait time.Duration) (jetstream.Consumer, error) {
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	return js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:    durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		MaxDeliver: maxDeliver,
		AckWait:    ackWait,
	})
}

// headerCarrier adapts nats.Msg headers for the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is the slice of JetStream the stage fan-out needs. The real
// jetstream.JetStream satisfies it.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publish serializes env and publishes it to subject. msgID becomes the
// JetStream Nats-Msg-Id, so replaying the same idempotency key inside the
// dedup window is suppressed by the broker. Trace context rides the headers.
func Publish(ctx context.Context, js Publisher, subject string, env domain.QueueMessage, msgID string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	_, err = js.PublishMsg(ctx, msg, opts...)
	return err
}

// ExtractContext pulls trace context out of a consumed message's headers.
func ExtractContext(ctx context.Context, msg jetstream.Msg) context.Context {
	carrier := &nats.Msg{Header: nats.Header(msg.Headers())}
	return otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(carrier))
}
