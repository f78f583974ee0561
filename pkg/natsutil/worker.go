package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/metrics"
)

// Handler processes one decoded envelope. The returned error's kind decides
// redelivery: transient and rate-limited errors are redelivered with delay,
// everything else counts toward the dead-letter cap.
type Handler func(ctx context.Context, msg domain.QueueMessage) error

// WorkerOpts tunes the fetch loop.
type WorkerOpts struct {
	ServiceName string
	BatchSize   int
	PollWait    time.Duration
	MaxDeliver  int
	// Coalesce drains the whole fetched batch into a single handler call,
	// acking every message. Used by the site publisher: many markdown
	// completions, one build.
	Coalesce bool
	// IdleShutdown ends Run cleanly after this long without messages,
	// letting the scaler take the replica to zero. Zero disables.
	IdleShutdown time.Duration
}

// Worker is the shared consume loop every pipeline stage runs.
type Worker struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	handler  Handler
	opts     WorkerOpts
	log      *slog.Logger

	processed *metrics.Counter
	failed    *metrics.Counter
	deadLet   *metrics.Counter
}

// NewWorker builds a Worker around a durable consumer.
func NewWorker(js jetstream.JetStream, consumer jetstream.Consumer, handler Handler, opts WorkerOpts, log *slog.Logger, reg *metrics.Registry) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 5 * time.Second
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{js: js, consumer: consumer, handler: handler, opts: opts, log: log}
	if reg != nil {
		w.processed = reg.Counter("worker_messages_processed_total", "Messages handled successfully")
		w.failed = reg.Counter("worker_messages_failed_total", "Handler failures")
		w.deadLet = reg.Counter("worker_dead_letters_total", "Messages moved to the dead-letter stream")
	}
	return w
}

// Pending returns the consumer's backlog, for the /status surface.
func (w *Worker) Pending(ctx context.Context) (uint64, error) {
	info, err := w.consumer.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.NumPending, nil
}

// Run fetches and dispatches until ctx ends or the idle shutdown fires.
func (w *Worker) Run(ctx context.Context) error {
	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := w.consumer.Fetch(w.opts.BatchSize, jetstream.FetchMaxWait(w.opts.PollWait))
		if err != nil {
			w.log.Warn("fetch failed", "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		var msgs []jetstream.Msg
		for msg := range batch.Messages() {
			msgs = append(msgs, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			w.log.Warn("batch error", "error", err)
		}

		if len(msgs) == 0 {
			if w.opts.IdleShutdown > 0 && time.Since(idleSince) >= w.opts.IdleShutdown {
				w.log.Info("idle shutdown", "idle", time.Since(idleSince))
				return nil
			}
			continue
		}
		idleSince = time.Now()

		if w.opts.Coalesce {
			w.dispatchCoalesced(ctx, msgs)
			continue
		}
		for _, msg := range msgs {
			w.dispatchOne(ctx, msg)
		}
	}
}

// dispatchOne handles a single message and resolves its ack state.
func (w *Worker) dispatchOne(ctx context.Context, msg jetstream.Msg) {
	env, ok := w.decode(msg)
	if !ok {
		return
	}
	ctx = ExtractContext(ctx, msg)
	err := w.handler(ctx, env)
	if err == nil {
		if w.processed != nil {
			w.processed.Inc()
		}
		if err := msg.Ack(); err != nil {
			w.log.Warn("ack failed", "message_id", env.MessageID, "error", err)
		}
		return
	}
	if w.failed != nil {
		w.failed.Inc()
	}
	w.resolveFailure(msg, env, err)
}

// dispatchCoalesced acks the whole batch around one handler call on the
// newest message. Failures nak everything for redelivery; a duplicate run
// later is benign for the publisher.
func (w *Worker) dispatchCoalesced(ctx context.Context, msgs []jetstream.Msg) {
	var env domain.QueueMessage
	decoded := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if e, ok := w.decode(msgs[i]); ok {
			env = e
			decoded = true
			break
		}
	}
	if !decoded {
		return
	}
	ctx = ExtractContext(ctx, msgs[len(msgs)-1])
	if err := w.handler(ctx, env); err != nil {
		if w.failed != nil {
			w.failed.Inc()
		}
		w.log.Error("coalesced handler failed", "operation", env.Operation, "error", err)
		for _, msg := range msgs {
			_ = msg.NakWithDelay(redeliveryDelay(1, 0))
		}
		return
	}
	if w.processed != nil {
		w.processed.Add(int64(len(msgs)))
	}
	for _, msg := range msgs {
		_ = msg.Ack()
	}
}

// decode parses and validates the envelope. Garbage that can never parse is
// dead-lettered immediately.
func (w *Worker) decode(msg jetstream.Msg) (domain.QueueMessage, bool) {
	var env domain.QueueMessage
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		w.log.Error("malformed envelope", "error", err)
		w.deadLetter(msg, env, "unmarshal: "+err.Error())
		return env, false
	}
	if err := domain.ValidateMessage(env); err != nil {
		w.log.Error("invalid envelope", "message_id", env.MessageID, "error", err)
		w.deadLetter(msg, env, err.Error())
		return env, false
	}
	return env, true
}

// resolveFailure naks retryable errors with a delay and dead-letters the
// rest once deliveries are exhausted.
func (w *Worker) resolveFailure(msg jetstream.Msg, env domain.QueueMessage, err error) {
	deliveries := 1
	if meta, merr := msg.Metadata(); merr == nil {
		deliveries = int(meta.NumDelivered)
	}
	kind := domain.KindOf(err)
	w.log.Error("handler failed",
		"operation", env.Operation,
		"message_id", env.MessageID,
		"kind", kind.String(),
		"delivery", deliveries,
		"error", err,
	)

	switch kind {
	case domain.KindTransient, domain.KindRateLimited, domain.KindNotFound:
		if deliveries >= w.opts.MaxDeliver {
			w.deadLetter(msg, env, err.Error())
			return
		}
		_ = msg.NakWithDelay(redeliveryDelay(deliveries, domain.RetryAfterOf(err)))
	case domain.KindValidation:
		// Bad input never improves with redelivery.
		w.deadLetter(msg, env, err.Error())
	default:
		w.deadLetter(msg, env, err.Error())
	}
}

// deadLetterRecord is the body stored on the dead-letter stream.
type deadLetterRecord struct {
	Envelope   domain.QueueMessage `json:"envelope"`
	Reason     string              `json:"reason"`
	Service    string              `json:"service"`
	DeadAt     time.Time           `json:"dead_at"`
	RawPayload []byte              `json:"raw_payload,omitempty"`
}

func (w *Worker) deadLetter(msg jetstream.Msg, env domain.QueueMessage, reason string) {
	rec := deadLetterRecord{
		Envelope: env,
		Reason:   reason,
		Service:  w.opts.ServiceName,
		DeadAt:   time.Now().UTC(),
	}
	if env.MessageID == "" {
		rec.RawPayload = msg.Data()
	}
	data, err := json.Marshal(rec)
	if err == nil {
		op := env.Operation
		if op == "" {
			op = "unknown"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := w.js.Publish(ctx, DeadLetterSubject(op), data); err != nil {
			w.log.Error("dead-letter publish failed", "error", err)
		}
	}
	if w.deadLet != nil {
		w.deadLet.Inc()
	}
	_ = msg.Term()
}

// redeliveryDelay schedules the next delivery: the server's hint when
// present, else exponential from 2s capped at 300s.
func redeliveryDelay(deliveries int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	d := 2 * time.Second << (deliveries - 1)
	if d > 300*time.Second || d <= 0 {
		d = 300 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
