package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/gamerec/pkg/natsutil"
)

const (
	// ChangeSubject is the NATS subject announcing catalog changes.
	ChangeSubject = "gamerec.catalog.changed"
	// DLQSubject is the dead letter queue subject for events that kept failing.
	DLQSubject = "gamerec.catalog.changed.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader carries the number of failed attempts so far.
	RetryHeader = "X-Retry-Count"
)

// ChangeEvent announces that a catalog source was modified.
type ChangeEvent struct {
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
	// Mirrored is set when the publisher already synced the external store.
	Mirrored bool      `json:"mirrored,omitempty"`
	At       time.Time `json:"at"`
}

// DeadLetter is published to the DLQ when an event keeps failing.
type DeadLetter struct {
	Event   ChangeEvent `json:"event"`
	Error   string      `json:"error"`
	Retries int         `json:"retries"`
}

// ConsumerOptions configures StartConsumer.
type ConsumerOptions struct {
	Subject    string
	DLQSubject string
	MaxRetries int
	// Queue, when set, load-balances events across replicas.
	Queue   string
	Timeout time.Duration
}

// DefaultConsumerOptions returns the standard subjects and retry budget.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Subject:    ChangeSubject,
		DLQSubject: DLQSubject,
		MaxRetries: MaxRetries,
		Timeout:    5 * time.Minute,
	}
}

// PublishChange announces a catalog change.
func PublishChange(ctx context.Context, nc *nats.Conn, ev ChangeEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return natsutil.Publish(ctx, nc, ChangeSubject, ev)
}

// StartConsumer subscribes handle to catalog change events. A failed event is
// re-published with an incremented retry header until MaxRetries, then sent
// to the DLQ.
func StartConsumer(nc *nats.Conn, opts ConsumerOptions, handle func(context.Context, ChangeEvent) error, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest_consumer")
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}

	cb := func(msg *nats.Msg) {
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Error("ingest: unmarshal failed", "err", err)
			return
		}

		ctx := natsutil.Context(msg)
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		retries := retryCount(msg)
		err := handle(ctx, ev)
		if err == nil {
			log.Info("ingest: catalog change applied", "source", ev.Source, "reason", ev.Reason)
			return
		}

		retries++
		log.Error("ingest: catalog change failed", "err", err, "source", ev.Source, "retry", retries)
		if retries >= opts.MaxRetries {
			data, _ := json.Marshal(DeadLetter{Event: ev, Error: err.Error(), Retries: retries})
			if err := nc.Publish(opts.DLQSubject, data); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			return
		}
		retry := nats.NewMsg(opts.Subject)
		retry.Data = msg.Data
		retry.Header.Set(RetryHeader, strconv.Itoa(retries))
		if err := nc.PublishMsg(retry); err != nil {
			log.Error("ingest: retry publish failed", "err", err)
		}
	}

	if opts.Queue != "" {
		return nc.QueueSubscribe(opts.Subject, opts.Queue, cb)
	}
	return nc.Subscribe(opts.Subject, cb)
}

// WatchDeadLetters calls handle for every event given up on by any consumer.
func WatchDeadLetters(nc *nats.Conn, handle func(context.Context, DeadLetter)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, DLQSubject, handle)
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
