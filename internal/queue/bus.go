package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	NoticesStreamName  = "NOTICES"
	NoticesSubjectBase = "notices"

	// Notice events.
	EventAttendanceLog = "att_log"
	EventRosterUpdate  = "db_update"
)

// Notice tells other instances that shared state changed: a new
// attendance mark to rebroadcast, or a roster/config edit to reload.
type Notice struct {
	Org     string          `json:"org"`
	Event   string          `json:"event"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// NoticeHandler processes one notice from another instance.
type NoticeHandler func(ctx context.Context, n Notice)

// Bus fans notices out across instances over a JetStream stream. Each
// instance carries a random origin id so it can skip its own messages.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	org    string
	origin string
}

func NewBus(natsURL, orgID string) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Bus{
		nc:     nc,
		js:     js,
		org:    orgID,
		origin: uuid.New().String(),
	}, nil
}

// EnsureStream creates the NOTICES stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (b *Bus) EnsureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        NoticesStreamName,
		Subjects:    []string{NoticesSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      time.Hour,
		MaxMsgs:     100000,
		Storage:     jetstream.FileStorage,
		Description: "Cross-instance attendance and roster notices",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := b.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// Publish sends a notice to every other instance of the org.
func (b *Bus) Publish(ctx context.Context, event string, payload interface{}) error {
	n := Notice{Org: b.org, Event: event, Origin: b.origin, TS: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal notice payload: %w", err)
		}
		n.Payload = raw
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", NoticesSubjectBase, b.org, event)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Consume delivers the org's notices to handler until ctx is canceled.
// The consumer is ephemeral and starts at new messages, so restarts
// never replay history. Notices this instance published are skipped.
func (b *Bus) Consume(ctx context.Context, handler NoticeHandler) error {
	stream, err := b.js.Stream(ctx, NoticesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", NoticesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: fmt.Sprintf("%s.%s.>", NoticesSubjectBase, b.org),
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create notice consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch notices error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				var n Notice
				if err := json.Unmarshal(msg.Data(), &n); err != nil {
					slog.Warn("decode notice", "error", err)
					_ = msg.Ack()
					continue
				}
				if n.Origin != b.origin {
					handler(ctx, n)
				}
				_ = msg.Ack()
			}
		}
	}()

	slog.Info("notice consumer started", "org", b.org)
	return nil
}

func (b *Bus) Ping() error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (b *Bus) Close() {
	b.nc.Close()
}
