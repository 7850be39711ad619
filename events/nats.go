package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vitwit/awesome402/logger"
)

const (
	// StreamName is the JetStream stream holding settlement events.
	StreamName = "X402_SETTLEMENTS"

	// SubjectPrefix is followed by the network name.
	SubjectPrefix = "x402.settlements"

	StreamRetention = 90 * 24 * time.Hour
)

// JetStreamPublisher publishes settlement events to NATS JetStream on
// "x402.settlements.<network>".
type JetStreamPublisher struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log logger.Logger
}

var _ Publisher = (*JetStreamPublisher)(nil)

// NewJetStreamPublisher connects to natsURL and ensures the stream exists.
func NewJetStreamPublisher(ctx context.Context, natsURL string, log logger.Logger) (*JetStreamPublisher, error) {
	log = logger.OrNop(log)

	nc, err := nats.Connect(natsURL,
		nats.Name("awesome402-facilitator"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, log: log}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	log.Info("NATS publisher initialized", map[string]any{"url": natsURL, "stream": StreamName})
	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	p.log.Info("creating JetStream stream", map[string]any{"stream": StreamName})
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "x402 settlement outcomes",
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event for network is published on.
func Subject(network string) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(network)
	return SubjectPrefix + "." + token
}

func (p *JetStreamPublisher) PublishSettlement(ctx context.Context, event *SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	subject := Subject(event.Network)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish settlement event: %w", err)
	}

	p.log.Debug("published settlement event", map[string]any{
		"subject":     subject,
		"transaction": event.Transaction,
		"success":     event.Success,
	})
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
		p.log.Info("NATS publisher closed", nil)
	}
	return nil
}
