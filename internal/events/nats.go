package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("learner"))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "nats").Logger(),
	}, nil
}

// Close drains and closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
		}
	}
}

// PublishStatus publishes agent progress to <subject>.status
func (n *NATSPublisher) PublishStatus(_ context.Context, event StatusEvent) error {
	return n.publish(n.subject+".status", event)
}

// PublishEpisode publishes finished episodes to <subject>.episodes
func (n *NATSPublisher) PublishEpisode(_ context.Context, event EpisodeEvent) error {
	return n.publish(n.subject+".episodes", event)
}

// PublishLifecycle publishes state transitions to <subject>.lifecycle
func (n *NATSPublisher) PublishLifecycle(_ context.Context, event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".lifecycle"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish lifecycle event")
		return err
	}

	// Failures also go to the error routing key for alerting
	if event.Event == EventFailed || event.Error != "" {
		routingKey := n.subject + ".error"
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Str("agent", event.Agent).
		Str("event", event.Event).
		Str("subject", subject).
		Msg("Published lifecycle event")

	return nil
}

func (n *NATSPublisher) publish(subject string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return err
	}
	return nil
}
