// Package messaging publishes post-commit turn notifications to RabbitMQ.
// Publishing happens strictly after the turn transaction; a publish failure
// is logged and never affects the committed result.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
)

const publishTimeout = 10 * time.Second

// TurnCommittedPayload is the message body consumed by downstream services
// (client push, analytics).
type TurnCommittedPayload struct {
	SessionID  uuid.UUID `json:"session_id"`
	SceneIndex int       `json:"scene_index"`
	Narration  string    `json:"narration"`
	Timestamp  time.Time `json:"timestamp"`
}

var _ interfaces.TurnNotifier = (*rabbitMQNotifier)(nil)

type rabbitMQNotifier struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQNotifier opens a channel on conn and declares the durable
// notification queue. Queue parameters must match the consumer's.
func NewRabbitMQNotifier(conn *amqp.Connection, queueName string, logger *zap.Logger) (interfaces.TurnNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("turn notifier: failed to open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("turn notifier: failed to declare queue %q: %w", queueName, err)
	}
	return &rabbitMQNotifier{channel: ch, queueName: queueName, logger: logger.Named("TurnNotifier")}, nil
}

func (n *rabbitMQNotifier) TurnCommitted(ctx context.Context, sessionID uuid.UUID, sceneIndex int, narration string) error {
	if n.channel == nil {
		return errors.New("turn notifier: channel not initialized")
	}
	body, err := json.Marshal(TurnCommittedPayload{
		SessionID:  sessionID,
		SceneIndex: sceneIndex,
		Narration:  narration,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("turn notifier: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// Up to 3 attempts with linear backoff; the channel may be mid-reconnect.
	for attempt := 1; attempt <= 3; attempt++ {
		err = n.channel.PublishWithContext(ctx,
			"",          // default exchange
			n.queueName, // routing key
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "fable-server",
			},
		)
		if err == nil {
			return nil
		}
		n.logger.Warn("Turn notification publish failed",
			zap.Int("attempt", attempt),
			zap.String("sessionID", sessionID.String()),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("turn notifier: publish to %q failed after retries: %w", n.queueName, err)
}
