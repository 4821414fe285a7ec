package mail

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/mq"
)

// Publisher is the subset of *mq.MQ used to enqueue mail.
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, v any) (string, error)
}

// QueueMailer hands messages to a broker for asynchronous delivery by a
// Worker. A message counts as dispatched once the broker accepted it.
type QueueMailer struct {
	publisher Publisher
	channel   string
}

func NewQueueMailer(publisher Publisher, channel string) *QueueMailer {
	return &QueueMailer{publisher: publisher, channel: channel}
}

func (m *QueueMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := m.publisher.PublishJSON(ctx, m.channel, msg); err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	return nil
}

// Subscriber is the subset of *mq.MQ used by the worker.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Worker consumes queued messages and delivers them with a Mailer. A failed
// delivery is nacked and left to the broker's redelivery.
type Worker struct {
	subscriber Subscriber
	channel    string
	mailer     Mailer
	log        logging.Logger
}

func NewWorker(subscriber Subscriber, channel string, mailer Mailer, log logging.Logger) *Worker {
	return &Worker{
		subscriber: subscriber,
		channel:    channel,
		mailer:     mailer,
		log:        log.With("component", "mailworker", "channel", channel),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info(ctx, "mail worker started")
	return w.subscriber.Subscribe(ctx, w.channel, w.Handle)
}

// Handle delivers one queued message.
func (w *Worker) Handle(ctx context.Context, m mq.Message) error {
	var msg Message
	if err := mq.DecodeJSON(m, &msg); err != nil {
		// Ack and drop: a malformed payload will not decode on redelivery either.
		w.log.Error(ctx, "dropping malformed mail message", "message_id", m.ID, "error", err)
		return nil
	}
	if err := msg.Validate(); err != nil {
		w.log.Error(ctx, "dropping invalid mail message", "message_id", m.ID, "error", err)
		return nil
	}
	if err := w.mailer.Send(ctx, msg); err != nil {
		if isPermanent(err) {
			w.log.Error(ctx, "dropping undeliverable mail", "message_id", m.ID, "to", msg.To, "error", err)
			return nil
		}
		w.log.Warn(ctx, "mail delivery failed", "message_id", m.ID, "to", msg.To, "error", err)
		return err
	}
	w.log.Info(ctx, "mail delivered", "message_id", m.ID, "to", msg.To)
	return nil
}

// isPermanent reports whether the SMTP server rejected the message with a 5xx
// reply. Redelivering such a message cannot succeed.
func isPermanent(err error) bool {
	var reply *textproto.Error
	return errors.As(err, &reply) && reply.Code >= 500
}
