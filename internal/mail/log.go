package mail

import (
	"context"

	"github.com/usersapi/apiserver/internal/logging"
)

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	log logging.Logger
}

func NewLogMailer(log logging.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m.log.Info(ctx, "mail not sent, log transport", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}
