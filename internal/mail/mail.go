// Package mail builds account emails and delivers them over SMTP, a message
// queue or the log.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Message is a plain-text email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Validate checks that the message can be delivered.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("mail recipient is required")
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("mail headers must not contain line breaks")
	}
	return nil
}

// Mailer delivers a message. Implementations do not retry.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// VerificationLink returns the URL a user follows to verify their email.
func VerificationLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/users/verify/" + url.PathEscape(token)
}

// VerificationMessage is sent right after registration.
func VerificationMessage(baseURL, to, token string) Message {
	return Message{
		To:      to,
		Subject: "Confirm your email",
		Text: fmt.Sprintf(
			"Follow the link to verify your email: %s\r\n",
			VerificationLink(baseURL, token),
		),
	}
}

// ResendVerificationMessage is sent when the user asks for the link again.
func ResendVerificationMessage(baseURL, to, token string) Message {
	return Message{
		To:      to,
		Subject: "Confirm your email (resent)",
		Text: fmt.Sprintf(
			"You asked us to resend your verification link. Follow it to verify your email: %s\r\n",
			VerificationLink(baseURL, token),
		),
	}
}
