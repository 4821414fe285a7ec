package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usersapi/apiserver/config"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/mq"
)

func TestVerificationMessage(t *testing.T) {
	msg := VerificationMessage("http://localhost:8080/", "a@x.com", "tok-123")

	assert.Equal(t, "a@x.com", msg.To)
	assert.NotEmpty(t, msg.Subject)
	assert.Contains(t, msg.Text, "http://localhost:8080/users/verify/tok-123")
	require.NoError(t, msg.Validate())
}

func TestResendVerificationMessage(t *testing.T) {
	msg := ResendVerificationMessage("", "a@x.com", "tok-123")

	assert.Contains(t, msg.Text, "/users/verify/tok-123")
	assert.NotEqual(t, VerificationMessage("", "a@x.com", "tok-123").Subject, msg.Subject)
}

func TestMessageValidate(t *testing.T) {
	require.Error(t, Message{}.Validate())
	require.Error(t, Message{To: "a@x.com\r\nBcc: evil@x.com"}.Validate())
	require.Error(t, Message{To: "a@x.com", Subject: "hi\nthere"}.Validate())
	require.NoError(t, Message{To: "a@x.com", Subject: "hi"}.Validate())
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(logging.New(&buf, "text"))

	require.NoError(t, m.Send(context.Background(), VerificationMessage("", "a@x.com", "tok")))
	assert.Contains(t, buf.String(), "to=a@x.com")
	assert.Contains(t, buf.String(), "/users/verify/tok")

	require.Error(t, m.Send(context.Background(), Message{}))
}

type fakePublisher struct {
	channel string
	payload any
	err     error
}

func (p *fakePublisher) PublishJSON(_ context.Context, channel string, v any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.channel = channel
	p.payload = v
	return "id-1", nil
}

func TestQueueMailer(t *testing.T) {
	pub := &fakePublisher{}
	m := NewQueueMailer(pub, "mail")
	msg := VerificationMessage("", "a@x.com", "tok")

	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, "mail", pub.channel)
	assert.Equal(t, msg, pub.payload)
}

func TestQueueMailer_PublishFailure(t *testing.T) {
	m := NewQueueMailer(&fakePublisher{err: errors.New("broker down")}, "mail")

	err := m.Send(context.Background(), VerificationMessage("", "a@x.com", "tok"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

type recordingMailer struct {
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeSubscriber struct {
	messages []mq.Message
	results  []error
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, _ string, handler mq.Handler) error {
	for _, m := range s.messages {
		s.results = append(s.results, handler(ctx, m))
	}
	return nil
}

func TestWorker_Run(t *testing.T) {
	sub := &fakeSubscriber{messages: []mq.Message{
		{ID: "1", Data: []byte(`{"to":"a@x.com","subject":"s","text":"t"}`)},
		{ID: "2", Data: []byte(`not json`)},
		{ID: "3", Data: []byte(`{"subject":"no recipient"}`)},
	}}
	mailer := &recordingMailer{}
	w := NewWorker(sub, "mail", mailer, logging.Nop())

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, Message{To: "a@x.com", Subject: "s", Text: "t"}, mailer.sent[0])
	assert.Equal(t, []error{nil, nil, nil}, sub.results)
}

func TestWorker_HandleDeliveryFailureNacks(t *testing.T) {
	w := NewWorker(&fakeSubscriber{}, "mail", &recordingMailer{err: errors.New("smtp down")}, logging.Nop())

	err := w.Handle(context.Background(), mq.Message{ID: "1", Data: []byte(`{"to":"a@x.com"}`)})
	require.Error(t, err)
}

func TestWorker_HandlePermanentRejectionAcks(t *testing.T) {
	mailer := &recordingMailer{err: fmt.Errorf("smtp rcpt: %w", &textproto.Error{Code: 550, Msg: "no such user"})}
	w := NewWorker(&fakeSubscriber{}, "mail", mailer, logging.Nop())

	err := w.Handle(context.Background(), mq.Message{ID: "1", Data: []byte(`{"to":"ghost@x.com"}`)})
	require.NoError(t, err)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(&textproto.Error{Code: 550, Msg: "mailbox unavailable"}))
	assert.True(t, isPermanent(fmt.Errorf("wrapped: %w", &textproto.Error{Code: 554})))
	assert.False(t, isPermanent(&textproto.Error{Code: 451, Msg: "try again later"}))
	assert.False(t, isPermanent(errors.New("connection refused")))
}

func TestSMTPMailer_Build(t *testing.T) {
	m, err := NewSMTPMailer(config.MailConfig{SMTPHost: "smtp.local", From: "no-reply@x.com", FromName: "Users"})
	require.NoError(t, err)

	raw := string(m.build(Message{To: "a@x.com", Subject: "Hello", Text: "body"}, time.Unix(0, 0).UTC()))

	assert.Contains(t, raw, "From: Users <no-reply@x.com>\r\n")
	assert.Contains(t, raw, "To: a@x.com\r\n")
	assert.Contains(t, raw, "Subject: Hello\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nbody"))
}

func TestNewSMTPMailer_RequiresHost(t *testing.T) {
	_, err := NewSMTPMailer(config.MailConfig{From: "x@x.com"})
	require.Error(t, err)
}

// fakeSMTPServer accepts a single plain-text SMTP session and records the
// envelope and data.
func fakeSMTPServer(t *testing.T) (addr string, received <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		var transcript strings.Builder
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch cmd {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 HELP")
			case "MAIL", "RCPT":
				transcript.WriteString(line + "\n")
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				data, err := io.ReadAll(tp.DotReader())
				if err != nil {
					return
				}
				transcript.Write(data)
				_ = tp.PrintfLine("250 OK")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				out <- transcript.String()
				return
			default:
				_ = tp.PrintfLine("502 not implemented")
			}
		}
	}()

	return ln.Addr().String(), out
}

func TestSMTPMailer_Send(t *testing.T) {
	addr, received := fakeSMTPServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m, err := NewSMTPMailer(config.MailConfig{SMTPHost: host, SMTPPort: port, From: "no-reply@x.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Send(ctx, VerificationMessage("http://api", "a@x.com", "tok")))

	select {
	case transcript := <-received:
		assert.Contains(t, transcript, "MAIL FROM:<no-reply@x.com>")
		assert.Contains(t, transcript, "RCPT TO:<a@x.com>")
		assert.Contains(t, transcript, "http://api/users/verify/tok")
	case <-ctx.Done():
		t.Fatal("smtp server did not receive the message")
	}
}
