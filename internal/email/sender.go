package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Message is a fully formed email; content is not templated here.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
}

// Transport delivers built messages. *gomail.Dialer satisfies it.
type Transport interface {
	DialAndSend(m ...*gomail.Message) error
}

type Sender struct {
	Transport Transport
	From      string
	Timeout   time.Duration
}

func NewSender(host string, port int, user, password, from string, timeout time.Duration) *Sender {
	return &Sender{
		Transport: gomail.NewDialer(host, port, user, password),
		From:      from,
		Timeout:   timeout,
	}
}

// Send delivers msg and returns the Message-ID it was sent with. A send that
// outlives Timeout is reported as failed; the SMTP exchange itself cannot be
// interrupted and finishes in the background.
func (s *Sender) Send(ctx context.Context, msg Message) (string, error) {
	m, messageID := s.build(msg)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Transport.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send error: %w", err)
		}
		return messageID, nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("smtp send timed out after %s: %w", s.Timeout, ctx.Err())
		}
		return "", fmt.Errorf("smtp send cancelled: %w", ctx.Err())
	}
}

func (s *Sender) build(msg Message) (*gomail.Message, string) {
	from := msg.From
	if from == "" {
		from = s.From
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from))

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTMLBody)

	return m, messageID
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
