package email

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type captureTransport struct {
	mu    sync.Mutex
	sent  []*gomail.Message
	err   error
	delay time.Duration
}

func (c *captureTransport) DialAndSend(m ...*gomail.Message) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m...)
	return c.err
}

func TestSender_Send(t *testing.T) {
	tr := &captureTransport{}
	s := &Sender{Transport: tr, From: "noreply@pacemail.local", Timeout: time.Second}

	id, err := s.Send(context.Background(), Message{
		From:     "alice@example.com",
		To:       "bob@example.com",
		Subject:  "Hi",
		HTMLBody: "<p>hello</p>",
	})
	require.NoError(t, err)

	require.Len(t, tr.sent, 1)
	m := tr.sent[0]
	assert.Equal(t, []string{id}, m.GetHeader("Message-ID"))
	assert.True(t, strings.HasSuffix(id, "@example.com>"))
	assert.Equal(t, []string{"alice@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"bob@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Hi"}, m.GetHeader("Subject"))

	var raw strings.Builder
	_, err = m.WriteTo(&raw)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "text/html")
	assert.Contains(t, raw.String(), "<p>hello</p>")
}

func TestSender_DefaultFrom(t *testing.T) {
	tr := &captureTransport{}
	s := &Sender{Transport: tr, From: "noreply@pacemail.local"}

	id, err := s.Send(context.Background(), Message{To: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"noreply@pacemail.local"}, tr.sent[0].GetHeader("From"))
	assert.True(t, strings.HasSuffix(id, "@pacemail.local>"))
}

func TestSender_TransportError(t *testing.T) {
	s := &Sender{Transport: &captureTransport{err: errors.New("550 mailbox unavailable")}}

	id, err := s.Send(context.Background(), Message{To: "bob@example.com"})
	assert.Empty(t, id)
	assert.ErrorContains(t, err, "550 mailbox unavailable")
}

func TestSender_Timeout(t *testing.T) {
	s := &Sender{
		Transport: &captureTransport{delay: 200 * time.Millisecond},
		Timeout:   20 * time.Millisecond,
	}

	_, err := s.Send(context.Background(), Message{To: "bob@example.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "timed out")
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("a@example.com"))
	assert.Equal(t, "example.com", domainOf("Alice <a@example.com>"))
	assert.Equal(t, "localhost", domainOf("nobody"))
}
