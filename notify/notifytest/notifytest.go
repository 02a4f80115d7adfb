// Package notifytest provides in-memory senders that record what they were
// asked to deliver.
package notifytest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mediremind/notify"
)

type Email struct {
	To       string
	Subject  string
	HTMLBody string
}

// Push records push messages.  Sends to any token in FailTokens fail.
type Push struct {
	FailTokens map[string]bool

	mu   sync.Mutex
	sent []*notify.Message
}

func (p *Push) Send(ctx context.Context, msg *notify.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailTokens[msg.Token] {
		return "", fmt.Errorf("token %q is unregistered", msg.Token)
	}
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

// Sent returns the delivered messages ordered by token then title.
func (p *Push) Sent() []*notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := append([]*notify.Message(nil), p.sent...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// Mailer records emails.  Sends to any address in FailAddrs fail.
type Mailer struct {
	FailAddrs map[string]bool

	mu   sync.Mutex
	sent []Email
}

func (m *Mailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAddrs[to] {
		return fmt.Errorf("mailbox %q unavailable", to)
	}
	m.sent = append(m.sent, Email{To: to, Subject: subject, HTMLBody: htmlBody})
	return nil
}

// Sent returns the delivered emails ordered by recipient then subject.
func (m *Mailer) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]Email(nil), m.sent...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
