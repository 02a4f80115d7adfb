package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type SendGridSender struct {
	sg       *sendgrid.Client
	fromName string
	fromAddr string
}

func NewSendGridSender(sg *sendgrid.Client, fromName, fromAddr string) *SendGridSender {
	return &SendGridSender{
		sg:       sg,
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

func (s *SendGridSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	message := mail.NewV3Mail()
	message.From = mail.NewEmail(s.fromName, s.fromAddr)
	message.Subject = subject

	p := mail.NewPersonalization()
	p.To = append(p.To, mail.NewEmail("", to))
	message.Personalizations = append(message.Personalizations, p)

	message.Content = append(message.Content, mail.NewContent("text/html", htmlBody))

	resp, err := s.sg.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response while sending mail through SendGrid: %d %q", resp.StatusCode, resp.Body)
	}

	return nil
}
