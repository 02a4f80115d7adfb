package notify

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"
)

// FCMSender sends push messages through the Firebase Cloud Messaging HTTP v1
// API.
type FCMSender struct {
	svc    *fcm.Service
	parent string
}

// NewFCMSender builds a sender for project.  Without opts it authenticates
// with application default credentials.
func NewFCMSender(ctx context.Context, project string, opts ...option.ClientOption) (*FCMSender, error) {
	if len(opts) == 0 {
		ts, err := google.DefaultTokenSource(ctx, fcm.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("while loading default credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}

	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("while creating FCM client: %w", err)
	}

	return &FCMSender{
		svc:    svc,
		parent: "projects/" + project,
	}, nil
}

func (s *FCMSender) Send(ctx context.Context, msg *Message) (string, error) {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: msg.Token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
		},
	}

	sent, err := s.svc.Projects.Messages.Send(s.parent, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("while sending FCM message: %w", err)
	}
	return sent.Name, nil
}
