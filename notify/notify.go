// Package notify fans messages out to push and email providers.  It knows
// nothing about medicines; callers decide what to send and to whom.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxBatchSize is the provider-imposed ceiling on one push batch.
const MaxBatchSize = 500

var (
	ErrBatchTooLarge = fmt.Errorf("push batch larger than %d messages", MaxBatchSize)
	ErrNoSender      = errors.New("no sender configured for channel")
)

type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Result is the outcome of one message in a batch.  Responses line up
// index-for-index with the messages passed in.
type Result struct {
	MessageID string
	Err       error
}

type BatchResponse struct {
	SuccessCount int
	FailureCount int
	Responses    []Result
}

func (b *BatchResponse) add(o *BatchResponse) {
	b.SuccessCount += o.SuccessCount
	b.FailureCount += o.FailureCount
	b.Responses = append(b.Responses, o.Responses...)
}

// PushSender delivers a single push message and returns the provider's
// message ID.
type PushSender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type Gateway struct {
	push  PushSender
	email EmailSender

	batchConcurrency int64

	sendCount     *stats.Int64Measure
	sendCountView *view.View
}

type GatewayOpt func(*Gateway)

func WithPushSender(p PushSender) GatewayOpt {
	return func(g *Gateway) {
		g.push = p
	}
}

func WithEmailSender(e EmailSender) GatewayOpt {
	return func(g *Gateway) {
		g.email = e
	}
}

// WithBatchConcurrency bounds how many messages of one batch are in flight at
// once.
func WithBatchConcurrency(n int64) GatewayOpt {
	return func(g *Gateway) {
		g.batchConcurrency = n
	}
}

var (
	channelKey = tag.MustNewKey("channel")
	outcomeKey = tag.MustNewKey("outcome")
)

func New(opts ...GatewayOpt) *Gateway {
	g := &Gateway{
		batchConcurrency: 32,
	}
	for _, o := range opts {
		o(g)
	}

	g.sendCount = stats.Int64("notify/sends", "", stats.UnitDimensionless)
	g.sendCountView = &view.View{
		Name:        "notify/sends",
		Description: "Counter of notification sends by channel and outcome",

		TagKeys: []tag.Key{channelKey, outcomeKey},

		Measure:     g.sendCount,
		Aggregation: view.Count(),
	}

	return g
}

func (g *Gateway) RegisterMetrics() error {
	return view.Register(g.sendCountView)
}

func (g *Gateway) record(ctx context.Context, channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stats.RecordWithOptions(
		ctx,
		stats.WithTags(
			tag.Insert(channelKey, channel),
			tag.Insert(outcomeKey, outcome),
		),
		stats.WithMeasurements(g.sendCount.M(1)))
}

func (g *Gateway) HasPush() bool {
	return g.push != nil
}

func (g *Gateway) HasEmail() bool {
	return g.email != nil
}

func (g *Gateway) SendPush(ctx context.Context, token, title, body string, data map[string]string) error {
	if g.push == nil {
		return ErrNoSender
	}
	_, err := g.push.Send(ctx, &Message{Token: token, Title: title, Body: body, Data: data})
	g.record(ctx, "push", err)
	if err != nil {
		return fmt.Errorf("while sending push: %w", err)
	}
	return nil
}

// SendBatch sends up to MaxBatchSize push messages concurrently.  Failures are
// reported per message in the response, never as the returned error.
func (g *Gateway) SendBatch(ctx context.Context, msgs []*Message) (*BatchResponse, error) {
	if len(msgs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if g.push == nil {
		return nil, ErrNoSender
	}

	ctx, span := otel.Tracer("mediremind/notify").Start(ctx, "Gateway.SendBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(msgs)))

	resp := &BatchResponse{
		Responses: make([]Result, len(msgs)),
	}

	sem := semaphore.NewWeighted(g.batchConcurrency)
	group := errgroup.Group{}
	for i, m := range msgs {
		i, m := i, m
		if err := sem.Acquire(ctx, 1); err != nil {
			resp.Responses[i].Err = fmt.Errorf("while waiting to send: %w", err)
			continue
		}
		group.Go(func() error {
			defer sem.Release(1)
			id, err := g.push.Send(ctx, m)
			g.record(ctx, "push", err)
			resp.Responses[i] = Result{MessageID: id, Err: err}
			return nil
		})
	}
	group.Wait()

	for _, r := range resp.Responses {
		if r.Err != nil {
			resp.FailureCount++
		} else {
			resp.SuccessCount++
		}
	}
	span.SetAttributes(attribute.Int("failure_count", resp.FailureCount))

	return resp, nil
}

// SendAll splits msgs into batches of at most MaxBatchSize and sends them in
// order.  No failed message is retried.
func (g *Gateway) SendAll(ctx context.Context, msgs []*Message) (*BatchResponse, error) {
	total := &BatchResponse{}
	for start := 0; start < len(msgs); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}

		resp, err := g.SendBatch(ctx, msgs[start:end])
		if err != nil {
			return total, fmt.Errorf("while sending push batch [%d, %d): %w", start, end, err)
		}
		if resp.FailureCount != 0 {
			glog.Warningf("Push batch [%d, %d): %d of %d messages failed", start, end, resp.FailureCount, end-start)
		}
		total.add(resp)
	}
	return total, nil
}

func (g *Gateway) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	if g.email == nil {
		return ErrNoSender
	}
	err := g.email.Send(ctx, to, subject, htmlBody)
	g.record(ctx, "email", err)
	if err != nil {
		return fmt.Errorf("while sending email: %w", err)
	}
	return nil
}
