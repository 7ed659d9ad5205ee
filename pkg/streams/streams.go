// Package streams carries pipeline traffic over durable Redis streams with
// consumer groups, per-message acknowledgement and visibility-timeout
// redelivery.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/telemetry"
)

const (
	fieldPayload    = "payload"
	fieldOrigin     = "origin"
	fieldOriginID   = "origin_id"
	fieldDeliveries = "deliveries"
)

// Producer appends messages to a stream.
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer builds a Producer. maxLen of zero keeps streams unbounded;
// trimming is left to the operator in that case.
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	return &Producer{client: client, maxLen: maxLen}
}

// Publish appends the JSON-encoded payload and returns the message ID.
func (p *Producer) Publish(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode stream payload: %w", err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Values: map[string]any{fieldPayload: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: publish to %s: %v", domain.ErrStreamUnavailable, stream, err)
	}
	return id, nil
}

// Handler processes one delivered message. A nil return acknowledges the
// message. An error wrapping domain.ErrPermanentFailure acknowledges without
// retry. Any other error leaves the message pending for redelivery.
type Handler func(ctx context.Context, msg domain.StreamMessage) error

// ConsumerOptions configure a group consumer.
type ConsumerOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds each read wait. Zero selects one second.
	Block time.Duration
	// VisibilityTimeout is how long a delivered message may sit unacked
	// before another consumer reclaims it.
	VisibilityTimeout time.Duration
	// DeliveryCap routes messages to the dead-letter stream once their
	// delivery count exceeds it. Zero selects five.
	DeliveryCap int64
	// DeadLetterStream defaults to domain.StreamDeadLetter.
	DeadLetterStream string
	Logger           *slog.Logger
	// Metrics, when set, counts dead-lettered messages per origin stream.
	Metrics *telemetry.Metrics
}

// Consumer reads a stream through a consumer group and runs a Handler over
// each delivery.
type Consumer struct {
	client     *redis.Client
	stream     string
	group      string
	name       string
	block      time.Duration
	visibility time.Duration
	cap        int64
	deadLetter string
	log        *slog.Logger
	metrics    *telemetry.Metrics
}

// NewConsumer creates the group if needed and returns a consumer bound to it.
func NewConsumer(ctx context.Context, client *redis.Client, opts ConsumerOptions) (*Consumer, error) {
	if opts.Stream == "" || opts.Group == "" || opts.Consumer == "" {
		return nil, errors.New("streams: stream, group and consumer are required")
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DeliveryCap <= 0 {
		opts.DeliveryCap = 5
	}
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = domain.StreamDeadLetter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%w: create group %s on %s: %v",
			domain.ErrStreamUnavailable, opts.Group, opts.Stream, err)
	}

	return &Consumer{
		client:     client,
		stream:     opts.Stream,
		group:      opts.Group,
		name:       opts.Consumer,
		block:      opts.Block,
		visibility: opts.VisibilityTimeout,
		cap:        opts.DeliveryCap,
		deadLetter: opts.DeadLetterStream,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Run reads and handles messages until the context ends. Reclaiming of stale
// pending messages runs alongside the read loop.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("streams: nil handler")
	}

	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		c.reclaimLoop(ctx, handler)
	}()
	defer func() { <-reclaimDone }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("stream read failed", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.block):
			}
			continue
		}

		for _, stream := range res {
			for _, raw := range stream.Messages {
				c.handle(ctx, handler, toMessage(c.stream, raw, 1))
			}
		}
	}
}

// ProcessPending drains messages idle past the visibility timeout once. It is
// exported for tests and for draining on shutdown.
func (c *Consumer) ProcessPending(ctx context.Context, handler Handler) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   c.visibility,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: pending scan on %s: %v", domain.ErrStreamUnavailable, c.stream, err)
	}

	for _, entry := range pending {
		if entry.RetryCount >= c.cap {
			c.deadLetterMessage(ctx, entry)
			continue
		}
		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.visibility,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.log.Error("claim failed", "stream", c.stream, "id", entry.ID, "error", err)
			continue
		}
		for _, raw := range claimed {
			// XCLAIM bumps the delivery counter.
			c.handle(ctx, handler, toMessage(c.stream, raw, entry.RetryCount+1))
		}
	}
	return nil
}

func (c *Consumer) reclaimLoop(ctx context.Context, handler Handler) {
	interval := c.visibility / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ProcessPending(ctx, handler); err != nil && ctx.Err() == nil {
				c.log.Error("pending reclaim failed", "stream", c.stream, "error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler Handler, msg domain.StreamMessage) {
	err := c.invoke(ctx, handler, msg)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPermanentFailure):
		c.log.Warn("message failed permanently",
			"stream", c.stream, "id", msg.ID, "error", err)
	default:
		// Left pending for the visibility-timeout reclaimer.
		c.log.Error("message handling failed",
			"stream", c.stream, "id", msg.ID, "deliveries", msg.DeliveryCount, "error", err)
		return
	}

	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
		c.log.Error("ack failed", "stream", c.stream, "id", msg.ID, "error", err)
	}
}

func (c *Consumer) invoke(ctx context.Context, handler Handler, msg domain.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrPermanentFailure, r)
		}
	}()
	return handler(ctx, msg)
}

func (c *Consumer) deadLetterMessage(ctx context.Context, entry redis.XPendingExt) {
	payload := ""
	rows, err := c.client.XRangeN(ctx, c.stream, entry.ID, entry.ID, 1).Result()
	if err == nil && len(rows) == 1 {
		if text, ok := rows[0].Values[fieldPayload].(string); ok {
			payload = text
		}
	}

	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.deadLetter,
		Values: map[string]any{
			fieldPayload:    payload,
			fieldOrigin:     c.stream,
			fieldOriginID:   entry.ID,
			fieldDeliveries: entry.RetryCount,
		},
	}).Err()
	if err != nil {
		c.log.Error("dead-letter publish failed", "stream", c.stream, "id", entry.ID, "error", err)
		return
	}
	if err := c.client.XAck(ctx, c.stream, c.group, entry.ID).Err(); err != nil {
		c.log.Error("dead-letter ack failed", "stream", c.stream, "id", entry.ID, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordDeadLetter(c.stream)
	}
	c.log.Warn("message dead-lettered",
		"stream", c.stream, "id", entry.ID, "deliveries", entry.RetryCount)
}

func toMessage(stream string, raw redis.XMessage, deliveries int64) domain.StreamMessage {
	payload := ""
	if text, ok := raw.Values[fieldPayload].(string); ok {
		payload = text
	}
	return domain.StreamMessage{
		ID:            raw.ID,
		Stream:        stream,
		Payload:       []byte(payload),
		DeliveryCount: deliveries,
	}
}
