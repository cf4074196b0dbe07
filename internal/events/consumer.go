package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
)

const (
	// PayloadField is the field name for the serialized ready message.
	PayloadField = "payload"

	// Default count of messages to read per batch.
	defaultBatchSize = 10

	// Maximum pending messages to check per reclaim pass.
	maxPendingCheck = 100
)

// ReadyMessage is the payload carried by ready-for-backtest stream entries.
// It maps one-to-one onto a submission: strategy, immutable config snapshot,
// and scheduling priority.
type ReadyMessage struct {
	StrategyID        uuid.UUID             `json:"strategy_id"`
	OptimizationRunID *uuid.UUID            `json:"optimization_run_id,omitempty"`
	Config            models.BacktestConfig `json:"config"`
	Priority          int                   `json:"priority"`
}

// SubmitFunc admits a ready strategy into the job queue. A ValidationError
// return means the message is structurally fine but semantically rejected;
// any other error is infrastructure trouble and the message is retried.
type SubmitFunc func(ctx context.Context, msg *ReadyMessage) error

// Consumer reads ready-for-backtest messages from the bus and turns each
// into a job submission. Processing is at-least-once: messages are
// acknowledged only after the submission is durable, and entries stuck with
// dead consumers are reclaimed after an idle threshold.
type Consumer struct {
	streams    *StreamsClient
	cfg        *config.RedisConfig
	submit     SubmitFunc
	log        *logrus.Entry
	consumerID string

	blockTimeout time.Duration
	claimMinIdle time.Duration
	batchSize    int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a bus consumer bound to the configured ready stream.
func NewConsumer(streams *StreamsClient, cfg *config.RedisConfig, submit SubmitFunc, baseLogger *logrus.Logger) (*Consumer, error) {
	if submit == nil {
		return nil, errors.New("submit function is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "backtestd"
	}

	return &Consumer{
		streams:      streams,
		cfg:          cfg,
		submit:       submit,
		log:          baseLogger.WithField("component", "bus_consumer"),
		consumerID:   fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		blockTimeout: time.Duration(cfg.BlockTimeoutSeconds) * time.Second,
		claimMinIdle: time.Duration(cfg.ClaimMinIdleSeconds) * time.Second,
		batchSize:    defaultBatchSize,
	}, nil
}

// Initialize creates the consumer group on the ready stream.
func (c *Consumer) Initialize(ctx context.Context) error {
	if err := c.streams.CreateConsumerGroup(ctx, c.cfg.ReadyStream, c.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.ReadyStream, err)
	}
	return nil
}

// Start launches the background read loop.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)

	c.log.WithFields(logrus.Fields{
		"stream":      c.cfg.ReadyStream,
		"group":       c.cfg.ConsumerGroup,
		"consumer_id": c.consumerID,
	}).Info("Bus consumer started")
}

// Stop halts the read loop and waits for in-flight messages to finish.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("Bus consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		c.poll(ctx)
	}
}

// poll performs one read pass: reclaim stalled entries first, then block
// briefly for new ones.
func (c *Consumer) poll(ctx context.Context) {
	c.reclaimPending(ctx)

	streams, err := c.streams.XReadGroup(
		ctx, c.cfg.ConsumerGroup, c.consumerID,
		[]string{c.cfg.ReadyStream, ">"},
		c.batchSize, c.blockTimeout,
	)
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return
		}
		c.log.WithError(err).Warn("Failed to read from ready stream")
		return
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// reclaimPending claims entries left pending by dead consumers past the
// idle threshold and processes them as if freshly read.
func (c *Consumer) reclaimPending(ctx context.Context) {
	pending, err := c.streams.XPendingExt(ctx, c.cfg.ReadyStream, c.cfg.ConsumerGroup, "-", "+", maxPendingCheck)
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Debug("Failed to inspect pending bus entries")
		}
		return
	}

	var idsToReclaim []string
	for _, entry := range pending {
		if entry.Consumer != c.consumerID && entry.Idle >= c.claimMinIdle {
			idsToReclaim = append(idsToReclaim, entry.ID)
		}
	}
	if len(idsToReclaim) == 0 {
		return
	}

	claimed, err := c.streams.XClaim(ctx, c.cfg.ReadyStream, c.cfg.ConsumerGroup, c.consumerID, c.claimMinIdle, idsToReclaim...)
	if err != nil {
		c.log.WithError(err).Warn("Failed to reclaim stalled bus entries")
		return
	}

	metrics.RecordBusMessagesReclaimed(len(claimed))
	c.log.WithField("reclaimed", len(claimed)).Warn("Reclaimed stalled bus entries from dead consumers")

	for _, msg := range claimed {
		c.handleMessage(ctx, msg)
	}
}

// handleMessage processes one stream entry. Malformed and semantically
// rejected messages are acknowledged so they never loop; infrastructure
// failures leave the entry pending for redelivery.
func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	ready, err := parseReadyMessage(msg)
	if err != nil {
		metrics.RecordBusMessage("malformed")
		c.log.WithError(err).WithField("message_id", msg.ID).
			Warn("Discarding malformed ready message")
		c.acknowledge(ctx, msg.ID)
		return
	}

	if err := c.submit(ctx, ready); err != nil {
		if errors.Is(err, models.ErrValidation) {
			metrics.RecordBusMessage("rejected")
			c.log.WithError(err).WithFields(logrus.Fields{
				"message_id":  msg.ID,
				"strategy_id": ready.StrategyID.String(),
			}).Warn("Rejected invalid ready message")
			c.acknowledge(ctx, msg.ID)
			return
		}

		metrics.RecordBusMessage("error")
		c.log.WithError(err).WithFields(logrus.Fields{
			"message_id":  msg.ID,
			"strategy_id": ready.StrategyID.String(),
		}).Error("Failed to submit ready message, leaving for redelivery")
		return
	}

	metrics.RecordBusMessage("accepted")
	c.acknowledge(ctx, msg.ID)
}

func (c *Consumer) acknowledge(ctx context.Context, messageID string) {
	if err := c.streams.XAck(ctx, c.cfg.ReadyStream, c.cfg.ConsumerGroup, messageID); err != nil {
		c.log.WithError(err).WithField("message_id", messageID).
			Warn("Failed to acknowledge bus message")
	}
}

func parseReadyMessage(msg redis.XMessage) (*ReadyMessage, error) {
	payload, ok := msg.Values[PayloadField].(string)
	if !ok {
		return nil, errors.New("missing or invalid payload field")
	}

	var ready ReadyMessage
	if err := json.Unmarshal([]byte(payload), &ready); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ready message: %w", err)
	}
	if ready.StrategyID == uuid.Nil {
		return nil, errors.New("ready message missing strategy_id")
	}
	return &ready, nil
}
