package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/freqsearch/internal/models"
)

type submitRecorder struct {
	mu       sync.Mutex
	err      error
	received []*ReadyMessage
}

func (r *submitRecorder) submit(_ context.Context, msg *ReadyMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.received = append(r.received, msg)
	return nil
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func validReadyPayload(t *testing.T, strategyID uuid.UUID) string {
	t.Helper()
	payload, err := json.Marshal(&ReadyMessage{
		StrategyID: strategyID,
		Config: models.BacktestConfig{
			Exchange:       "binance",
			Pairs:          []string{"BTC/USDT"},
			Timeframe:      "5m",
			TimerangeStart: "20240101",
			TimerangeEnd:   "20240301",
			DryRunWallet:   1000,
			MaxOpenTrades:  3,
			StakeAmount:    "100",
		},
		Priority: 5,
	})
	require.NoError(t, err)
	return string(payload)
}

func addReadyMessage(t *testing.T, client *redis.Client, stream, payload string) {
	t.Helper()
	err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{PayloadField: payload},
	}).Err()
	require.NoError(t, err)
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), stream, group).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestConsumerSubmitsReadyMessage(t *testing.T) {
	streams, client, _ := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	strategyID := uuid.New()
	addReadyMessage(t, client, cfg.ReadyStream, validReadyPayload(t, strategyID))

	c.poll(ctx)

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, strategyID, recorder.received[0].StrategyID)
	assert.Equal(t, 5, recorder.received[0].Priority)
	assert.Equal(t, "binance", recorder.received[0].Config.Exchange)

	// Successful submissions are acknowledged.
	assert.Zero(t, pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestConsumerAcksMalformedMessage(t *testing.T) {
	streams, client, _ := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	addReadyMessage(t, client, cfg.ReadyStream, `{"strategy_id": not json`)

	c.poll(ctx)

	assert.Zero(t, recorder.count())
	// Malformed messages are acked so they never redeliver.
	assert.Zero(t, pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestConsumerAcksMissingStrategyID(t *testing.T) {
	streams, client, _ := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	addReadyMessage(t, client, cfg.ReadyStream, `{"priority": 3}`)

	c.poll(ctx)

	assert.Zero(t, recorder.count())
	assert.Zero(t, pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestConsumerAcksRejectedSubmission(t *testing.T) {
	streams, client, _ := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{err: models.NewValidationError("priority", "out of range")}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	addReadyMessage(t, client, cfg.ReadyStream, validReadyPayload(t, uuid.New()))

	c.poll(ctx)

	// Semantically rejected messages are acked, not retried.
	assert.Zero(t, pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestConsumerLeavesInfraFailuresPending(t *testing.T) {
	streams, client, _ := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{err: errors.New("database unavailable")}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	addReadyMessage(t, client, cfg.ReadyStream, validReadyPayload(t, uuid.New()))

	c.poll(ctx)

	// The entry stays pending so another pass can redeliver it.
	assert.Equal(t, int64(1), pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestConsumerReclaimsStalledEntries(t *testing.T) {
	streams, client, mr := newTestBus(t)
	cfg := testRedisConfig()
	recorder := &submitRecorder{}

	c, err := NewConsumer(streams, cfg, recorder.submit, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	strategyID := uuid.New()
	addReadyMessage(t, client, cfg.ReadyStream, validReadyPayload(t, strategyID))

	// A consumer reads the entry and dies before acknowledging.
	_, err = streams.XReadGroup(ctx, cfg.ConsumerGroup, "dead-consumer", []string{cfg.ReadyStream, ">"}, 10, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))

	mr.FastForward(5 * time.Second)

	c.reclaimPending(ctx)

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, strategyID, recorder.received[0].StrategyID)
	assert.Zero(t, pendingCount(t, client, cfg.ReadyStream, cfg.ConsumerGroup))
}

func TestParseReadyMessage(t *testing.T) {
	valid, err := json.Marshal(&ReadyMessage{StrategyID: uuid.New(), Priority: 2})
	require.NoError(t, err)

	tests := []struct {
		name    string
		values  map[string]any
		wantErr bool
	}{
		{
			name:   "valid payload",
			values: map[string]any{PayloadField: string(valid)},
		},
		{
			name:    "missing payload field",
			values:  map[string]any{"other": "x"},
			wantErr: true,
		},
		{
			name:    "payload not json",
			values:  map[string]any{PayloadField: "{{"},
			wantErr: true,
		},
		{
			name:    "nil strategy id",
			values:  map[string]any{PayloadField: `{"priority": 1}`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseReadyMessage(redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
