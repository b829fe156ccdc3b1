// Package idempotency deduplicates inbound webhook requests before any side
// effect is scheduled. Voice agents deliver at-least-once, so the same
// bookAppointment call can arrive twice; the gate makes sure only the first
// one schedules work and later ones replay the original response.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
)

// RetentionWindow is how long records are kept. Redis key expiry is the
// garbage-collection sweep.
const RetentionWindow = 24 * time.Hour

// record is the stored shape of one admitted request. Response stays empty
// until Complete runs; an empty response marks the request as in flight.
type record struct {
	FunctionName string          `json:"function_name"`
	Params       json.RawMessage `json:"params"`
	ReceivedAt   int64           `json:"received_at"`
	Response     json.RawMessage `json:"response,omitempty"`
}

// Result is the outcome of admitting a request.
type Result struct {
	// IsNew is true when this request id has not been seen before and the
	// caller must process it (and later call Complete).
	IsNew bool

	// Cached holds the byte-for-byte response of the first completion, or
	// nil when the original request is still in flight.
	Cached []byte

	// FailedOpen is true when the store was unreachable and the request was
	// admitted without dedup. Duplicate side effects become possible; the
	// caller gets availability instead.
	FailedOpen bool
}

// Gate is the Redis-backed idempotency layer.
type Gate struct {
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewGate creates a gate with the standard retention window.
func NewGate(rdb *redis.Client, logger *zap.Logger) *Gate {
	return &Gate{rdb: rdb, logger: logger, ttl: RetentionWindow}
}

func (g *Gate) key(tenantID, requestID string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, requestID)
}

// Admit atomically claims a request id. On a fresh id it inserts the record
// and returns IsNew=true. On a duplicate it returns the cached response when
// the original completed, or no response while it is still processing.
// Store outages fail open: the request proceeds and the risk is logged.
func (g *Gate) Admit(ctx context.Context, tenantID, requestID, functionName string, params []byte) Result {
	rec := record{
		FunctionName: functionName,
		Params:       params,
		ReceivedAt:   time.Now().Unix(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		// Params come straight from a decoded request body; this cannot
		// realistically fail, but fail open if it does.
		return g.failOpen(requestID, err)
	}

	set, err := g.rdb.SetNX(ctx, g.key(tenantID, requestID), data, g.ttl).Result()
	if err != nil {
		return g.failOpen(requestID, err)
	}
	if set {
		return Result{IsNew: true}
	}

	val, err := g.rdb.Get(ctx, g.key(tenantID, requestID)).Result()
	if err == redis.Nil {
		// Record expired between SETNX and GET. Treat as fresh.
		return Result{IsNew: true}
	}
	if err != nil {
		return g.failOpen(requestID, err)
	}

	var existing record
	if err := json.Unmarshal([]byte(val), &existing); err != nil {
		g.logger.Error("corrupt idempotency record, admitting request",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return Result{IsNew: true}
	}

	if len(existing.Response) == 0 {
		// First request still in flight; caller should acknowledge without
		// reprocessing.
		return Result{IsNew: false}
	}

	metrics.RecordIdempotencyHit()
	g.logger.Debug("idempotency cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
	)
	return Result{IsNew: false, Cached: existing.Response}
}

// Complete caches the response for a previously admitted request so that
// duplicates can replay it byte-for-byte.
func (g *Gate) Complete(ctx context.Context, tenantID, requestID string, response []byte) error {
	key := g.key(tenantID, requestID)

	val, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("idempotency record not found for request %s", requestID)
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return fmt.Errorf("corrupt idempotency record: %w", err)
	}

	rec.Response = response
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	if err := g.rdb.Set(ctx, key, data, g.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

func (g *Gate) failOpen(requestID string, err error) Result {
	metrics.RecordIdempotencyFailOpen()
	g.logger.Warn("idempotency store unavailable, admitting without dedup",
		zap.String("request_id", requestID),
		zap.Error(err),
	)
	return Result{IsNew: true, FailedOpen: true}
}
