package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

// BucketRepo сохраняет завершенные часы запросов (реализует stats.BucketSink).
type BucketRepo struct {
	db         DB
	instanceID string
	logger     *zap.Logger
	attempts   uint
}

func NewBucketRepo(db DB, instanceID string, logger *zap.Logger) *BucketRepo {
	return &BucketRepo{
		db:         db,
		instanceID: instanceID,
		logger:     logger.With(zap.String("mod", "bucket-repo")),
		attempts:   3,
	}
}

const upsertBucket = `
INSERT INTO request_buckets (instance_id, hour, total_requests, by_endpoint, total_response_ms)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (instance_id, hour) DO UPDATE
SET total_requests = EXCLUDED.total_requests,
    by_endpoint = EXCLUDED.by_endpoint,
    total_response_ms = EXCLUDED.total_response_ms`

// SaveBucket пишет час с повторами: ротация случается раз в час, терять ее жалко.
func (r *BucketRepo) SaveBucket(ctx context.Context, b domain.HourlyBucket) error {
	byEndpoint, err := json.Marshal(b.ByEndpoint)
	if err != nil {
		return fmt.Errorf("postgres: marshal endpoints: %w", err)
	}

	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.DelayType(retry.BackOffDelay),
	)
	err = rt.Do(func() error {
		tCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, execErr := r.db.Exec(tCtx, upsertBucket, r.instanceID, b.Hour, b.TotalRequests, byEndpoint, b.TotalResponseTime)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("postgres: save bucket %s: %w", b.Hour.Format(time.RFC3339), err)
	}

	r.logger.Debug("hourly bucket saved", zap.Time("hour", b.Hour), zap.Int64("requests", b.TotalRequests))
	return nil
}
