package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/alertlog"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu       sync.Mutex
	calls    []execCall
	failures int
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.failures > 0 {
		f.failures--
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestBuildAlertInsert(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []alertlog.Entry{
		{InstanceID: "n1", Alert: domain.ResourceAlert{ID: "a1", ResourceType: domain.ResourceCPU, Status: domain.StatusCritical, CurrentValue: 91, Threshold: 90, Timestamp: ts}},
		{InstanceID: "n1", Alert: domain.ResourceAlert{ID: "a1", ResourceType: domain.ResourceCPU, Status: domain.StatusNormal, CurrentValue: 40, Timestamp: ts}, Recovered: true},
	}

	query, args := buildAlertInsert(entries)
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (id) DO NOTHING"))
	require.Len(t, args, 18)
	assert.Equal(t, "a1", args[0])
	assert.Equal(t, "cpu", args[2])
	assert.NotEqual(t, "a1", args[9], "recovery row gets its own id")
	assert.Equal(t, true, args[16])
}

func TestAlertRepo_WriteBatch(t *testing.T) {
	db := &fakeDB{}
	repo := NewAlertRepo(db)

	require.NoError(t, repo.WriteBatch(context.Background(), nil))
	assert.Empty(t, db.calls)

	err := repo.WriteBatch(context.Background(), []alertlog.Entry{{InstanceID: "n1", Alert: domain.ResourceAlert{ID: "a1"}}})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO resource_alerts")
}

func TestBucketRepo_SaveBucketRetries(t *testing.T) {
	db := &fakeDB{failures: 2}
	repo := NewBucketRepo(db, "n1", zaptest.NewLogger(t))

	b := domain.HourlyBucket{
		Hour:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TotalRequests: 7,
		ByEndpoint:    map[string]int64{"/a": 7},
	}
	require.NoError(t, repo.SaveBucket(context.Background(), b))
	require.Len(t, db.calls, 3)
	assert.Equal(t, "n1", db.calls[2].args[0])
	assert.Equal(t, int64(7), db.calls[2].args[2])
	assert.JSONEq(t, `{"/a":7}`, string(db.calls[2].args[3].([]byte)))
}

func TestBucketRepo_SaveBucketGivesUp(t *testing.T) {
	db := &fakeDB{failures: 10}
	repo := NewBucketRepo(db, "n1", zaptest.NewLogger(t))

	err := repo.SaveBucket(context.Background(), domain.HourlyBucket{Hour: time.Now()})
	require.Error(t, err)
	assert.Len(t, db.calls, 3)
}
