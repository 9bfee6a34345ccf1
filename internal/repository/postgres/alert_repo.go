package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/spaceai-opscore/internal/alertlog"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

// DB — часть pgxpool.Pool, нужная репозиториям.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type AlertRepo struct {
	db DB
}

func NewAlertRepo(db DB) *AlertRepo {
	return &AlertRepo{db: db}
}

// Количество колонок в таблице resource_alerts
const alertColumns = 9

// WriteBatch сохраняет пачку записей журнала одной многострочной вставкой.
func (r *AlertRepo) WriteBatch(ctx context.Context, entries []alertlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	query, args := buildAlertInsert(entries)
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: write alert batch: %w", err)
	}
	return nil
}

func buildAlertInsert(entries []alertlog.Entry) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(entries)*alertColumns)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * alertColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		// Восстановление пишется отдельной строкой со своим id
		id := e.Alert.ID
		if e.Recovered || id == "" {
			id = uuid.New().String()
		}
		args = append(args,
			id, e.InstanceID, string(e.Alert.ResourceType), string(e.Alert.Status),
			e.Alert.CurrentValue, e.Alert.Threshold, e.Alert.Message, e.Recovered, e.Alert.Timestamp,
		)
	}

	query := "INSERT INTO resource_alerts (id, instance_id, resource_type, status, current_value, threshold, message, recovered, created_at) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, args
}

// ListRecent возвращает последние записи журнала не старше since, новые первыми.
func (r *AlertRepo) ListRecent(ctx context.Context, since time.Time, limit int) ([]domain.AlertHistoryItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, instance_id, resource_type, status, current_value, threshold, message, recovered, created_at
		FROM resource_alerts
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AlertHistoryItem, 0, limit)
	for rows.Next() {
		var (
			rec          domain.AlertHistoryItem
			resourceType string
			status       string
		)
		if err := rows.Scan(&rec.Alert.ID, &rec.InstanceID, &resourceType, &status,
			&rec.Alert.CurrentValue, &rec.Alert.Threshold, &rec.Alert.Message, &rec.Recovered, &rec.Alert.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		rec.Alert.ResourceType = domain.ResourceType(resourceType)
		rec.Alert.Status = domain.AlertStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
