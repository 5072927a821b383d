package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/logging"
	database "sagaflow/storage/database"
)

// SQLOutboxRepository Outbox 的 SQL 实现
//
// 面向 sqlite（modernc.org/sqlite），占位符使用 `?`。
type SQLOutboxRepository struct {
	db        database.IDatabase
	tableName string
	logger    logging.Logger
}

// NewSQLOutboxRepository 创建 SQL Outbox 仓储
func NewSQLOutboxRepository(db database.IDatabase, logger logging.Logger) *SQLOutboxRepository {
	if logger == nil {
		logger = logging.ComponentLogger("outbox.repository")
	}
	return &SQLOutboxRepository{
		db:        db,
		tableName: OutboxMessage{}.TableName(),
		logger:    logger,
	}
}

// Save 保存待发布事件
func (r *SQLOutboxRepository) Save(ctx context.Context, events ...eventing.IEvent) error {
	return r.saveWith(ctx, r.db, events)
}

// SaveInTx 在给定事务中保存待发布事件
//
// 调用方在同一事务中保存 Saga 实例状态，保证状态变更与事件入队的原子性。
func (r *SQLOutboxRepository) SaveInTx(ctx context.Context, tx database.ITransaction, events ...eventing.IEvent) error {
	return r.saveWith(ctx, tx, events)
}

func (r *SQLOutboxRepository) saveWith(ctx context.Context, exec database.IExecutor, events []eventing.IEvent) error {
	if len(events) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (saga_id, event_id, event_type, event_data, status, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.tableName)

	for _, event := range events {
		msg, err := MessageFromEvent(event)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeValidation, "serialize outbox event failed")
		}
		_, err = exec.Exec(ctx, query,
			msg.SagaID,
			msg.EventID,
			msg.EventType,
			msg.EventData,
			msg.Status,
			msg.CreatedAt,
			0,
		)
		if err != nil {
			r.logger.Warn(ctx, "保存 Outbox 记录失败",
				logging.String("event_id", msg.EventID),
				logging.String("event_type", msg.EventType),
				logging.Error(err))
			return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "insert outbox message failed")
		}
	}
	return nil
}

// GetPendingMessages 获取待发布的记录
func (r *SQLOutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, saga_id, event_id, event_type, event_data,
		       status, created_at, published_at, retry_count, last_error, next_retry_at
		FROM %s
		WHERE status = ?
		   OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		ORDER BY created_at ASC
		LIMIT ?
	`, r.tableName)

	rows, err := r.db.Query(ctx, query, OutboxStatusPending, OutboxStatusFailed, time.Now(), limit)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query pending outbox messages failed")
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		var publishedAt, nextRetryAt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&msg.ID, &msg.SagaID, &msg.EventID, &msg.EventType, &msg.EventData,
			&msg.Status, &msg.CreatedAt, &publishedAt,
			&msg.RetryCount, &lastError, &nextRetryAt,
		)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan outbox message failed")
		}

		if publishedAt.Valid {
			msg.PublishedAt = &publishedAt.Time
		}
		if lastError.Valid {
			msg.LastError = lastError.String
		}
		if nextRetryAt.Valid {
			msg.NextRetryAt = &nextRetryAt.Time
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkAsPublished 标记为已发布
func (r *SQLOutboxRepository) MarkAsPublished(ctx context.Context, messageID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, published_at = ? WHERE id = ?`, r.tableName)

	_, err := r.db.Exec(ctx, query, OutboxStatusPublished, time.Now(), messageID)
	if err != nil {
		r.logger.Warn(ctx, "标记已发布失败", logging.Int64("message_id", messageID), logging.Error(err))
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark outbox message as published failed")
	}
	return nil
}

// MarkAsFailed 标记为失败
func (r *SQLOutboxRepository) MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, last_error = ?, retry_count = retry_count + 1, next_retry_at = ?
		WHERE id = ?
	`, r.tableName)

	_, err := r.db.Exec(ctx, query, OutboxStatusFailed, errorMsg, nextRetryAt, messageID)
	if err != nil {
		r.logger.Warn(ctx, "标记事件失败状态失败", logging.Int64("message_id", messageID), logging.Error(err))
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark outbox message as failed failed")
	}
	return nil
}

// MarkAsDead 标记为死信
func (r *SQLOutboxRepository) MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, last_error = ?, next_retry_at = NULL
		WHERE id = ?
	`, r.tableName)

	_, err := r.db.Exec(ctx, query, OutboxStatusDead, errorMsg, messageID)
	if err != nil {
		r.logger.Warn(ctx, "标记死信状态失败", logging.Int64("message_id", messageID), logging.Error(err))
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark outbox message as dead failed")
	}
	return nil
}

// DeletePublished 删除已发布的记录
func (r *SQLOutboxRepository) DeletePublished(ctx context.Context, olderThan time.Time) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND published_at < ?`, r.tableName)

	result, err := r.db.Exec(ctx, query, OutboxStatusPublished, olderThan)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete published outbox messages failed")
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 {
		r.logger.Info(ctx, "清理已发布 Outbox 记录", logging.Int64("deleted", rowsAffected))
	}
	return nil
}

// EnsureTable 确保表存在
func (r *SQLOutboxRepository) EnsureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			saga_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			published_at TIMESTAMP NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			next_retry_at TIMESTAMP NULL
		)
	`, r.tableName)

	if _, err := r.db.Exec(ctx, createSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create outbox table failed")
	}

	indexSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_status_retry ON %s (status, next_retry_at)`,
		r.tableName, r.tableName)
	if _, err := r.db.Exec(ctx, indexSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create outbox index failed")
	}

	r.logger.Info(ctx, "Outbox 表已就绪")
	return nil
}

var _ IOutboxRepository = (*SQLOutboxRepository)(nil)
