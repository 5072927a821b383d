package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	database "sagaflow/storage/database"
)

// SQLInboxRepository Inbox 的 SQL 实现
//
// 面向 sqlite（modernc.org/sqlite），占位符使用 `?`。
// 去重依赖 event_id 列的唯一约束。
type SQLInboxRepository struct {
	db        database.IDatabase
	tableName string
	logger    logging.Logger
}

// NewSQLInboxRepository 创建 SQL Inbox 仓储
func NewSQLInboxRepository(db database.IDatabase, logger logging.Logger) *SQLInboxRepository {
	if logger == nil {
		logger = logging.ComponentLogger("inbox.repository")
	}
	return &SQLInboxRepository{
		db:        db,
		tableName: InboxMessage{}.TableName(),
		logger:    logger,
	}
}

// Insert 插入入站事件记录
func (r *SQLInboxRepository) Insert(ctx context.Context, msg *InboxMessage) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, event_data, saga_id, status, received_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.tableName)

	status := msg.Status
	if status == "" {
		status = InboxStatusPending
	}

	result, err := r.db.Exec(ctx, query,
		msg.EventID,
		msg.EventType,
		msg.EventData,
		msg.SagaID,
		status,
		msg.ReceivedAt,
		msg.RetryCount,
	)
	if err != nil {
		// sqlite 的唯一约束冲突没有专用错误类型，按错误文本识别
		if isUniqueViolation(err) {
			return apperrors.NewError(apperrors.ErrCodeDuplicate, "inbox event already recorded").
				WithContext("event_id", msg.EventID)
		}
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "insert inbox message failed")
	}

	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unique constraint") || strings.Contains(text, "constraint failed")
}

// ClaimPending 认领一批待处理记录
//
// 先条件更新认领（防止并发 worker 重复处理），再读取被认领的记录。
func (r *SQLInboxRepository) ClaimPending(ctx context.Context, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "begin claim transaction failed")
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = ?
		   OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		ORDER BY received_at ASC
		LIMIT ?
	`, r.tableName)

	rows, err := tx.Query(ctx, selectQuery, InboxStatusPending, InboxStatusFailed, time.Now(), limit)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query claimable inbox messages failed")
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan inbox message id failed")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "iterate inbox message ids failed")
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	// 条件更新：只有仍处于可认领状态的记录会被置为 processing
	var claimed []InboxMessage
	for _, id := range ids {
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET status = ?
			WHERE id = ? AND status IN (?, ?)
		`, r.tableName)
		result, err := tx.Exec(ctx, updateQuery, InboxStatusProcessing, id, InboxStatusPending, InboxStatusFailed)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "claim inbox message failed")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "get claim rows affected failed")
		}
		if affected == 0 {
			// 已被其他 worker 认领
			continue
		}

		msg, err := r.getInTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "commit claim transaction failed")
	}
	return claimed, nil
}

func (r *SQLInboxRepository) getInTx(ctx context.Context, tx database.ITransaction, id int64) (InboxMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, event_id, event_type, event_data, saga_id, status,
		       received_at, processed_at, retry_count, error_message, next_retry_at
		FROM %s WHERE id = ?
	`, r.tableName)

	var msg InboxMessage
	var processedAt, nextRetryAt sql.NullTime
	var errorMsg sql.NullString

	err := tx.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.EventID, &msg.EventType, &msg.EventData, &msg.SagaID, &msg.Status,
		&msg.ReceivedAt, &processedAt, &msg.RetryCount, &errorMsg, &nextRetryAt,
	)
	if err != nil {
		return InboxMessage{}, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "load inbox message failed")
	}

	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	if errorMsg.Valid {
		msg.ErrorMsg = errorMsg.String
	}
	if nextRetryAt.Valid {
		msg.NextRetryAt = &nextRetryAt.Time
	}
	return msg, nil
}

// MarkAsProcessed 标记为已处理
func (r *SQLInboxRepository) MarkAsProcessed(ctx context.Context, messageID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, processed_at = ? WHERE id = ?`, r.tableName)

	_, err := r.db.Exec(ctx, query, InboxStatusProcessed, time.Now(), messageID)
	if err != nil {
		r.logger.Warn(ctx, "标记已处理失败", logging.Int64("message_id", messageID), logging.Error(err))
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark inbox message as processed failed")
	}
	return nil
}

// MarkAsFailed 标记为失败
func (r *SQLInboxRepository) MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, error_message = ?, retry_count = retry_count + 1, next_retry_at = ?
		WHERE id = ?
	`, r.tableName)

	_, err := r.db.Exec(ctx, query, InboxStatusFailed, errorMsg, nextRetryAt, messageID)
	if err != nil {
		r.logger.Warn(ctx, "标记失败状态失败", logging.Int64("message_id", messageID), logging.Error(err))
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark inbox message as failed failed")
	}
	return nil
}

// MarkAsDead 标记为死信
func (r *SQLInboxRepository) MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, error_message = ? WHERE id = ?`, r.tableName)

	_, err := r.db.Exec(ctx, query, InboxStatusDead, errorMsg, messageID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark inbox message as dead failed")
	}
	return nil
}

// GetDeadMessages 获取死信记录
func (r *SQLInboxRepository) GetDeadMessages(ctx context.Context, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, event_id, event_type, event_data, saga_id, status,
		       received_at, processed_at, retry_count, error_message, next_retry_at
		FROM %s
		WHERE status = ?
		ORDER BY received_at ASC
		LIMIT ?
	`, r.tableName)

	rows, err := r.db.Query(ctx, query, InboxStatusDead, limit)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query dead inbox messages failed")
	}
	defer rows.Close()

	var messages []InboxMessage
	for rows.Next() {
		var msg InboxMessage
		var processedAt, nextRetryAt sql.NullTime
		var errorMsg sql.NullString

		err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.EventType, &msg.EventData, &msg.SagaID, &msg.Status,
			&msg.ReceivedAt, &processedAt, &msg.RetryCount, &errorMsg, &nextRetryAt,
		)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan dead inbox message failed")
		}

		if processedAt.Valid {
			msg.ProcessedAt = &processedAt.Time
		}
		if errorMsg.Valid {
			msg.ErrorMsg = errorMsg.String
		}
		if nextRetryAt.Valid {
			msg.NextRetryAt = &nextRetryAt.Time
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Requeue 将死信记录重新置为 pending
func (r *SQLInboxRepository) Requeue(ctx context.Context, messageID int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, retry_count = 0, next_retry_at = NULL, error_message = NULL
		WHERE id = ? AND status = ?
	`, r.tableName)

	result, err := r.db.Exec(ctx, query, InboxStatusPending, messageID, InboxStatusDead)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "requeue inbox message failed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "get requeue rows affected failed")
	}
	if affected == 0 {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "dead inbox message not found").
			WithContext("message_id", messageID)
	}
	return nil
}

// DeleteProcessed 删除已处理的记录
func (r *SQLInboxRepository) DeleteProcessed(ctx context.Context, olderThan time.Time) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND processed_at < ?`, r.tableName)

	result, err := r.db.Exec(ctx, query, InboxStatusProcessed, olderThan)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete processed inbox messages failed")
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 {
		r.logger.Info(ctx, "清理已处理 Inbox 记录", logging.Int64("deleted", rowsAffected))
	}
	return nil
}

// EnsureTable 确保表存在
func (r *SQLInboxRepository) EnsureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			saga_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NULL,
			next_retry_at TIMESTAMP NULL
		)
	`, r.tableName)

	if _, err := r.db.Exec(ctx, createSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create inbox table failed")
	}

	indexSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_status_retry ON %s (status, next_retry_at)`,
		r.tableName, r.tableName)
	if _, err := r.db.Exec(ctx, indexSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create inbox index failed")
	}

	r.logger.Info(ctx, "Inbox 表已就绪")
	return nil
}

var _ IInboxRepository = (*SQLInboxRepository)(nil)
