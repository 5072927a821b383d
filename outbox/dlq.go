package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "sagaflow/errors"
	database "sagaflow/storage/database"
)

// DLQMessage 死信队列记录
//
// 当 Outbox 记录多次重试失败后，会被移动到 DLQ 中，等待人工介入或重新入队。
type DLQMessage struct {
	ID                int64     `json:"id"`
	OriginalMessageID int64     `json:"original_message_id"`
	SagaID            string    `json:"saga_id"`
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	EventData         string    `json:"event_data"`
	FailureReason     string    `json:"failure_reason"`
	RetryCount        int       `json:"retry_count"`
	MovedAt           time.Time `json:"moved_at"`
}

// TableName 返回 DLQ 表名
func (DLQMessage) TableName() string {
	return "saga_outbox_dlq"
}

// IDLQRepository DLQ 仓储接口
type IDLQRepository interface {
	// MoveToDLQ 将 Outbox 记录移动到 DLQ，并删除原始记录
	MoveToDLQ(ctx context.Context, msg OutboxMessage) error

	// GetDLQMessages 获取 DLQ 记录，按移入时间倒序
	GetDLQMessages(ctx context.Context, limit int) ([]DLQMessage, error)

	// Requeue 将 DLQ 记录重新插入到 Outbox（状态 pending，重试计数清零），
	// 并删除 DLQ 记录
	Requeue(ctx context.Context, dlqID int64) error

	// DeleteDLQMessage 删除 DLQ 记录
	DeleteDLQMessage(ctx context.Context, dlqID int64) error

	// GetDLQCount 获取 DLQ 记录数量
	GetDLQCount(ctx context.Context) (int64, error)
}

// SQLDLQRepository DLQ 的 SQL 实现
type SQLDLQRepository struct {
	db          database.IDatabase
	outboxTable string
	dlqTable    string
}

// NewSQLDLQRepository 创建 SQL DLQ 仓储
func NewSQLDLQRepository(db database.IDatabase) *SQLDLQRepository {
	return &SQLDLQRepository{
		db:          db,
		outboxTable: OutboxMessage{}.TableName(),
		dlqTable:    DLQMessage{}.TableName(),
	}
}

// MoveToDLQ 将 Outbox 记录移动到 DLQ
func (r *SQLDLQRepository) MoveToDLQ(ctx context.Context, msg OutboxMessage) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "begin dlq transaction failed")
	}
	defer tx.Rollback()

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			original_message_id, saga_id, event_id, event_type,
			event_data, failure_reason, retry_count, moved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.dlqTable)

	_, err = tx.Exec(ctx, insertQuery,
		msg.ID,
		msg.SagaID,
		msg.EventID,
		msg.EventType,
		msg.EventData,
		msg.LastError,
		msg.RetryCount,
		time.Now(),
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "insert dlq message failed")
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.outboxTable)
	if _, err := tx.Exec(ctx, deleteQuery, msg.ID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete outbox message failed")
	}

	return tx.Commit()
}

// GetDLQMessages 获取 DLQ 记录
func (r *SQLDLQRepository) GetDLQMessages(ctx context.Context, limit int) ([]DLQMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, original_message_id, saga_id, event_id, event_type,
		       event_data, failure_reason, retry_count, moved_at
		FROM %s
		ORDER BY moved_at DESC
		LIMIT ?
	`, r.dlqTable)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query dlq messages failed")
	}
	defer rows.Close()

	var messages []DLQMessage
	for rows.Next() {
		var msg DLQMessage
		err := rows.Scan(
			&msg.ID,
			&msg.OriginalMessageID,
			&msg.SagaID,
			&msg.EventID,
			&msg.EventType,
			&msg.EventData,
			&msg.FailureReason,
			&msg.RetryCount,
			&msg.MovedAt,
		)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan dlq message failed")
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Requeue 从 DLQ 重新入队
func (r *SQLDLQRepository) Requeue(ctx context.Context, dlqID int64) error {
	query := fmt.Sprintf(`
		SELECT id, original_message_id, saga_id, event_id, event_type,
		       event_data, failure_reason, retry_count, moved_at
		FROM %s
		WHERE id = ?
	`, r.dlqTable)

	var msg DLQMessage
	err := r.db.QueryRow(ctx, query, dlqID).Scan(
		&msg.ID,
		&msg.OriginalMessageID,
		&msg.SagaID,
		&msg.EventID,
		&msg.EventType,
		&msg.EventData,
		&msg.FailureReason,
		&msg.RetryCount,
		&msg.MovedAt,
	)
	if err == sql.ErrNoRows {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "dlq message not found").
			WithContext("dlq_id", dlqID)
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query dlq message failed")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "begin requeue transaction failed")
	}
	defer tx.Rollback()

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (saga_id, event_id, event_type, event_data, status, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.outboxTable)

	_, err = tx.Exec(ctx, insertQuery,
		msg.SagaID,
		msg.EventID,
		msg.EventType,
		msg.EventData,
		OutboxStatusPending,
		time.Now(),
		0, // 重置重试计数
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "requeue outbox message failed")
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.dlqTable)
	if _, err := tx.Exec(ctx, deleteQuery, dlqID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete dlq message failed")
	}

	return tx.Commit()
}

// DeleteDLQMessage 删除 DLQ 记录
func (r *SQLDLQRepository) DeleteDLQMessage(ctx context.Context, dlqID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.dlqTable)
	result, err := r.db.Exec(ctx, query, dlqID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete dlq message failed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "get rows affected failed")
	}
	if rows == 0 {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "dlq message not found").
			WithContext("dlq_id", dlqID)
	}
	return nil
}

// GetDLQCount 获取 DLQ 记录数量
func (r *SQLDLQRepository) GetDLQCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.dlqTable)
	var count int64
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "query dlq count failed")
	}
	return count, nil
}

// EnsureTable 确保 DLQ 表存在
func (r *SQLDLQRepository) EnsureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_message_id INTEGER NOT NULL,
			saga_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			failure_reason TEXT NULL,
			retry_count INTEGER NOT NULL,
			moved_at TIMESTAMP NOT NULL
		)
	`, r.dlqTable)

	if _, err := r.db.Exec(ctx, createSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create dlq table failed")
	}
	return nil
}

// MemoryDLQRepository 内存 DLQ 仓储（用于测试）
type MemoryDLQRepository struct {
	mutex    sync.RWMutex
	messages map[int64]*DLQMessage
	nextID   int64

	// outbox 用于 Requeue 时重新入队
	outbox *MemoryOutboxRepository
}

// NewMemoryDLQRepository 创建内存 DLQ 仓储
func NewMemoryDLQRepository(outboxRepo *MemoryOutboxRepository) *MemoryDLQRepository {
	return &MemoryDLQRepository{
		messages: make(map[int64]*DLQMessage),
		nextID:   1,
		outbox:   outboxRepo,
	}
}

// MoveToDLQ 将 Outbox 记录移动到 DLQ
func (r *MemoryDLQRepository) MoveToDLQ(ctx context.Context, msg OutboxMessage) error {
	r.mutex.Lock()
	dlqMsg := &DLQMessage{
		ID:                r.nextID,
		OriginalMessageID: msg.ID,
		SagaID:            msg.SagaID,
		EventID:           msg.EventID,
		EventType:         msg.EventType,
		EventData:         msg.EventData,
		FailureReason:     msg.LastError,
		RetryCount:        msg.RetryCount,
		MovedAt:           time.Now(),
	}
	r.nextID++
	r.messages[dlqMsg.ID] = dlqMsg
	r.mutex.Unlock()

	if r.outbox != nil {
		return r.outbox.Delete(ctx, msg.ID)
	}
	return nil
}

// GetDLQMessages 获取 DLQ 记录
func (r *MemoryDLQRepository) GetDLQMessages(ctx context.Context, limit int) ([]DLQMessage, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var messages []DLQMessage
	for _, msg := range r.messages {
		messages = append(messages, *msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].MovedAt.After(messages[j].MovedAt)
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// Requeue 从 DLQ 重新入队
func (r *MemoryDLQRepository) Requeue(ctx context.Context, dlqID int64) error {
	r.mutex.Lock()
	msg, exists := r.messages[dlqID]
	if !exists {
		r.mutex.Unlock()
		return apperrors.NewError(apperrors.ErrCodeNotFound, "dlq message not found").
			WithContext("dlq_id", dlqID)
	}
	delete(r.messages, dlqID)
	r.mutex.Unlock()

	if r.outbox == nil {
		return apperrors.NewError(apperrors.ErrCodeInternal, "dlq requeue target not configured")
	}

	outboxMsg := msg.toOutboxMessage()

	r.outbox.mutex.Lock()
	outboxMsg.ID = r.outbox.nextID
	r.outbox.nextID++
	r.outbox.messages[outboxMsg.ID] = outboxMsg
	r.outbox.eventIDs[outboxMsg.EventID] = struct{}{}
	r.outbox.mutex.Unlock()

	return nil
}

// DeleteDLQMessage 删除 DLQ 记录
func (r *MemoryDLQRepository) DeleteDLQMessage(ctx context.Context, dlqID int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.messages[dlqID]; !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "dlq message not found").
			WithContext("dlq_id", dlqID)
	}
	delete(r.messages, dlqID)
	return nil
}

// GetDLQCount 获取 DLQ 记录数量
func (r *MemoryDLQRepository) GetDLQCount(ctx context.Context) (int64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return int64(len(r.messages)), nil
}

func (m *DLQMessage) toOutboxMessage() *OutboxMessage {
	return &OutboxMessage{
		SagaID:     m.SagaID,
		EventID:    m.EventID,
		EventType:  m.EventType,
		EventData:  m.EventData,
		Status:     OutboxStatusPending,
		CreatedAt:  time.Now(),
		RetryCount: 0,
	}
}

var (
	_ IDLQRepository = (*SQLDLQRepository)(nil)
	_ IDLQRepository = (*MemoryDLQRepository)(nil)
)
