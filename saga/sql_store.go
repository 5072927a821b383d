package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	database "sagaflow/storage/database"
)

// SQLInstanceStore 实例存储的 SQL 实现
//
// 面向 sqlite（modernc.org/sqlite），占位符使用 `?`。
// 列表类字段（步骤、事件 ID、命令 ID、错误日志）序列化为 JSON 文本列。
type SQLInstanceStore struct {
	db        database.IDatabase
	tableName string
	logger    logging.Logger
}

var _ IInstanceStore = (*SQLInstanceStore)(nil)

// NewSQLInstanceStore 创建 SQL 实例存储
func NewSQLInstanceStore(db database.IDatabase, logger logging.Logger) *SQLInstanceStore {
	if logger == nil {
		logger = logging.ComponentLogger("saga.store")
	}
	return &SQLInstanceStore{
		db:        db,
		tableName: "saga_instance",
		logger:    logger,
	}
}

// Save 保存新实例
func (s *SQLInstanceStore) Save(ctx context.Context, instance *SagaInstance) error {
	cols, err := encodeInstanceColumns(instance)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (saga_id, saga_type, status, data, completed_steps,
		                processed_event_ids, pending_command_ids, version,
		                failure_reason, errors, started_at, updated_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName)

	_, err = s.db.Exec(ctx, query,
		instance.SagaID, instance.SagaType, instance.Status,
		cols.data, cols.completedSteps, cols.processedEventIDs, cols.pendingCommandIDs,
		1, instance.FailureReason, cols.errors,
		instance.StartedAt, instance.UpdatedAt, cols.completedAt, cols.timeoutAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrSagaAlreadyExists, instance.SagaID)
		}
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "insert saga instance failed")
	}

	instance.Version = 1
	return nil
}

// Load 按 SagaID 加载实例
func (s *SQLInstanceStore) Load(ctx context.Context, sagaID string) (*SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT saga_id, saga_type, status, data, completed_steps,
		       processed_event_ids, pending_command_ids, version,
		       failure_reason, errors, started_at, updated_at, completed_at, timeout_at
		FROM %s
		WHERE saga_id = ?
	`, s.tableName)

	row := s.db.QueryRow(ctx, query, sagaID)
	instance, err := scanInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "load saga instance failed")
	}
	return instance, nil
}

// Update 带版本校验更新实例
//
// WHERE 子句同时匹配 saga_id 与期望版本，更新行数为 0 时区分
// 不存在与版本冲突两种情况。
func (s *SQLInstanceStore) Update(ctx context.Context, instance *SagaInstance) error {
	cols, err := encodeInstanceColumns(instance)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, data = ?, completed_steps = ?, processed_event_ids = ?,
		    pending_command_ids = ?, version = version + 1, failure_reason = ?,
		    errors = ?, updated_at = ?, completed_at = ?, timeout_at = ?
		WHERE saga_id = ? AND version = ?
	`, s.tableName)

	result, err := s.db.Exec(ctx, query,
		instance.Status, cols.data, cols.completedSteps, cols.processedEventIDs,
		cols.pendingCommandIDs, instance.FailureReason, cols.errors,
		instance.UpdatedAt, cols.completedAt, cols.timeoutAt,
		instance.SagaID, instance.Version,
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "update saga instance failed")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "read rows affected failed")
	}
	if rowsAffected == 0 {
		if _, loadErr := s.Load(ctx, instance.SagaID); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("%w: %s 期望版本 %d", ErrVersionConflict, instance.SagaID, instance.Version)
	}

	instance.Version++
	return nil
}

// ListByStatus 列出指定状态的实例
func (s *SQLInstanceStore) ListByStatus(ctx context.Context, status SagaStatus) ([]*SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT saga_id, saga_type, status, data, completed_steps,
		       processed_event_ids, pending_command_ids, version,
		       failure_reason, errors, started_at, updated_at, completed_at, timeout_at
		FROM %s
		WHERE status = ?
		ORDER BY started_at ASC
	`, s.tableName)

	rows, err := s.db.Query(ctx, query, status)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "list saga instances failed")
	}
	defer rows.Close()

	var result []*SagaInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan saga instance failed")
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

// Delete 删除实例
func (s *SQLInstanceStore) Delete(ctx context.Context, sagaID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE saga_id = ?`, s.tableName)

	result, err := s.db.Exec(ctx, query, sagaID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "delete saga instance failed")
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return nil
}

// EnsureTable 确保表存在
func (s *SQLInstanceStore) EnsureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			saga_id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NULL,
			completed_steps TEXT NOT NULL DEFAULT '[]',
			processed_event_ids TEXT NOT NULL DEFAULT '[]',
			pending_command_ids TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			failure_reason TEXT NULL,
			errors TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			timeout_at TIMESTAMP NULL
		)
	`, s.tableName)

	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create saga instance table failed")
	}

	indexSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)`,
		s.tableName, s.tableName)
	if _, err := s.db.Exec(ctx, indexSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create saga instance index failed")
	}

	s.logger.Info(ctx, "Saga 实例表已就绪")
	return nil
}

type instanceColumns struct {
	data              sql.NullString
	completedSteps    string
	processedEventIDs string
	pendingCommandIDs string
	errors            sql.NullString
	completedAt       interface{}
	timeoutAt         interface{}
}

func encodeInstanceColumns(instance *SagaInstance) (*instanceColumns, error) {
	cols := &instanceColumns{}

	if len(instance.Data) > 0 {
		cols.data = sql.NullString{String: string(instance.Data), Valid: true}
	}

	var err error
	if cols.completedSteps, err = encodeStringList(instance.CompletedSteps); err != nil {
		return nil, err
	}
	if cols.processedEventIDs, err = encodeStringList(instance.ProcessedEventIDs); err != nil {
		return nil, err
	}
	if cols.pendingCommandIDs, err = encodeStringList(instance.PendingCommandIDs); err != nil {
		return nil, err
	}

	if len(instance.Errors) > 0 {
		data, err := json.Marshal(instance.Errors)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeValidation, "serialize saga errors failed")
		}
		cols.errors = sql.NullString{String: string(data), Valid: true}
	}

	if instance.CompletedAt != nil {
		cols.completedAt = *instance.CompletedAt
	}
	if instance.TimeoutAt != nil {
		cols.timeoutAt = *instance.TimeoutAt
	}
	return cols, nil
}

func encodeStringList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeValidation, "serialize saga list column failed")
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*SagaInstance, error) {
	var instance SagaInstance
	var data, failureReason, errorsJSON sql.NullString
	var completedSteps, processedEventIDs, pendingCommandIDs string
	var completedAt, timeoutAt sql.NullTime

	err := row.Scan(
		&instance.SagaID, &instance.SagaType, &instance.Status, &data,
		&completedSteps, &processedEventIDs, &pendingCommandIDs,
		&instance.Version, &failureReason, &errorsJSON,
		&instance.StartedAt, &instance.UpdatedAt, &completedAt, &timeoutAt,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		instance.Data = json.RawMessage(data.String)
	}
	if failureReason.Valid {
		instance.FailureReason = failureReason.String
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &instance.Errors); err != nil {
			return nil, fmt.Errorf("解析 saga 错误日志失败: %w", err)
		}
	}
	if err := decodeStringList(completedSteps, &instance.CompletedSteps); err != nil {
		return nil, err
	}
	if err := decodeStringList(processedEventIDs, &instance.ProcessedEventIDs); err != nil {
		return nil, err
	}
	if err := decodeStringList(pendingCommandIDs, &instance.PendingCommandIDs); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}
	if timeoutAt.Valid {
		instance.TimeoutAt = &timeoutAt.Time
	}
	return &instance, nil
}

func decodeStringList(raw string, target *[]string) error {
	if raw == "" {
		*target = []string{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("解析 saga 列表列失败: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// SQLCommandStore 命令存储的 SQL 实现
type SQLCommandStore struct {
	db        database.IDatabase
	tableName string
	logger    logging.Logger
}

var _ ICommandStore = (*SQLCommandStore)(nil)

// NewSQLCommandStore 创建 SQL 命令存储
func NewSQLCommandStore(db database.IDatabase, logger logging.Logger) *SQLCommandStore {
	if logger == nil {
		logger = logging.ComponentLogger("saga.command_store")
	}
	return &SQLCommandStore{
		db:        db,
		tableName: "saga_command",
		logger:    logger,
	}
}

// Save 保存命令记录
func (s *SQLCommandStore) Save(ctx context.Context, commands ...*SagaCommand) error {
	if len(commands) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (command_id, saga_id, command_type, payload, dispatched, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.tableName)

	for _, cmd := range commands {
		var payload sql.NullString
		if len(cmd.Payload) > 0 {
			payload = sql.NullString{String: string(cmd.Payload), Valid: true}
		}
		_, err := s.db.Exec(ctx, query,
			cmd.CommandID, cmd.SagaID, cmd.CommandType, payload, cmd.Dispatched, cmd.CreatedAt)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "insert saga command failed")
		}
	}
	return nil
}

// Get 按命令 ID 获取
func (s *SQLCommandStore) Get(ctx context.Context, commandID string) (*SagaCommand, error) {
	query := fmt.Sprintf(`
		SELECT command_id, saga_id, command_type, payload, dispatched, created_at, dispatched_at
		FROM %s
		WHERE command_id = ?
	`, s.tableName)

	cmd, err := scanCommand(s.db.QueryRow(ctx, query, commandID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "load saga command failed")
	}
	return cmd, nil
}

// GetBySaga 获取某个 Saga 的全部命令
func (s *SQLCommandStore) GetBySaga(ctx context.Context, sagaID string) ([]*SagaCommand, error) {
	query := fmt.Sprintf(`
		SELECT command_id, saga_id, command_type, payload, dispatched, created_at, dispatched_at
		FROM %s
		WHERE saga_id = ?
		ORDER BY created_at ASC, command_id ASC
	`, s.tableName)

	rows, err := s.db.Query(ctx, query, sagaID)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "list saga commands failed")
	}
	defer rows.Close()

	var result []*SagaCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "scan saga command failed")
		}
		result = append(result, cmd)
	}
	return result, rows.Err()
}

// MarkDispatched 标记命令已下发
func (s *SQLCommandStore) MarkDispatched(ctx context.Context, commandID string) error {
	query := fmt.Sprintf(`UPDATE %s SET dispatched = ?, dispatched_at = ? WHERE command_id = ?`, s.tableName)

	result, err := s.db.Exec(ctx, query, true, time.Now(), commandID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "mark saga command dispatched failed")
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	return nil
}

// EnsureTable 确保表存在
func (s *SQLCommandStore) EnsureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			command_id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT NULL,
			dispatched INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			dispatched_at TIMESTAMP NULL
		)
	`, s.tableName)

	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create saga command table failed")
	}

	indexSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_saga ON %s (saga_id)`,
		s.tableName, s.tableName)
	if _, err := s.db.Exec(ctx, indexSQL); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "create saga command index failed")
	}

	s.logger.Info(ctx, "Saga 命令表已就绪")
	return nil
}

func scanCommand(row rowScanner) (*SagaCommand, error) {
	var cmd SagaCommand
	var payload sql.NullString
	var dispatchedAt sql.NullTime

	err := row.Scan(&cmd.CommandID, &cmd.SagaID, &cmd.CommandType,
		&payload, &cmd.Dispatched, &cmd.CreatedAt, &dispatchedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		cmd.Payload = json.RawMessage(payload.String)
	}
	if dispatchedAt.Valid {
		cmd.DispatchedAt = &dispatchedAt.Time
	}
	return &cmd, nil
}
