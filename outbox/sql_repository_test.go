package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sagaflow/eventing"
	core "sagaflow/storage/database"
	"sagaflow/storage/database/basic"
)

func newTestDB(t *testing.T) core.IDatabase {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRepo(t *testing.T, db core.IDatabase) *SQLOutboxRepository {
	t.Helper()
	repo := NewSQLOutboxRepository(db, nil)
	require.NoError(t, repo.EnsureTable(context.Background()))
	return repo
}

// TestSQLOutboxRepository_SaveAndGetPending 测试保存与查询待发布记录
func TestSQLOutboxRepository_SaveAndGetPending(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	evt1 := eventing.NewSagaEvent("saga-1", "StripeCustomerCreated", map[string]any{"customer_id": "cus_1"})
	evt2 := eventing.NewSagaEvent("saga-2", "SubscriptionActivated", nil)
	require.NoError(t, repo.Save(ctx, evt1, evt2))

	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "saga-1", messages[0].SagaID)
	assert.Equal(t, evt1.GetID(), messages[0].EventID)
	assert.Equal(t, "StripeCustomerCreated", messages[0].EventType)
	assert.Equal(t, OutboxStatusPending, messages[0].Status)
	assert.Equal(t, 0, messages[0].RetryCount)

	restored, err := messages[0].ToEvent()
	require.NoError(t, err)
	assert.Equal(t, evt1.GetID(), restored.GetID())
	assert.Equal(t, "saga-1", restored.GetSagaID())
}

// TestSQLOutboxRepository_DuplicateEventID 测试 event_id 唯一约束
func TestSQLOutboxRepository_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	evt := eventing.NewSagaEvent("saga-1", "InvoiceFinalized", nil)
	require.NoError(t, repo.Save(ctx, evt))
	assert.Error(t, repo.Save(ctx, evt), "相同 event_id 不允许重复入队")
}

// TestSQLOutboxRepository_MarkAsPublished 测试标记已发布
func TestSQLOutboxRepository_MarkAsPublished(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)))
	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, repo.MarkAsPublished(ctx, messages[0].ID))

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// TestSQLOutboxRepository_MarkAsFailed 测试失败标记与重试调度
func TestSQLOutboxRepository_MarkAsFailed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "RefundIssued", nil)))
	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	id := messages[0].ID

	// 未来的重试时间：暂时不可见
	future := time.Now().Add(time.Hour)
	require.NoError(t, repo.MarkAsFailed(ctx, id, "broker unavailable", future))

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// 已到重试时间：重新可见，重试计数递增
	past := time.Now().Add(-time.Minute)
	require.NoError(t, repo.MarkAsFailed(ctx, id, "still failing", past))

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, OutboxStatusFailed, messages[0].Status)
	assert.Equal(t, 2, messages[0].RetryCount)
	assert.Equal(t, "still failing", messages[0].LastError)
}

// TestSQLOutboxRepository_MarkAsDead 测试死信标记后不再被取回
func TestSQLOutboxRepository_MarkAsDead(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)))
	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	id := messages[0].ID

	// 先走一轮失败重试，再终结
	past := time.Now().Add(-time.Minute)
	require.NoError(t, repo.MarkAsFailed(ctx, id, "broker unavailable", past))
	require.NoError(t, repo.MarkAsDead(ctx, id, "retries exhausted"))

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	var status, lastError string
	require.NoError(t, db.QueryRow(ctx,
		"SELECT status, last_error FROM saga_outbox WHERE id = ?", id).Scan(&status, &lastError))
	assert.Equal(t, string(OutboxStatusDead), status)
	assert.Equal(t, "retries exhausted", lastError)
}

// TestSQLOutboxRepository_DeletePublished 测试历史数据清理
func TestSQLOutboxRepository_DeletePublished(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "CustomerVerified", nil)))
	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NoError(t, repo.MarkAsPublished(ctx, messages[0].ID))

	// olderThan 在发布时间之前：不应删除
	require.NoError(t, repo.DeletePublished(ctx, time.Now().Add(-time.Hour)))

	var count int
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM saga_outbox").Scan(&count))
	assert.Equal(t, 1, count)

	// olderThan 在发布时间之后：删除
	require.NoError(t, repo.DeletePublished(ctx, time.Now().Add(time.Hour)))
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM saga_outbox").Scan(&count))
	assert.Equal(t, 0, count)
}

// TestSQLOutboxRepository_SaveInTx 测试事务内保存
func TestSQLOutboxRepository_SaveInTx(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)

	// 回滚后记录不应存在
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SaveInTx(ctx, tx, eventing.NewSagaEvent("saga-1", "StepOne", nil)))
	require.NoError(t, tx.Rollback())

	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// 提交后可见
	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SaveInTx(ctx, tx, eventing.NewSagaEvent("saga-1", "StepTwo", nil)))
	require.NoError(t, tx.Commit())

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "StepTwo", messages[0].EventType)
}

// TestSQLDLQRepository_MoveAndRequeue 测试 DLQ 迁移与重新入队
func TestSQLDLQRepository_MoveAndRequeue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	dlq := NewSQLDLQRepository(db)
	require.NoError(t, dlq.EnsureTable(ctx))

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)))
	messages, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	failed := messages[0]
	failed.RetryCount = 5
	failed.LastError = "permanent failure"
	require.NoError(t, dlq.MoveToDLQ(ctx, failed))

	// 原始记录已删除
	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	count, err := dlq.GetDLQCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	dlqMessages, err := dlq.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlqMessages, 1)
	assert.Equal(t, failed.EventID, dlqMessages[0].EventID)
	assert.Equal(t, "permanent failure", dlqMessages[0].FailureReason)
	assert.Equal(t, 5, dlqMessages[0].RetryCount)

	// 重新入队：回到 pending，重试计数清零
	require.NoError(t, dlq.Requeue(ctx, dlqMessages[0].ID))

	count, err = dlq.GetDLQCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	messages, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, OutboxStatusPending, messages[0].Status)
	assert.Equal(t, 0, messages[0].RetryCount)
	assert.Equal(t, failed.EventID, messages[0].EventID)
}

// TestSQLDLQRepository_DeleteMissing 测试删除不存在的记录
func TestSQLDLQRepository_DeleteMissing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	dlq := NewSQLDLQRepository(db)
	require.NoError(t, dlq.EnsureTable(ctx))

	assert.Error(t, dlq.DeleteDLQMessage(ctx, 42))
}
