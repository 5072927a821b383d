package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	core "sagaflow/storage/database"
	"sagaflow/storage/database/basic"
)

func newTestSQLRepo(t *testing.T) *SQLInboxRepository {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewSQLInboxRepository(db, nil)
	require.NoError(t, repo.EnsureTable(context.Background()))
	return repo
}

func mustMessage(t *testing.T, sagaID, eventType string) *InboxMessage {
	t.Helper()
	msg, err := MessageFromEvent(eventing.NewSagaEvent(sagaID, eventType, nil))
	require.NoError(t, err)
	return msg
}

// TestSQLInboxRepository_InsertAndDedup 测试插入与 event_id 去重
func TestSQLInboxRepository_InsertAndDedup(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLRepo(t)

	msg := mustMessage(t, "saga-1", "StripeCustomerCreated")
	require.NoError(t, repo.Insert(ctx, msg))
	assert.NotZero(t, msg.ID)

	// 相同 event_id 再次插入：唯一约束冲突映射为 Duplicate 错误
	dup := *msg
	dup.ID = 0
	err := repo.Insert(ctx, &dup)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDuplicate, apperrors.CodeOf(err))
}

// TestSQLInboxRepository_ClaimPending 测试认领与状态流转
func TestSQLInboxRepository_ClaimPending(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLRepo(t)

	msg := mustMessage(t, "saga-1", "SubscriptionActivated")
	require.NoError(t, repo.Insert(ctx, msg))

	claimed, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, InboxStatusProcessing, claimed[0].Status)
	assert.Equal(t, msg.EventID, claimed[0].EventID)

	// processing 状态的记录不会被再次认领
	claimed, err = repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

// TestSQLInboxRepository_FailedRetryWindow 测试失败记录的重试窗口
func TestSQLInboxRepository_FailedRetryWindow(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLRepo(t)

	msg := mustMessage(t, "saga-1", "PaymentCaptured")
	require.NoError(t, repo.Insert(ctx, msg))

	claimed, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	// 未来的重试时间：不可认领
	require.NoError(t, repo.MarkAsFailed(ctx, id, "downstream unavailable", time.Now().Add(time.Hour)))
	claimed, err = repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// 已到重试时间：重新可认领，重试计数已递增
	require.NoError(t, repo.MarkAsFailed(ctx, id, "still failing", time.Now().Add(-time.Minute)))
	claimed, err = repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].RetryCount)
	assert.Equal(t, "still failing", claimed[0].ErrorMsg)
}

// TestSQLInboxRepository_DeadAndRequeue 测试死信与重新入队
func TestSQLInboxRepository_DeadAndRequeue(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLRepo(t)

	msg := mustMessage(t, "saga-1", "RefundIssued")
	require.NoError(t, repo.Insert(ctx, msg))

	require.NoError(t, repo.MarkAsDead(ctx, msg.ID, "permanent failure"))

	dead, err := repo.GetDeadMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "permanent failure", dead[0].ErrorMsg)

	// 死信不可认领
	claimed, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// 重新入队后恢复可认领，重试计数清零
	require.NoError(t, repo.Requeue(ctx, msg.ID))
	claimed, err = repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].RetryCount)

	// 非死信状态的 Requeue 是错误
	assert.Error(t, repo.Requeue(ctx, msg.ID))
}

// TestSQLInboxRepository_MarkProcessedAndCleanup 测试处理完成与历史清理
func TestSQLInboxRepository_MarkProcessedAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLRepo(t)

	msg := mustMessage(t, "saga-1", "CustomerVerified")
	require.NoError(t, repo.Insert(ctx, msg))
	require.NoError(t, repo.MarkAsProcessed(ctx, msg.ID))

	claimed, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// olderThan 在处理时间之前：保留
	require.NoError(t, repo.DeleteProcessed(ctx, time.Now().Add(-time.Hour)))
	require.Error(t, repo.Insert(ctx, &InboxMessage{
		EventID:    msg.EventID,
		EventType:  msg.EventType,
		EventData:  msg.EventData,
		ReceivedAt: time.Now(),
	}), "记录仍存在，去重约束生效")

	// olderThan 在处理时间之后：删除，之后同一 event_id 可重新插入
	require.NoError(t, repo.DeleteProcessed(ctx, time.Now().Add(time.Hour)))
	require.NoError(t, repo.Insert(ctx, &InboxMessage{
		EventID:    msg.EventID,
		EventType:  msg.EventType,
		EventData:  msg.EventData,
		ReceivedAt: time.Now(),
	}))
}
