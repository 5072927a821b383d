package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
)

func newTestProcessor(repo IInboxRepository) *Processor {
	cfg := DefaultInboxConfig()
	cfg.RetryInterval = 0 // 立即可重试，便于测试
	return NewProcessor(repo, cfg, nil)
}

// TestProcessor_Receive 测试入站事件记录
func TestProcessor_Receive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	evt := eventing.NewSagaEvent("saga-1", "StripeCustomerCreated", map[string]any{"customer_id": "cus_1"})
	require.NoError(t, processor.Receive(ctx, evt))

	msg, ok := repo.GetByEventID(evt.GetID())
	require.True(t, ok)
	assert.Equal(t, InboxStatusPending, msg.Status)
	assert.Equal(t, "StripeCustomerCreated", msg.EventType)
	assert.Equal(t, "saga-1", msg.SagaID)
}

// TestProcessor_Receive_Duplicate 测试重复投递去重
func TestProcessor_Receive_Duplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	evt := eventing.NewSagaEvent("saga-1", "InvoiceFinalized", nil)
	require.NoError(t, processor.Receive(ctx, evt))

	// 第二次投递同一事件：不报错，也不产生第二条记录
	require.NoError(t, processor.Receive(ctx, evt))

	claimed, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

// TestProcessor_ProcessPending 测试正常处理
func TestProcessor_ProcessPending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	var mu sync.Mutex
	var handled []string
	processor.RegisterHandler("SubscriptionActivated", func(ctx context.Context, evt eventing.IEvent) error {
		mu.Lock()
		handled = append(handled, evt.GetID())
		mu.Unlock()
		return nil
	})

	evt := eventing.NewSagaEvent("saga-1", "SubscriptionActivated", nil)
	require.NoError(t, processor.Receive(ctx, evt))
	require.NoError(t, processor.ProcessPending(ctx))

	assert.Equal(t, []string{evt.GetID()}, handled)

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusProcessed, msg.Status)
	assert.NotNil(t, msg.ProcessedAt)

	// 已处理的记录不会被再次认领
	require.NoError(t, processor.ProcessPending(ctx))
	assert.Len(t, handled, 1)
}

// TestProcessor_RetryThenDead 测试瞬态错误的重试与死信
func TestProcessor_RetryThenDead(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()

	cfg := DefaultInboxConfig()
	cfg.MaxRetries = 3
	cfg.RetryInterval = 0
	processor := NewProcessor(repo, cfg, nil)

	var attempts int
	processor.RegisterHandler("PaymentCaptured", func(ctx context.Context, evt eventing.IEvent) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	evt := eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)
	require.NoError(t, processor.Receive(ctx, evt))

	// 前两次失败进入重试，第三次失败移入死信
	for i := 0; i < cfg.MaxRetries; i++ {
		require.NoError(t, processor.ProcessPending(ctx))
	}
	assert.Equal(t, 3, attempts)

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusDead, msg.Status)
	assert.Contains(t, msg.ErrorMsg, "downstream unavailable")

	// 死信不再参与认领
	require.NoError(t, processor.ProcessPending(ctx))
	assert.Equal(t, 3, attempts)
}

// TestProcessor_StructuralErrorGoesDead 测试结构性错误直接死信
func TestProcessor_StructuralErrorGoesDead(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	var attempts int
	processor.RegisterHandler("CustomerVerified", func(ctx context.Context, evt eventing.IEvent) error {
		attempts++
		return apperrors.NewError(apperrors.ErrCodeStructural, "cannot reconstruct saga instance")
	})

	evt := eventing.NewSagaEvent("saga-1", "CustomerVerified", nil)
	require.NoError(t, processor.Receive(ctx, evt))
	require.NoError(t, processor.ProcessPending(ctx))

	assert.Equal(t, 1, attempts, "结构性错误不应重试")

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusDead, msg.Status)
}

// TestProcessor_NoHandlerGoesDead 测试未注册处理器的事件移入死信
func TestProcessor_NoHandlerGoesDead(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	evt := eventing.NewSagaEvent("saga-1", "UnknownEvent", nil)
	require.NoError(t, processor.Receive(ctx, evt))
	require.NoError(t, processor.ProcessPending(ctx))

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusDead, msg.Status)
	assert.Contains(t, msg.ErrorMsg, "no handler registered")
}

// TestProcessor_HandlerPanicIsRecovered 测试处理器 panic 被捕获并转为重试
func TestProcessor_HandlerPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	processor.RegisterHandler("RefundIssued", func(ctx context.Context, evt eventing.IEvent) error {
		panic("boom")
	})

	evt := eventing.NewSagaEvent("saga-1", "RefundIssued", nil)
	require.NoError(t, processor.Receive(ctx, evt))

	assert.NotPanics(t, func() {
		require.NoError(t, processor.ProcessPending(ctx))
	})

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusFailed, msg.Status)
	assert.Contains(t, msg.ErrorMsg, "panic")
	assert.Equal(t, 1, msg.RetryCount)
}

// TestProcessor_RequeueDeadMessage 测试死信重新入队后可处理
func TestProcessor_RequeueDeadMessage(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()

	cfg := DefaultInboxConfig()
	cfg.MaxRetries = 1
	cfg.RetryInterval = 0
	processor := NewProcessor(repo, cfg, nil)

	var failing = true
	processor.RegisterHandler("StepOne", func(ctx context.Context, evt eventing.IEvent) error {
		if failing {
			return errors.New("transient failure")
		}
		return nil
	})

	evt := eventing.NewSagaEvent("saga-1", "StepOne", nil)
	require.NoError(t, processor.Receive(ctx, evt))
	require.NoError(t, processor.ProcessPending(ctx))

	dead, err := repo.GetDeadMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// 故障恢复后重新入队
	failing = false
	require.NoError(t, repo.Requeue(ctx, dead[0].ID))
	require.NoError(t, processor.ProcessPending(ctx))

	msg, _ := repo.GetByEventID(evt.GetID())
	assert.Equal(t, InboxStatusProcessed, msg.Status)
}

// TestProcessor_WildcardHandler 测试通配处理器
func TestProcessor_WildcardHandler(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()
	processor := newTestProcessor(repo)

	var mu sync.Mutex
	var types []string
	processor.RegisterHandler("*", func(ctx context.Context, evt eventing.IEvent) error {
		mu.Lock()
		types = append(types, evt.GetType())
		mu.Unlock()
		return nil
	})

	require.NoError(t, processor.Receive(ctx, eventing.NewSagaEvent("saga-1", "StepOne", nil)))
	require.NoError(t, processor.Receive(ctx, eventing.NewSagaEvent("saga-1", "StepTwo", nil)))
	require.NoError(t, processor.ProcessPending(ctx))

	assert.ElementsMatch(t, []string{"StepOne", "StepTwo"}, types)
}

// TestProcessor_StartStop 测试后台 worker 的启动与停止
func TestProcessor_StartStop(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryInboxRepository()

	cfg := DefaultInboxConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.WorkerCount = 2
	processor := NewProcessor(repo, cfg, nil)

	var mu sync.Mutex
	var handled int
	processor.RegisterHandler("CustomerVerified", func(ctx context.Context, evt eventing.IEvent) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	require.NoError(t, processor.Receive(ctx, eventing.NewSagaEvent("saga-1", "CustomerVerified", nil)))
	require.NoError(t, processor.Start(ctx))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, processor.Stop())
	require.NoError(t, processor.Stop()) // Stop 幂等
}
