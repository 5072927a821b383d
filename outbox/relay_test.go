package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/eventing"
	"sagaflow/messaging"
)

// MockEventBus 模拟事件总线
type MockEventBus struct {
	mu              sync.Mutex
	publishedEvents []eventing.Event
	publishAttempts int
	publishError    error
}

func (m *MockEventBus) record(message messaging.IMessage) error {
	m.publishAttempts++
	if m.publishError != nil {
		return m.publishError
	}
	if evt, ok := message.(*eventing.Event); ok {
		m.publishedEvents = append(m.publishedEvents, *evt)
	}
	return nil
}

func (m *MockEventBus) Publish(ctx context.Context, message messaging.IMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(message)
}

func (m *MockEventBus) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		if err := m.record(msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockEventBus) PublishEvent(ctx context.Context, event eventing.IEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(event)
}

func (m *MockEventBus) PublishEvents(ctx context.Context, events []eventing.IEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range events {
		if err := m.record(evt); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, messageType string, handler messaging.IMessageHandler) error {
	return nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, messageType string, handler messaging.IMessageHandler) error {
	return nil
}

func (m *MockEventBus) Use(middleware messaging.IMiddleware) {}

func (m *MockEventBus) SubscribeEvent(ctx context.Context, eventType string, handler eventing.IEventHandler) error {
	return nil
}

func (m *MockEventBus) UnsubscribeEvent(ctx context.Context, eventType string, handler eventing.IEventHandler) error {
	return nil
}

func (m *MockEventBus) SubscribeHandler(ctx context.Context, handler eventing.IEventHandler) error {
	return nil
}

func (m *MockEventBus) UnsubscribeHandler(ctx context.Context, handler eventing.IEventHandler) error {
	return nil
}

// PublishedEventsLen 用于测试断言的只读方法
func (m *MockEventBus) PublishedEventsLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.publishedEvents)
}

func (m *MockEventBus) PublishedEventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.publishedEvents))
	for _, evt := range m.publishedEvents {
		types = append(types, evt.GetType())
	}
	return types
}

func (m *MockEventBus) PublishAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishAttempts
}

func (m *MockEventBus) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// ========== Relay 测试 ==========

// TestNewRelay 测试创建中继
func TestNewRelay(t *testing.T) {
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}
	cfg := DefaultOutboxConfig()

	relay := NewRelay(repo, eventBus, cfg, nil)
	assert.NotNil(t, relay)
	assert.NotNil(t, relay.log) // 应该创建默认 logger
}

// TestRelay_PublishPending 测试发布待处理事件
func TestRelay_PublishPending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}
	cfg := DefaultOutboxConfig()

	evt1 := eventing.NewSagaEvent("saga-1", "StripeCustomerCreated", map[string]any{"customer_id": "cus_1"})
	evt2 := eventing.NewSagaEvent("saga-1", "SubscriptionActivated", map[string]any{"plan": "pro"})
	require.NoError(t, repo.Save(ctx, evt1, evt2))

	relay := NewRelay(repo, eventBus, cfg, nil)
	require.NoError(t, relay.PublishPending(ctx))

	assert.Equal(t, 2, eventBus.PublishedEventsLen())
	assert.ElementsMatch(t, []string{"StripeCustomerCreated", "SubscriptionActivated"}, eventBus.PublishedEventTypes())

	// 全部标记已发布，再次触发不应重复发布
	require.NoError(t, relay.PublishPending(ctx))
	assert.Equal(t, 2, eventBus.PublishedEventsLen())
}

// TestRelay_PublishPending_PreservesOrder 测试按创建时间顺序发布
func TestRelay_PublishPending_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}

	for _, eventType := range []string{"StepOne", "StepTwo", "StepThree"} {
		require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", eventType, nil)))
	}

	relay := NewRelay(repo, eventBus, DefaultOutboxConfig(), nil)
	require.NoError(t, relay.PublishPending(ctx))

	assert.Equal(t, []string{"StepOne", "StepTwo", "StepThree"}, eventBus.PublishedEventTypes())
}

// TestRelay_PublishError 测试发布失败时的重试标记
func TestRelay_PublishError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}
	eventBus.SetPublishError(errors.New("broker unavailable"))

	evt := eventing.NewSagaEvent("saga-1", "InvoiceFinalized", nil)
	require.NoError(t, repo.Save(ctx, evt))

	relay := NewRelay(repo, eventBus, DefaultOutboxConfig(), nil)
	require.NoError(t, relay.PublishPending(ctx))

	msg, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, OutboxStatusFailed, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.LastError, "broker unavailable")
	require.NotNil(t, msg.NextRetryAt)
	assert.True(t, msg.NextRetryAt.After(time.Now()))

	// 未到重试时间，不应再次发布
	require.NoError(t, relay.PublishPending(ctx))
	msg, _ = repo.Get(1)
	assert.Equal(t, 1, msg.RetryCount)
}

// TestRelay_MoveToDLQAfterMaxRetries 测试超过最大重试次数后移入 DLQ
func TestRelay_MoveToDLQAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	dlq := NewMemoryDLQRepository(repo)
	eventBus := &MockEventBus{}
	eventBus.SetPublishError(errors.New("permanent failure"))

	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 3
	cfg.RetryInterval = 0 // 立即可重试

	evt := eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)
	require.NoError(t, repo.Save(ctx, evt))

	relay := NewRelay(repo, eventBus, cfg, nil)
	relay.SetDLQRepository(dlq)

	for i := 0; i < cfg.MaxRetries; i++ {
		require.NoError(t, relay.PublishPending(ctx))
	}

	count, err := dlq.GetDLQCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 0, repo.Count(), "移入 DLQ 后原始记录应被删除")

	messages, err := dlq.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "PaymentCaptured", messages[0].EventType)
	assert.Equal(t, cfg.MaxRetries, messages[0].RetryCount)
	assert.Contains(t, messages[0].FailureReason, "permanent failure")
}

// TestRelay_DeadLetterWithoutDLQ 测试未配置 DLQ 时超过重试上限后终结记录
func TestRelay_DeadLetterWithoutDLQ(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}
	eventBus.SetPublishError(errors.New("permanent failure"))

	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	cfg.RetryInterval = 0 // 立即可重试

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "PaymentCaptured", nil)))

	relay := NewRelay(repo, eventBus, cfg, nil)
	for i := 0; i < 6; i++ {
		require.NoError(t, relay.PublishPending(ctx))
	}

	// 发布尝试数封顶在重试上限，记录进入 dead 状态后不再被取回
	assert.Equal(t, cfg.MaxRetries, eventBus.PublishAttempts())

	msg, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, OutboxStatusDead, msg.Status)
	assert.Contains(t, msg.LastError, "permanent failure")
	assert.False(t, msg.ShouldRetry(cfg.MaxRetries))
}

// TestRelay_RepublishAfterAckFailure 测试发布成功但标记丢失后的至少一次投递
func TestRelay_RepublishAfterAckFailure(t *testing.T) {
	ctx := context.Background()
	repo := &ackFailingRepo{MemoryOutboxRepository: NewMemoryOutboxRepository(), failures: 1}
	eventBus := &MockEventBus{}

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "InvoicePaid", nil)))

	relay := NewRelay(repo, eventBus, DefaultOutboxConfig(), nil)

	// 第一轮：发布成功但标记已发布失败，记录仍为 pending
	require.NoError(t, relay.PublishPending(ctx))
	assert.Equal(t, 1, eventBus.PublishedEventsLen())
	msg, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, OutboxStatusPending, msg.Status)

	// 第二轮：恰好重发一次，标记成功
	require.NoError(t, relay.PublishPending(ctx))
	assert.Equal(t, 2, eventBus.PublishedEventsLen())
	msg, _ = repo.Get(1)
	assert.Equal(t, OutboxStatusPublished, msg.Status)

	// 第三轮：不再发布
	require.NoError(t, relay.PublishPending(ctx))
	assert.Equal(t, 2, eventBus.PublishedEventsLen())
}

// ackFailingRepo 包装内存仓储，模拟标记已发布时的持久化故障
type ackFailingRepo struct {
	*MemoryOutboxRepository
	failures int
}

func (r *ackFailingRepo) MarkAsPublished(ctx context.Context, messageID int64) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("ack lost")
	}
	return r.MemoryOutboxRepository.MarkAsPublished(ctx, messageID)
}

// TestRelay_RequeueFromDLQ 测试 DLQ 重新入队后可成功发布
func TestRelay_RequeueFromDLQ(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	dlq := NewMemoryDLQRepository(repo)
	eventBus := &MockEventBus{}
	eventBus.SetPublishError(errors.New("transient failure"))

	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 1
	cfg.RetryInterval = 0

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "RefundIssued", nil)))

	relay := NewRelay(repo, eventBus, cfg, nil)
	relay.SetDLQRepository(dlq)
	require.NoError(t, relay.PublishPending(ctx))

	count, _ := dlq.GetDLQCount(ctx)
	require.Equal(t, int64(1), count)

	messages, _ := dlq.GetDLQMessages(ctx, 1)
	require.Len(t, messages, 1)

	// 故障恢复后重新入队
	eventBus.SetPublishError(nil)
	require.NoError(t, dlq.Requeue(ctx, messages[0].ID))

	count, _ = dlq.GetDLQCount(ctx)
	assert.Equal(t, int64(0), count)

	require.NoError(t, relay.PublishPending(ctx))
	assert.Equal(t, 1, eventBus.PublishedEventsLen())
	assert.Equal(t, []string{"RefundIssued"}, eventBus.PublishedEventTypes())
}

// TestRelay_StartStop 测试后台任务的启动与停止
func TestRelay_StartStop(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepository()
	eventBus := &MockEventBus{}

	cfg := DefaultOutboxConfig()
	cfg.PublishInterval = 10 * time.Millisecond

	require.NoError(t, repo.Save(ctx, eventing.NewSagaEvent("saga-1", "CustomerVerified", nil)))

	relay := NewRelay(repo, eventBus, cfg, nil)
	require.NoError(t, relay.Start(ctx))

	assert.Eventually(t, func() bool {
		return eventBus.PublishedEventsLen() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Stop())

	// Stop 幂等
	require.NoError(t, relay.Stop())
}

// TestOutboxMessage_CalculateNextRetryTime 测试指数退避计算
func TestOutboxMessage_CalculateNextRetryTime(t *testing.T) {
	base := 30 * time.Second

	tests := []struct {
		retryCount int
		wantDelay  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{3, 240 * time.Second},
		{5, 960 * time.Second},
		{10, 960 * time.Second}, // 指数放大封顶在 2^5
		{-1, 30 * time.Second},
	}

	for _, tt := range tests {
		msg := &OutboxMessage{RetryCount: tt.retryCount}
		next := msg.CalculateNextRetryTime(base)
		delay := time.Until(next)
		assert.InDelta(t, tt.wantDelay.Seconds(), delay.Seconds(), 1.0,
			"retryCount=%d", tt.retryCount)
	}
}

// TestOutboxMessage_RoundTrip 测试事件与 Outbox 记录的互转
func TestOutboxMessage_RoundTrip(t *testing.T) {
	evt := eventing.NewSagaEvent("saga-42", "StripeCustomerCreated", map[string]any{"customer_id": "cus_42"})
	evt.CorrelationID = "corr-1"
	evt.CausationID = "cause-1"

	msg, err := MessageFromEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, "saga-42", msg.SagaID)
	assert.Equal(t, evt.GetID(), msg.EventID)
	assert.Equal(t, "StripeCustomerCreated", msg.EventType)
	assert.Equal(t, OutboxStatusPending, msg.Status)

	restored, err := msg.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, evt.GetID(), restored.GetID())
	assert.Equal(t, evt.GetType(), restored.GetType())
	assert.Equal(t, "saga-42", restored.GetSagaID())
	assert.Equal(t, "corr-1", restored.GetCorrelationID())
	assert.Equal(t, "cause-1", restored.GetCausationID())
}
