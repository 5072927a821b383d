// Package outbox 实现 Outbox Pattern，确保事件发布的可靠性
//
// Outbox Pattern 解决的问题：
// 1. Saga 状态保存和事件发布的原子性
// 2. 事件发布失败时的重试机制
// 3. 分布式系统中的最终一致性保证
//
// 投递语义为 at-least-once：中继在"发布成功"与"标记已发布"之间崩溃时，
// 同一事件会被再次发布，消费方必须按 event_id 幂等（见 inbox 包）。
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"sagaflow/eventing"
	"sagaflow/messaging"
)

// OutboxStatus 表示 Outbox 记录的状态
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // 待发布
	OutboxStatusPublished OutboxStatus = "published" // 已发布
	OutboxStatusFailed    OutboxStatus = "failed"    // 发布失败，等待重试
	OutboxStatusDead      OutboxStatus = "dead"      // 超过重试上限，不再自动重试
)

// OutboxMessage 表示一个待发布的事件记录
type OutboxMessage struct {
	ID          int64        `json:"id"`
	SagaID      string       `json:"saga_id"`
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	EventData   string       `json:"event_data"` // JSON 序列化的事件数据
	Status      OutboxStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
}

// TableName 返回数据库表名
func (OutboxMessage) TableName() string {
	return "saga_outbox"
}

// IOutboxRepository 定义 Outbox 仓储接口
type IOutboxRepository interface {
	// Save 保存待发布事件
	//
	// 与 Saga 状态保存同库时应在同一事务中调用（见 SQLOutboxRepository.SaveInTx）。
	Save(ctx context.Context, events ...eventing.IEvent) error

	// GetPendingMessages 获取待发布的记录
	//
	// 包含 pending 状态以及已到重试时间的 failed 状态记录。
	GetPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error)

	// MarkAsPublished 标记记录为已发布
	MarkAsPublished(ctx context.Context, messageID int64) error

	// MarkAsFailed 标记记录为发布失败，递增重试计数并设置下次重试时间
	MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error

	// MarkAsDead 标记记录为死信，不再参与自动重试
	//
	// 未配置 DLQ 仓储时，超过重试上限的记录就地终结，等待人工介入。
	MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error

	// DeletePublished 删除已发布的记录（清理历史数据）
	DeletePublished(ctx context.Context, olderThan time.Time) error
}

// IOutboxRelay 定义 Outbox 中继接口
type IOutboxRelay interface {
	// Start 启动后台发布任务
	Start(ctx context.Context) error

	// Stop 停止后台发布任务
	Stop() error

	// PublishPending 手动触发发布待处理的事件
	PublishPending(ctx context.Context) error
}

// OutboxConfig Outbox 配置
type OutboxConfig struct {
	// 发布间隔
	PublishInterval time.Duration `json:"publish_interval"`

	// 每次处理的最大记录数
	BatchSize int `json:"batch_size"`

	// 最大重试次数，超过后移入 DLQ
	MaxRetries int `json:"max_retries"`

	// 重试间隔（指数退避的基数）
	RetryInterval time.Duration `json:"retry_interval"`

	// 保留已发布记录的时间
	RetentionPeriod time.Duration `json:"retention_period"`
}

// DefaultOutboxConfig 返回默认配置
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour, // 保留 7 天
	}
}

// outboxEventEnvelope 事件在 Outbox 表中的序列化形式
type outboxEventEnvelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       interface{}            `json:"payload"`
	Metadata      map[string]interface{} `json:"metadata"`
	SagaID        string                 `json:"saga_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
}

// MessageFromEvent 将集成事件转换为 Outbox 记录
func MessageFromEvent(event eventing.IEvent) (*OutboxMessage, error) {
	envelope := outboxEventEnvelope{
		ID:            event.GetID(),
		Type:          event.GetType(),
		Timestamp:     event.GetTimestamp(),
		Payload:       event.GetPayload(),
		Metadata:      event.GetMetadata(),
		SagaID:        event.GetSagaID(),
		CorrelationID: event.GetCorrelationID(),
		CausationID:   event.GetCausationID(),
	}
	eventData, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	return &OutboxMessage{
		SagaID:    event.GetSagaID(),
		EventID:   event.GetID(),
		EventType: event.GetType(),
		EventData: string(eventData),
		Status:    OutboxStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// ToEvent 将 Outbox 记录转换回集成事件
func (m *OutboxMessage) ToEvent() (*eventing.Event, error) {
	var envelope outboxEventEnvelope
	if err := json.Unmarshal([]byte(m.EventData), &envelope); err != nil {
		return nil, err
	}
	metadata := envelope.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &eventing.Event{
		Message: messaging.Message{
			ID:        envelope.ID,
			Type:      envelope.Type,
			Timestamp: envelope.Timestamp,
			Payload:   envelope.Payload,
			Metadata:  metadata,
		},
		SagaID:        envelope.SagaID,
		CorrelationID: envelope.CorrelationID,
		CausationID:   envelope.CausationID,
	}, nil
}

// ShouldRetry 判断是否应该重试
func (m *OutboxMessage) ShouldRetry(maxRetries int) bool {
	return m.Status == OutboxStatusFailed &&
		m.RetryCount < maxRetries &&
		(m.NextRetryAt == nil || time.Now().After(*m.NextRetryAt))
}

// CalculateNextRetryTime 计算下次重试时间（指数退避）
func (m *OutboxMessage) CalculateNextRetryTime(baseInterval time.Duration) time.Time {
	// 指数退避：baseInterval * 2^retryCount，避免移位溢出
	retryCount := m.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	// 上限 5 次指数放大（2^5 = 32），避免 1<<retryCount 溢出导致负数或超大等待时间
	if retryCount > 5 {
		retryCount = 5
	}
	backoffMultiplier := 1 << retryCount // 2^retryCount，范围 [1,32]

	delay := baseInterval * time.Duration(backoffMultiplier)
	return time.Now().Add(delay)
}
