// Package inbox 实现 Inbox Pattern，保证入站事件的幂等消费
//
// 事件总线的投递语义为 at-least-once，同一事件可能被重复投递。
// Inbox 以 event_id 为唯一去重键：重复投递在插入时被唯一约束拦截，
// 直接视为成功。真正的处理由后台 worker 异步执行，失败则按指数退避
// 重试，超过次数上限后标记为死信，等待人工介入。
package inbox

import (
	"context"
	"encoding/json"
	"time"

	"sagaflow/eventing"
	"sagaflow/messaging"
)

// InboxStatus 表示 Inbox 记录的状态
type InboxStatus string

const (
	InboxStatusPending    InboxStatus = "pending"    // 待处理
	InboxStatusProcessing InboxStatus = "processing" // 处理中（已被 worker 认领）
	InboxStatusProcessed  InboxStatus = "processed"  // 已处理
	InboxStatusFailed     InboxStatus = "failed"     // 处理失败，等待重试
	InboxStatusDead       InboxStatus = "dead"       // 死信，不再重试
)

// InboxMessage 表示一条入站事件记录
type InboxMessage struct {
	ID          int64       `json:"id"`
	EventID     string      `json:"event_id"` // 唯一去重键
	EventType   string      `json:"event_type"`
	EventData   string      `json:"event_data"` // JSON 序列化的事件数据
	SagaID      string      `json:"saga_id"`    // 关联键，可为空
	Status      InboxStatus `json:"status"`
	ReceivedAt  time.Time   `json:"received_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	RetryCount  int         `json:"retry_count"`
	ErrorMsg    string      `json:"error_message,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
}

// TableName 返回数据库表名
func (InboxMessage) TableName() string {
	return "saga_inbox"
}

// IInboxRepository 定义 Inbox 仓储接口
type IInboxRepository interface {
	// Insert 插入入站事件记录
	//
	// event_id 已存在时返回 ErrCodeDuplicate 错误，调用方应视为成功
	// （重复投递，已处理过或正在处理）。
	Insert(ctx context.Context, msg *InboxMessage) error

	// ClaimPending 认领一批待处理记录
	//
	// 将 pending 以及已到重试时间的 failed 记录置为 processing 并返回。
	// 认领是条件更新，两个并发 worker 不会认领到同一条记录。
	ClaimPending(ctx context.Context, limit int) ([]InboxMessage, error)

	// MarkAsProcessed 标记为已处理
	MarkAsProcessed(ctx context.Context, messageID int64) error

	// MarkAsFailed 标记为失败，递增重试计数并设置下次重试时间
	MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error

	// MarkAsDead 标记为死信，不再重试
	MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error

	// GetDeadMessages 获取死信记录
	GetDeadMessages(ctx context.Context, limit int) ([]InboxMessage, error)

	// Requeue 将死信记录重新置为 pending，重试计数清零
	Requeue(ctx context.Context, messageID int64) error

	// DeleteProcessed 删除已处理的记录（清理历史数据）
	DeleteProcessed(ctx context.Context, olderThan time.Time) error
}

// InboxConfig Inbox 配置
type InboxConfig struct {
	// 轮询间隔
	PollInterval time.Duration `json:"poll_interval"`

	// 每次认领的最大记录数
	BatchSize int `json:"batch_size"`

	// worker 数量
	WorkerCount int `json:"worker_count"`

	// 最大重试次数，超过后标记为死信
	MaxRetries int `json:"max_retries"`

	// 重试间隔（指数退避的基数）
	RetryInterval time.Duration `json:"retry_interval"`

	// 保留已处理记录的时间
	RetentionPeriod time.Duration `json:"retention_period"`
}

// DefaultInboxConfig 返回默认配置
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		PollInterval:    time.Second,
		BatchSize:       100,
		WorkerCount:     4,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// inboxEventEnvelope 事件在 Inbox 表中的序列化形式
type inboxEventEnvelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       interface{}            `json:"payload"`
	Metadata      map[string]interface{} `json:"metadata"`
	SagaID        string                 `json:"saga_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
}

// MessageFromEvent 将集成事件转换为 Inbox 记录
func MessageFromEvent(event eventing.IEvent) (*InboxMessage, error) {
	envelope := inboxEventEnvelope{
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

	return &InboxMessage{
		EventID:    event.GetID(),
		EventType:  event.GetType(),
		EventData:  string(eventData),
		SagaID:     event.GetSagaID(),
		Status:     InboxStatusPending,
		ReceivedAt: time.Now(),
	}, nil
}

// ToEvent 将 Inbox 记录转换回集成事件
func (m *InboxMessage) ToEvent() (*eventing.Event, error) {
	var envelope inboxEventEnvelope
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

// CalculateNextRetryTime 计算下次重试时间（指数退避）
func (m *InboxMessage) CalculateNextRetryTime(baseInterval time.Duration) time.Time {
	retryCount := m.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	// 上限 5 次指数放大（2^5 = 32），避免移位溢出
	if retryCount > 5 {
		retryCount = 5
	}
	backoffMultiplier := 1 << retryCount

	delay := baseInterval * time.Duration(backoffMultiplier)
	return time.Now().Add(delay)
}
