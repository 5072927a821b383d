package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
)

// MemoryOutboxRepository 内存 Outbox 仓储（用于测试）
type MemoryOutboxRepository struct {
	mutex    sync.RWMutex
	messages map[int64]*OutboxMessage
	eventIDs map[string]struct{}
	nextID   int64
}

// NewMemoryOutboxRepository 创建内存 Outbox 仓储
func NewMemoryOutboxRepository() *MemoryOutboxRepository {
	return &MemoryOutboxRepository{
		messages: make(map[int64]*OutboxMessage),
		eventIDs: make(map[string]struct{}),
		nextID:   1,
	}
}

// Save 保存待发布事件
func (r *MemoryOutboxRepository) Save(ctx context.Context, events ...eventing.IEvent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, event := range events {
		msg, err := MessageFromEvent(event)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeValidation, "serialize outbox event failed")
		}
		if _, exists := r.eventIDs[msg.EventID]; exists {
			return apperrors.NewError(apperrors.ErrCodeDuplicate, "outbox event already exists").
				WithContext("event_id", msg.EventID)
		}
		msg.ID = r.nextID
		r.nextID++
		r.messages[msg.ID] = msg
		r.eventIDs[msg.EventID] = struct{}{}
	}
	return nil
}

// GetPendingMessages 获取待发布的记录
func (r *MemoryOutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	now := time.Now()
	var pending []OutboxMessage
	for _, msg := range r.messages {
		if msg.Status == OutboxStatusPending {
			pending = append(pending, *msg)
			continue
		}
		if msg.Status == OutboxStatusFailed &&
			(msg.NextRetryAt == nil || !msg.NextRetryAt.After(now)) {
			pending = append(pending, *msg)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkAsPublished 标记为已发布
func (r *MemoryOutboxRepository) MarkAsPublished(ctx context.Context, messageID int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "outbox message not found").
			WithContext("message_id", messageID)
	}
	now := time.Now()
	msg.Status = OutboxStatusPublished
	msg.PublishedAt = &now
	return nil
}

// MarkAsFailed 标记为失败
func (r *MemoryOutboxRepository) MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "outbox message not found").
			WithContext("message_id", messageID)
	}
	msg.Status = OutboxStatusFailed
	msg.LastError = errorMsg
	msg.RetryCount++
	msg.NextRetryAt = &nextRetryAt
	return nil
}

// MarkAsDead 标记为死信
func (r *MemoryOutboxRepository) MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "outbox message not found").
			WithContext("message_id", messageID)
	}
	msg.Status = OutboxStatusDead
	msg.LastError = errorMsg
	msg.NextRetryAt = nil
	return nil
}

// DeletePublished 删除已发布的记录
func (r *MemoryOutboxRepository) DeletePublished(ctx context.Context, olderThan time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, msg := range r.messages {
		if msg.Status == OutboxStatusPublished &&
			msg.PublishedAt != nil && msg.PublishedAt.Before(olderThan) {
			delete(r.messages, id)
			delete(r.eventIDs, msg.EventID)
		}
	}
	return nil
}

// Delete 删除指定记录（DLQ 迁移后清理）
func (r *MemoryOutboxRepository) Delete(ctx context.Context, messageID int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if msg, exists := r.messages[messageID]; exists {
		delete(r.messages, messageID)
		delete(r.eventIDs, msg.EventID)
	}
	return nil
}

// Get 获取指定记录（测试辅助）
func (r *MemoryOutboxRepository) Get(messageID int64) (OutboxMessage, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return OutboxMessage{}, false
	}
	return *msg, true
}

// Count 返回记录总数（测试辅助）
func (r *MemoryOutboxRepository) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.messages)
}

var _ IOutboxRepository = (*MemoryOutboxRepository)(nil)
