package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "sagaflow/errors"
)

// MemoryInboxRepository 内存 Inbox 仓储（用于测试）
type MemoryInboxRepository struct {
	mutex    sync.Mutex
	messages map[int64]*InboxMessage
	eventIDs map[string]int64
	nextID   int64
}

// NewMemoryInboxRepository 创建内存 Inbox 仓储
func NewMemoryInboxRepository() *MemoryInboxRepository {
	return &MemoryInboxRepository{
		messages: make(map[int64]*InboxMessage),
		eventIDs: make(map[string]int64),
		nextID:   1,
	}
}

// Insert 插入入站事件记录
func (r *MemoryInboxRepository) Insert(ctx context.Context, msg *InboxMessage) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.eventIDs[msg.EventID]; exists {
		return apperrors.NewError(apperrors.ErrCodeDuplicate, "inbox event already recorded").
			WithContext("event_id", msg.EventID)
	}

	stored := *msg
	stored.ID = r.nextID
	r.nextID++
	if stored.Status == "" {
		stored.Status = InboxStatusPending
	}
	r.messages[stored.ID] = &stored
	r.eventIDs[stored.EventID] = stored.ID
	msg.ID = stored.ID
	return nil
}

// ClaimPending 认领一批待处理记录
func (r *MemoryInboxRepository) ClaimPending(ctx context.Context, limit int) ([]InboxMessage, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if limit <= 0 {
		limit = 100
	}

	now := time.Now()
	var candidates []*InboxMessage
	for _, msg := range r.messages {
		if msg.Status == InboxStatusPending {
			candidates = append(candidates, msg)
			continue
		}
		if msg.Status == InboxStatusFailed &&
			(msg.NextRetryAt == nil || !msg.NextRetryAt.After(now)) {
			candidates = append(candidates, msg)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]InboxMessage, 0, len(candidates))
	for _, msg := range candidates {
		msg.Status = InboxStatusProcessing
		claimed = append(claimed, *msg)
	}
	return claimed, nil
}

// MarkAsProcessed 标记为已处理
func (r *MemoryInboxRepository) MarkAsProcessed(ctx context.Context, messageID int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "inbox message not found").
			WithContext("message_id", messageID)
	}
	now := time.Now()
	msg.Status = InboxStatusProcessed
	msg.ProcessedAt = &now
	return nil
}

// MarkAsFailed 标记为失败
func (r *MemoryInboxRepository) MarkAsFailed(ctx context.Context, messageID int64, errorMsg string, nextRetryAt time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "inbox message not found").
			WithContext("message_id", messageID)
	}
	msg.Status = InboxStatusFailed
	msg.ErrorMsg = errorMsg
	msg.RetryCount++
	msg.NextRetryAt = &nextRetryAt
	return nil
}

// MarkAsDead 标记为死信
func (r *MemoryInboxRepository) MarkAsDead(ctx context.Context, messageID int64, errorMsg string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "inbox message not found").
			WithContext("message_id", messageID)
	}
	msg.Status = InboxStatusDead
	msg.ErrorMsg = errorMsg
	return nil
}

// GetDeadMessages 获取死信记录
func (r *MemoryInboxRepository) GetDeadMessages(ctx context.Context, limit int) ([]InboxMessage, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var dead []InboxMessage
	for _, msg := range r.messages {
		if msg.Status == InboxStatusDead {
			dead = append(dead, *msg)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].ID < dead[j].ID
	})
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Requeue 将死信记录重新置为 pending
func (r *MemoryInboxRepository) Requeue(ctx context.Context, messageID int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return apperrors.NewError(apperrors.ErrCodeNotFound, "inbox message not found").
			WithContext("message_id", messageID)
	}
	msg.Status = InboxStatusPending
	msg.RetryCount = 0
	msg.NextRetryAt = nil
	msg.ErrorMsg = ""
	return nil
}

// DeleteProcessed 删除已处理的记录
func (r *MemoryInboxRepository) DeleteProcessed(ctx context.Context, olderThan time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, msg := range r.messages {
		if msg.Status == InboxStatusProcessed &&
			msg.ProcessedAt != nil && msg.ProcessedAt.Before(olderThan) {
			delete(r.messages, id)
			delete(r.eventIDs, msg.EventID)
		}
	}
	return nil
}

// Get 获取指定记录（测试辅助）
func (r *MemoryInboxRepository) Get(messageID int64) (InboxMessage, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	msg, exists := r.messages[messageID]
	if !exists {
		return InboxMessage{}, false
	}
	return *msg, true
}

// GetByEventID 按去重键获取记录（测试辅助）
func (r *MemoryInboxRepository) GetByEventID(eventID string) (InboxMessage, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id, exists := r.eventIDs[eventID]
	if !exists {
		return InboxMessage{}, false
	}
	return *r.messages[id], true
}

var _ IInboxRepository = (*MemoryInboxRepository)(nil)
