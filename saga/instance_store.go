package saga

import (
	"context"
	"fmt"
	"sync"
)

// IInstanceStore Saga 实例存储接口
//
// 存储的是状态快照而非事件流。Update 以乐观版本控制保护并发写：
// 调用方传入加载时的版本，存储端校验后递增。
type IInstanceStore interface {
	// Save 保存新实例，已存在返回 ErrSagaAlreadyExists
	//
	// 保存成功后实例版本为 1。
	Save(ctx context.Context, instance *SagaInstance) error

	// Load 按 SagaID 加载实例，不存在返回 ErrSagaNotFound
	Load(ctx context.Context, sagaID string) (*SagaInstance, error)

	// Update 更新实例
	//
	// 以 instance.Version 为期望版本做条件更新，版本不匹配返回
	// ErrVersionConflict，成功后 instance.Version 递增。
	Update(ctx context.Context, instance *SagaInstance) error

	// ListByStatus 列出指定状态的实例
	ListByStatus(ctx context.Context, status SagaStatus) ([]*SagaInstance, error)

	// Delete 删除实例
	Delete(ctx context.Context, sagaID string) error
}

// MemoryInstanceStore 内存实例存储（用于测试）
type MemoryInstanceStore struct {
	mutex     sync.RWMutex
	instances map[string]*SagaInstance
}

var _ IInstanceStore = (*MemoryInstanceStore)(nil)

// NewMemoryInstanceStore 创建内存实例存储
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]*SagaInstance),
	}
}

// Save 保存新实例
func (s *MemoryInstanceStore) Save(_ context.Context, instance *SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.instances[instance.SagaID]; exists {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyExists, instance.SagaID)
	}

	instance.Version = 1
	s.instances[instance.SagaID] = instance.Clone()
	return nil
}

// Load 按 SagaID 加载实例
func (s *MemoryInstanceStore) Load(_ context.Context, sagaID string) (*SagaInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	instance, exists := s.instances[sagaID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return instance.Clone(), nil
}

// Update 带版本校验更新实例
func (s *MemoryInstanceStore) Update(_ context.Context, instance *SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, exists := s.instances[instance.SagaID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, instance.SagaID)
	}
	if current.Version != instance.Version {
		return fmt.Errorf("%w: %s 期望版本 %d 实际版本 %d",
			ErrVersionConflict, instance.SagaID, instance.Version, current.Version)
	}

	instance.Version++
	s.instances[instance.SagaID] = instance.Clone()
	return nil
}

// ListByStatus 列出指定状态的实例
func (s *MemoryInstanceStore) ListByStatus(_ context.Context, status SagaStatus) ([]*SagaInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*SagaInstance
	for _, instance := range s.instances {
		if instance.Status == status {
			result = append(result, instance.Clone())
		}
	}
	return result, nil
}

// Delete 删除实例
func (s *MemoryInstanceStore) Delete(_ context.Context, sagaID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.instances[sagaID]; !exists {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	delete(s.instances, sagaID)
	return nil
}
