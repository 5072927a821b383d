package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"sagaflow/messaging/command"
)

// SagaCommand 命令存储中的命令记录
//
// 实例只持有命令 ID，命令本体集中存放在命令存储中，
// 避免命令负载随实例快照反复序列化。
type SagaCommand struct {
	// CommandID 命令唯一标识
	CommandID string `json:"command_id"`

	// SagaID 所属 Saga 实例
	SagaID string `json:"saga_id"`

	// CommandType 命令类型
	CommandType string `json:"command_type"`

	// Payload 命令负载的 JSON 序列化
	Payload json.RawMessage `json:"payload,omitempty"`

	// Dispatched 是否已下发
	Dispatched bool `json:"dispatched"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// CommandFromDispatch 将待下发命令转换为存储记录
func CommandFromDispatch(cmd *command.Command) (*SagaCommand, error) {
	var payload json.RawMessage
	if cmd.GetPayload() != nil {
		data, err := json.Marshal(cmd.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("序列化命令负载失败: %w", err)
		}
		payload = data
	}
	return &SagaCommand{
		CommandID:   cmd.GetID(),
		SagaID:      cmd.GetSagaID(),
		CommandType: cmd.GetCommandType(),
		Payload:     payload,
		Dispatched:  false,
		CreatedAt:   cmd.GetTimestamp(),
	}, nil
}

// ICommandStore Saga 命令存储接口
type ICommandStore interface {
	// Save 保存命令记录
	Save(ctx context.Context, commands ...*SagaCommand) error

	// Get 按命令 ID 获取，不存在返回 ErrCommandNotFound
	Get(ctx context.Context, commandID string) (*SagaCommand, error)

	// GetBySaga 获取某个 Saga 的全部命令，按创建时间排序
	GetBySaga(ctx context.Context, sagaID string) ([]*SagaCommand, error)

	// MarkDispatched 标记命令已下发
	MarkDispatched(ctx context.Context, commandID string) error
}

// MemoryCommandStore 内存命令存储（用于测试）
type MemoryCommandStore struct {
	mutex    sync.RWMutex
	commands map[string]*SagaCommand
}

var _ ICommandStore = (*MemoryCommandStore)(nil)

// NewMemoryCommandStore 创建内存命令存储
func NewMemoryCommandStore() *MemoryCommandStore {
	return &MemoryCommandStore{
		commands: make(map[string]*SagaCommand),
	}
}

// Save 保存命令记录
func (s *MemoryCommandStore) Save(_ context.Context, commands ...*SagaCommand) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, cmd := range commands {
		clone := *cmd
		s.commands[cmd.CommandID] = &clone
	}
	return nil
}

// Get 按命令 ID 获取
func (s *MemoryCommandStore) Get(_ context.Context, commandID string) (*SagaCommand, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cmd, exists := s.commands[commandID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	clone := *cmd
	return &clone, nil
}

// GetBySaga 获取某个 Saga 的全部命令
func (s *MemoryCommandStore) GetBySaga(_ context.Context, sagaID string) ([]*SagaCommand, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*SagaCommand
	for _, cmd := range s.commands {
		if cmd.SagaID == sagaID {
			clone := *cmd
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CommandID < result[j].CommandID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkDispatched 标记命令已下发
func (s *MemoryCommandStore) MarkDispatched(_ context.Context, commandID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cmd, exists := s.commands[commandID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	now := time.Now()
	cmd.Dispatched = true
	cmd.DispatchedAt = &now
	return nil
}
