package outbox

import (
	"context"
	"sync"
	"time"

	"sagaflow/eventing"
	"sagaflow/logging"
)

// Relay 实现 IOutboxRelay，按批拉取未发布记录并发布到事件总线
//
// 中继是 Outbox Pattern 的"传送带"：数据库里的 pending 记录经由它
// 进入事件总线。发布成功与标记已发布之间不具备原子性，因此整体
// 投递语义为 at-least-once。
type Relay struct {
	repo IOutboxRepository
	bus  eventing.IEventBus
	cfg  OutboxConfig
	log  logging.Logger

	// 可选：DLQ 仓储，用于超过最大重试次数后的迁移
	dlq IDLQRepository

	stopCh chan struct{}
	doneCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRelay 创建 Outbox 中继
func NewRelay(repo IOutboxRepository, bus eventing.IEventBus, cfg OutboxConfig, logger logging.Logger) *Relay {
	if logger == nil {
		logger = logging.ComponentLogger("outbox.relay")
	}
	return &Relay{
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		log:    logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetDLQRepository 设置 DLQ 仓储（可选）
func (r *Relay) SetDLQRepository(dlq IDLQRepository) {
	r.dlq = dlq
}

// Start 启动后台发布任务
func (r *Relay) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		go r.loop(ctx)
	})
	return nil
}

// Stop 停止后台发布任务，等待当前批次完成
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
	return nil
}

// Close 实现关闭语义，便于作为资源统一管理
func (r *Relay) Close() error {
	return r.Stop()
}

// PublishPending 手动触发发布待处理的事件
func (r *Relay) PublishPending(ctx context.Context) error {
	return r.processOnce(ctx)
}

func (r *Relay) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PublishInterval)
	defer func() { ticker.Stop(); close(r.doneCh) }()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.processOnce(ctx); err != nil {
				r.log.Error(ctx, "outbox 批处理失败", logging.Error(err))
			}
			// 定期清理已发布
			if err := r.repo.DeletePublished(ctx, time.Now().Add(-r.cfg.RetentionPeriod)); err != nil {
				r.log.Error(ctx, "outbox 清理已发布记录失败", logging.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) processOnce(ctx context.Context) error {
	var firstErr error

	messages, err := r.repo.GetPendingMessages(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	for _, m := range messages {
		// 兜底：历史数据或并发标记可能让越过重试上限的行再次被取回
		if m.Status == OutboxStatusFailed && m.RetryCount >= r.cfg.MaxRetries {
			if err := r.deadLetter(ctx, m); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		evt, err := m.ToEvent()
		if err != nil {
			// 无法反序列化，标记失败并设置下次重试
			if markErr := r.markFailed(ctx, m, err); markErr != nil && firstErr == nil {
				firstErr = markErr
			}
			r.log.Warn(ctx, "outbox 反序列化失败",
				logging.Int64("message_id", m.ID),
				logging.String("event_id", m.EventID),
				logging.Error(err))
			continue
		}
		if err := r.bus.PublishEvent(ctx, evt); err != nil {
			if markErr := r.markFailed(ctx, m, err); markErr != nil && firstErr == nil {
				firstErr = markErr
			}
			r.log.Warn(ctx, "outbox 发布失败",
				logging.Int64("message_id", m.ID),
				logging.String("event_type", m.EventType),
				logging.Error(err))
			continue
		}
		if err := r.repo.MarkAsPublished(ctx, m.ID); err != nil {
			// 标记已发布失败不会影响事件已经成功发送到总线，但可能导致后续重复处理，
			// 因此仅记录错误日志，不作为本次批处理的致命错误返回。
			r.log.Error(ctx, "outbox 标记已发布失败",
				logging.Int64("message_id", m.ID),
				logging.Error(err))
		}
	}
	return firstErr
}

// markFailed 标记失败并安排重试，达到最大重试次数后终结该记录
func (r *Relay) markFailed(ctx context.Context, m OutboxMessage, cause error) error {
	if m.RetryCount+1 >= r.cfg.MaxRetries {
		mm := m
		mm.RetryCount = m.RetryCount + 1
		mm.LastError = cause.Error()
		return r.deadLetter(ctx, mm)
	}

	next := m.CalculateNextRetryTime(r.cfg.RetryInterval)
	if err := r.repo.MarkAsFailed(ctx, m.ID, cause.Error(), next); err != nil {
		r.log.Error(ctx, "outbox 标记失败状态失败",
			logging.Int64("message_id", m.ID),
			logging.Error(err))
		return err
	}
	return nil
}

// deadLetter 终结一条超过最大重试次数的记录
//
// 配置了 DLQ 时整行迁移到死信表，未配置时就地标记为 dead，
// 两种路径之后该记录都不会再被 GetPendingMessages 取回。
func (r *Relay) deadLetter(ctx context.Context, m OutboxMessage) error {
	if r.dlq != nil {
		if err := r.dlq.MoveToDLQ(ctx, m); err != nil {
			r.log.Error(ctx, "outbox 移入 DLQ 失败",
				logging.Int64("message_id", m.ID),
				logging.Error(err))
			return err
		}
		r.log.Warn(ctx, "outbox 记录超过最大重试次数，已移入 DLQ",
			logging.Int64("message_id", m.ID),
			logging.String("event_type", m.EventType),
			logging.Int("retry_count", m.RetryCount))
		return nil
	}

	if err := r.repo.MarkAsDead(ctx, m.ID, m.LastError); err != nil {
		r.log.Error(ctx, "outbox 标记死信状态失败",
			logging.Int64("message_id", m.ID),
			logging.Error(err))
		return err
	}
	r.log.Warn(ctx, "outbox 记录超过最大重试次数，已标记为死信",
		logging.Int64("message_id", m.ID),
		logging.String("event_type", m.EventType),
		logging.Int("retry_count", m.RetryCount))
	return nil
}

var _ IOutboxRelay = (*Relay)(nil)
