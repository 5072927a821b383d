package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/logging"
)

// Processor 消费入站事件的后台处理器
//
// 职责分两段：
//  1. Receive 在事件总线的订阅回调中执行，只做去重插入，快速返回，
//     保证总线投递不被业务处理阻塞；
//  2. 后台 worker 按轮询间隔认领 pending 记录，调用注册的处理器，
//     失败按指数退避重试，超限标记死信。
//
// 处理器内部的 panic 会被捕获并转换为重试，保证一条坏消息不会
// 拖垮整个批次。
type Processor struct {
	repo IInboxRepository
	cfg  InboxConfig
	log  logging.Logger

	// handlers 按事件类型注册的处理器
	handlers map[string]eventing.EventHandlerFunc
	mutex    sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProcessor 创建 Inbox 处理器
func NewProcessor(repo IInboxRepository, cfg InboxConfig, logger logging.Logger) *Processor {
	if logger == nil {
		logger = logging.ComponentLogger("inbox.processor")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	return &Processor{
		repo:     repo,
		cfg:      cfg,
		log:      logger,
		handlers: make(map[string]eventing.EventHandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler 注册事件处理器
//
// 同一事件类型重复注册时后者覆盖前者。处理器必须幂等：
// 去重检查在并发投递下可能竞争，同一事件可能被处理两次。
func (p *Processor) RegisterHandler(eventType string, handler eventing.EventHandlerFunc) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.handlers[eventType] = handler
}

// Receive 记录入站事件
//
// 重复投递（event_id 冲突）直接视为成功。可直接作为事件总线的
// 订阅回调使用。
func (p *Processor) Receive(ctx context.Context, evt eventing.IEvent) error {
	msg, err := MessageFromEvent(evt)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeValidation, "serialize inbox event failed")
	}

	if err := p.repo.Insert(ctx, msg); err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeDuplicate {
			p.log.Debug(ctx, "重复投递，忽略",
				logging.String("event_id", evt.GetID()),
				logging.String("event_type", evt.GetType()))
			return nil
		}
		return err
	}

	p.log.Debug(ctx, "入站事件已记录",
		logging.String("event_id", evt.GetID()),
		logging.String("event_type", evt.GetType()))
	return nil
}

// Start 启动后台 worker
func (p *Processor) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.WorkerCount; i++ {
			p.wg.Add(1)
			go p.workerLoop(ctx)
		}
		p.wg.Add(1)
		go p.cleanupLoop(ctx)
	})
	return nil
}

// Stop 停止后台 worker，等待当前批次完成
func (p *Processor) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	return nil
}

// Close 实现关闭语义
func (p *Processor) Close() error {
	return p.Stop()
}

// ProcessPending 手动触发处理待处理的事件（测试与手动驱动场景）
func (p *Processor) ProcessPending(ctx context.Context) error {
	return p.processOnce(ctx)
}

func (p *Processor) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				p.log.Error(ctx, "inbox 批处理失败", logging.Error(err))
			}
		}
	}
}

func (p *Processor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.repo.DeleteProcessed(ctx, time.Now().Add(-p.cfg.RetentionPeriod)); err != nil {
				p.log.Error(ctx, "inbox 清理已处理记录失败", logging.Error(err))
			}
		}
	}
}

func (p *Processor) processOnce(ctx context.Context) error {
	messages, err := p.repo.ClaimPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, m := range messages {
		p.processMessage(ctx, m)
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, m InboxMessage) {
	evt, err := m.ToEvent()
	if err != nil {
		// 结构性错误：载荷无法反序列化，重试没有意义，直接死信
		p.log.Warn(ctx, "inbox 反序列化失败，移入死信",
			logging.Int64("message_id", m.ID),
			logging.String("event_id", m.EventID),
			logging.Error(err))
		if markErr := p.repo.MarkAsDead(ctx, m.ID, err.Error()); markErr != nil {
			p.log.Error(ctx, "inbox 标记死信失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		}
		return
	}

	handler := p.handlerFor(m.EventType)
	if handler == nil {
		// 没有注册处理器：结构性错误，死信等待人工介入
		p.log.Warn(ctx, "inbox 未注册处理器，移入死信",
			logging.Int64("message_id", m.ID),
			logging.String("event_type", m.EventType))
		if markErr := p.repo.MarkAsDead(ctx, m.ID, "no handler registered for "+m.EventType); markErr != nil {
			p.log.Error(ctx, "inbox 标记死信失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		}
		return
	}

	err = p.invokeHandler(ctx, handler, evt)
	if err == nil {
		if markErr := p.repo.MarkAsProcessed(ctx, m.ID); markErr != nil {
			p.log.Error(ctx, "inbox 标记已处理失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		}
		return
	}

	// 结构性错误不重试，直接死信
	if apperrors.IsStructural(err) {
		p.log.Warn(ctx, "inbox 处理器返回结构性错误，移入死信",
			logging.Int64("message_id", m.ID),
			logging.String("event_type", m.EventType),
			logging.Error(err))
		if markErr := p.repo.MarkAsDead(ctx, m.ID, err.Error()); markErr != nil {
			p.log.Error(ctx, "inbox 标记死信失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		}
		return
	}

	// 瞬态错误：重试或死信
	if m.RetryCount+1 >= p.cfg.MaxRetries {
		p.log.Warn(ctx, "inbox 记录超过最大重试次数，移入死信",
			logging.Int64("message_id", m.ID),
			logging.String("event_type", m.EventType),
			logging.Int("retry_count", m.RetryCount+1),
			logging.Error(err))
		if markErr := p.repo.MarkAsDead(ctx, m.ID, err.Error()); markErr != nil {
			p.log.Error(ctx, "inbox 标记死信失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		}
		return
	}

	next := m.CalculateNextRetryTime(p.cfg.RetryInterval)
	if markErr := p.repo.MarkAsFailed(ctx, m.ID, err.Error(), next); markErr != nil {
		p.log.Error(ctx, "inbox 标记失败状态失败", logging.Int64("message_id", m.ID), logging.Error(markErr))
		return
	}
	p.log.Warn(ctx, "inbox 处理失败，等待重试",
		logging.Int64("message_id", m.ID),
		logging.String("event_type", m.EventType),
		logging.Int("retry_count", m.RetryCount+1),
		logging.Error(err))
}

// invokeHandler 调用处理器并捕获 panic
func (p *Processor) invokeHandler(ctx context.Context, handler eventing.EventHandlerFunc, evt eventing.IEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbox handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func (p *Processor) handlerFor(eventType string) eventing.EventHandlerFunc {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if h, ok := p.handlers[eventType]; ok {
		return h
	}
	// 通配处理器
	if h, ok := p.handlers["*"]; ok {
		return h
	}
	return nil
}
