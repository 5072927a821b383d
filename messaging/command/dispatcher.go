package command

import (
	"context"
	"sync"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// IDispatcher 命令分发器接口
//
// 编排器只依赖此接口；传输机制（内存、NATS、Redis Streams）由
// 底层 MessageBus 的 Transport 决定。
type IDispatcher interface {
	// Dispatch 分发命令（at-least-once）
	Dispatch(ctx context.Context, cmd *Command) error
}

// ICommandHandler 命令处理器接口
type ICommandHandler interface {
	// HandleCommand 处理命令
	HandleCommand(ctx context.Context, cmd *Command) error

	// CommandType 返回该处理器负责的命令类型
	CommandType() string
}

// CommandHandlerFunc 函数式命令处理器
type CommandHandlerFunc func(ctx context.Context, cmd *Command) error

// BusDispatcher 基于消息总线的命令分发器
//
// 所有命令都发布在统一的消息类型（messaging.MessageTypeCommand）上，
// 按 Command.Metadata["command_type"] 路由到处理器。
//
// 注意：
//   - 异步 Transport 下，Dispatch 的 error 仅反映消息是否进入传输层，
//     处理器的业务错误不会通过返回值传播；
//   - 同步 Transport（transport/sync）下，返回值可以反映处理器执行结果。
type BusDispatcher struct {
	messageBus messaging.IMessageBus

	// handlers 命令处理器注册表，key: commandType
	handlers map[string]ICommandHandler
	mutex    sync.RWMutex

	logger logging.Logger
}

// NewBusDispatcher 创建基于消息总线的命令分发器
func NewBusDispatcher(messageBus messaging.IMessageBus, logger logging.Logger) *BusDispatcher {
	if logger == nil {
		logger = logging.ComponentLogger("messaging.command.dispatcher")
	}
	return &BusDispatcher{
		messageBus: messageBus,
		handlers:   make(map[string]ICommandHandler),
		logger:     logger,
	}
}

// Dispatch 分发命令
func (d *BusDispatcher) Dispatch(ctx context.Context, cmd *Command) error {
	d.logger.Debug(ctx, "dispatching command",
		logging.String("command_id", cmd.GetID()),
		logging.String("command_type", cmd.GetCommandType()),
		logging.String("saga_id", cmd.GetSagaID()))

	return d.messageBus.Publish(ctx, cmd)
}

// RegisterHandler 注册命令处理器
//
// 处理器订阅在统一的命令消息类型上，由路由适配器按 command_type 过滤。
func (d *BusDispatcher) RegisterHandler(ctx context.Context, handler ICommandHandler) error {
	d.mutex.Lock()
	d.handlers[handler.CommandType()] = handler
	d.mutex.Unlock()

	adapter := &commandRoutingHandler{
		commandType: handler.CommandType(),
		inner:       handler,
	}
	return d.messageBus.Subscribe(ctx, messaging.MessageTypeCommand, adapter)
}

// RegisterHandlerFunc 注册函数式命令处理器
func (d *BusDispatcher) RegisterHandlerFunc(ctx context.Context, commandType string, fn CommandHandlerFunc) error {
	return d.RegisterHandler(ctx, &funcHandler{commandType: commandType, fn: fn})
}

// commandRoutingHandler 根据命令类型进行路由的适配器
type commandRoutingHandler struct {
	commandType string
	inner       ICommandHandler
}

func (h *commandRoutingHandler) Handle(ctx context.Context, message messaging.IMessage) error {
	cmd, ok := message.(*Command)
	if !ok {
		// 跨进程传输（NATS、Redis Streams）收到的是通用消息，
		// 按元数据重建命令
		cmd = FromMessage(message)
		if cmd == nil {
			return nil
		}
	}
	if cmd.GetCommandType() != h.commandType {
		// 其他命令类型，忽略
		return nil
	}
	return h.inner.HandleCommand(ctx, cmd)
}

func (h *commandRoutingHandler) Type() string {
	return "command." + h.commandType
}

type funcHandler struct {
	commandType string
	fn          CommandHandlerFunc
}

func (h *funcHandler) HandleCommand(ctx context.Context, cmd *Command) error {
	return h.fn(ctx, cmd)
}

func (h *funcHandler) CommandType() string { return h.commandType }

var _ IDispatcher = (*BusDispatcher)(nil)
