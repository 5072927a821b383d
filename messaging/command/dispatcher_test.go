package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/messaging"
	transportsync "sagaflow/messaging/transport/sync"
)

func newTestDispatcher(t *testing.T) *BusDispatcher {
	t.Helper()
	transport := transportsync.NewSyncTransport()
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	return NewBusDispatcher(messaging.NewMessageBus(transport), nil)
}

// TestBusDispatcher_RoutesByCommandType 测试按命令类型路由到处理器
func TestBusDispatcher_RoutesByCommandType(t *testing.T) {
	dispatcher := newTestDispatcher(t)
	ctx := context.Background()

	var created, charged []string
	require.NoError(t, dispatcher.RegisterHandlerFunc(ctx, "CreateCustomer", func(_ context.Context, cmd *Command) error {
		created = append(created, cmd.GetSagaID())
		return nil
	}))
	require.NoError(t, dispatcher.RegisterHandlerFunc(ctx, "ChargePayment", func(_ context.Context, cmd *Command) error {
		charged = append(charged, cmd.GetSagaID())
		return nil
	}))

	require.NoError(t, dispatcher.Dispatch(ctx, NewCommand("saga-1", "CreateCustomer", nil)))
	require.NoError(t, dispatcher.Dispatch(ctx, NewCommand("saga-2", "ChargePayment", nil)))

	assert.Equal(t, []string{"saga-1"}, created)
	assert.Equal(t, []string{"saga-2"}, charged)
}

// TestBusDispatcher_GenericMessageRebuilt 测试跨进程通用消息按元数据重建命令
func TestBusDispatcher_GenericMessageRebuilt(t *testing.T) {
	transport := transportsync.NewSyncTransport()
	require.NoError(t, transport.Start(context.Background()))
	defer transport.Close()

	bus := messaging.NewMessageBus(transport)
	dispatcher := NewBusDispatcher(bus, nil)
	ctx := context.Background()

	var received *Command
	require.NoError(t, dispatcher.RegisterHandlerFunc(ctx, "CreateInvoice", func(_ context.Context, cmd *Command) error {
		received = cmd
		return nil
	}))

	// 远端传输层反序列化得到的是通用消息
	generic := &messaging.Message{
		ID:        "cmd-remote",
		Type:      messaging.MessageTypeCommand,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"amount": "100"},
		Metadata: map[string]interface{}{
			"command_type": "CreateInvoice",
			"saga_id":      "saga-9",
		},
	}
	require.NoError(t, bus.Publish(ctx, generic))

	require.NotNil(t, received)
	assert.Equal(t, "cmd-remote", received.GetID())
	assert.Equal(t, "saga-9", received.GetSagaID())
	assert.Equal(t, "CreateInvoice", received.GetCommandType())
}

// TestFromMessage 测试命令重建的边界情况
func TestFromMessage(t *testing.T) {
	// 非命令类型
	assert.Nil(t, FromMessage(&messaging.Message{ID: "m1", Type: "event"}))

	// 缺少 command_type 元数据
	assert.Nil(t, FromMessage(&messaging.Message{
		ID:       "m2",
		Type:     messaging.MessageTypeCommand,
		Metadata: map[string]interface{}{},
	}))
}

// TestCommand_Metadata 测试命令的路由元数据
func TestCommand_Metadata(t *testing.T) {
	cmd := NewCommand("saga-1", "CreateCustomer", map[string]string{"name": "acme"})
	cmd.WithCorrelationID("corr-1").WithCausationID("evt-1")

	assert.Equal(t, "CreateCustomer", cmd.GetCommandType())
	assert.Equal(t, "saga-1", cmd.GetSagaID())
	assert.Equal(t, messaging.MessageTypeCommand, cmd.GetType())
	assert.Equal(t, "corr-1", cmd.GetMetadata()["correlation_id"])
	assert.Equal(t, "evt-1", cmd.GetMetadata()["causation_id"])
}
