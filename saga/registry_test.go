package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow/errors"
)

// TestRegistry_RegisterAndResolve 测试注册与解析
func TestRegistry_RegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testSagaType, func() IDefinition { return &paymentSaga{} }))

	def, err := registry.Resolve(testSagaType)
	require.NoError(t, err)
	assert.Equal(t, testSagaType, def.SagaType())

	assert.Equal(t, []string{testSagaType}, registry.Types())
}

// TestRegistry_DuplicateRegistration 测试重复注册被拒绝
func TestRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	factory := func() IDefinition { return &paymentSaga{} }

	require.NoError(t, registry.Register(testSagaType, factory))
	assert.ErrorIs(t, registry.Register(testSagaType, factory), ErrSagaTypeAlreadyRegistered)

	assert.Panics(t, func() { registry.MustRegister(testSagaType, factory) })
}

// TestRegistry_ResolveUnknown 测试未注册类型是结构性错误
func TestRegistry_ResolveUnknown(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Resolve("no.such.type")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSagaTypeNotRegistered)
	assert.True(t, apperrors.IsStructural(err))
}

// TestRegistry_DecodeData 测试数据快照解码
func TestRegistry_DecodeData(t *testing.T) {
	registry := NewRegistry()
	def := &paymentSaga{}

	// 空快照返回零值对象
	data, err := registry.DecodeData(def, nil)
	require.NoError(t, err)
	assert.Equal(t, &paymentData{}, data)

	// 正常解码
	data, err = registry.DecodeData(def, []byte(`{"customer_id":"cus-1","paid":true}`))
	require.NoError(t, err)
	assert.Equal(t, "cus-1", data.(*paymentData).CustomerID)
	assert.True(t, data.(*paymentData).Paid)

	// 损坏的快照是结构性错误
	_, err = registry.DecodeData(def, []byte(`{broken`))
	require.Error(t, err)
	assert.True(t, apperrors.IsStructural(err))
}

// TestRegistry_Validation 测试注册参数校验
func TestRegistry_Validation(t *testing.T) {
	registry := NewRegistry()

	assert.Error(t, registry.Register("", func() IDefinition { return &paymentSaga{} }))
	assert.Error(t, registry.Register("x", nil))
}
