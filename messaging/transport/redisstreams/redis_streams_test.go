package redisstreams

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sagaflow/messaging"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &messaging.Message{
		ID:        "evt-redis",
		Type:      "invoice.created",
		Timestamp: ts,
		Payload:   map[string]interface{}{"invoice_id": "inv-42"},
		Metadata: map[string]interface{}{
			"saga_id":        "saga-1",
			"causation_id":   "evt-prev",
			"correlation_id": "corr-1",
		},
	}

	values, err := encodeMessage(msg)
	require.NoError(t, err)

	entry := redis.XMessage{ID: "1-0", Values: values}
	decoded, err := decodeMessage(entry)
	require.NoError(t, err)

	require.Equal(t, msg.ID, decoded.GetID())
	require.Equal(t, msg.Type, decoded.GetType())
	require.Equal(t, ts.UnixNano(), decoded.GetTimestamp().UnixNano())

	payload := decoded.GetPayload().(map[string]interface{})
	require.Equal(t, "inv-42", payload["invoice_id"])
	metadata := decoded.GetMetadata()
	require.Equal(t, "saga-1", metadata["saga_id"])
	require.Equal(t, "corr-1", metadata["correlation_id"])
}

func TestDecodeFallbackTimestamp(t *testing.T) {
	entry := redis.XMessage{ID: "2-0", Values: map[string]interface{}{
		"id":        "evt-2",
		"type":      "invoice.created",
		"timestamp": "1700000000000000000",
		"payload":   "{}",
		"metadata":  "{}",
	}}
	decoded, err := decodeMessage(entry)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000000000), decoded.GetTimestamp().UnixNano())
}

func TestDecodeFallbackEntryID(t *testing.T) {
	entry := redis.XMessage{ID: "3-0", Values: map[string]interface{}{
		"type":     "saga.started",
		"payload":  "{}",
		"metadata": "{}",
	}}
	decoded, err := decodeMessage(entry)
	require.NoError(t, err)
	require.Equal(t, "3-0", decoded.GetID())
}

func TestStreamName(t *testing.T) {
	tr := &Transport{cfg: Config{StreamPrefix: "saga:"}}
	require.Equal(t, "saga:invoice.created", tr.streamName("invoice.created"))
}
