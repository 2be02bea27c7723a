package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupProvider_NoEndpointIsNoOp(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "meshwire"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRedactAttributes_DefaultDenyList(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("request.body", `{"password":"hunter2"}`),
		attribute.String("http.request.method", "GET"),
	}

	out := RedactAttributes(nil, attrs)
	require.Len(t, out, 1)
	assert.Equal(t, "http.request.method", string(out[0].Key))
}

func TestRedactAttributes_Strategies(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("user.token", "abcdefghijklmnop"),
		attribute.String("user.email", "ada@example.com"),
		attribute.String("session.id", "s-123456"),
		attribute.String("server.address", "users.internal"),
	}

	out := RedactAttributes(map[string]string{
		"user.token": "mask",
		"user.email": "hash",
		"session.id": "drop",
	}, attrs)

	byKey := map[string]string{}
	for _, kv := range out {
		byKey[string(kv.Key)] = kv.Value.AsString()
	}

	assert.Equal(t, "abcd***mnop", byKey["user.token"])
	assert.Contains(t, byKey["user.email"], "[REDACTED:hash:")
	assert.NotContains(t, byKey, "session.id")
	assert.Equal(t, "users.internal", byKey["server.address"])
}

func TestRedactAttributes_MaskShortValues(t *testing.T) {
	out := RedactAttributes(map[string]string{"pin": "mask"}, []attribute.KeyValue{
		attribute.String("pin", "1234"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, "***", out[0].Value.AsString())
}
