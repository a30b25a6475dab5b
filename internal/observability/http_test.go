package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetaFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-Device-Id", "tablet-4")

	meta := MetaFromRequest(req)

	assert.Equal(t, "203.0.113.7", meta.ClientIP)
	assert.Equal(t, "req-1", meta.RequestID)
	assert.Equal(t, "tablet-4", meta.DeviceID)
}

func TestMetaFromRequestFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.0.2.44:40000"

	meta := MetaFromRequest(req)

	assert.Equal(t, "192.0.2.44", meta.ClientIP)
	assert.Empty(t, meta.RequestID)
	assert.Empty(t, meta.DeviceID)
}
