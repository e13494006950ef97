package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registryMu sync.Mutex

func withRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registryMu.Lock()
	reg := prometheus.NewRegistry()
	previous := SetRegisterer(reg)
	t.Cleanup(func() {
		SetRegisterer(previous)
		registryMu.Unlock()
	})
	return reg
}

func TestSetRegistererIsRepeatable(t *testing.T) {
	reg := withRegistry(t)
	RecordMessage("pulse")

	first, err := reg.Gather()
	require.NoError(t, err)

	SetRegisterer(reg)
	RecordMessage("pulse")
	second, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
}

func TestRecordHelpers(t *testing.T) {
	withRegistry(t)

	RecordMessage("pulse")
	RecordMessage("pulse")
	RecordMessage("status")
	RecordDropped("malformed")
	RecordPulse("Cold water", nil, time.Millisecond, "")
	RecordPulse("Cold water", errors.New("db down"), time.Millisecond, "storage")
	SetCounterValue("Cold water", 1.23)
	RecordReset("Cold water")
	SetQueueDepth(3)
	SetWSClients(2)
	RecordMQTTConnection(true)
	RecordMQTTConnection(false)

	assert.Equal(t, 2.0, promtest.ToFloat64(MQTTMessagesReceived.WithLabelValues("pulse")))
	assert.Equal(t, 1.0, promtest.ToFloat64(MQTTMessagesReceived.WithLabelValues("status")))
	assert.Equal(t, 1.0, promtest.ToFloat64(MessagesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(PulsesApplied.WithLabelValues("Cold water")))
	assert.Equal(t, 1.0, promtest.ToFloat64(PulsesFailed.WithLabelValues("storage")))
	assert.Equal(t, 1.23, promtest.ToFloat64(CounterValue.WithLabelValues("Cold water")))
	assert.Equal(t, 1.0, promtest.ToFloat64(CounterResets.WithLabelValues("Cold water")))
	assert.Equal(t, 3.0, promtest.ToFloat64(IngestQueueDepth))
	assert.Equal(t, 2.0, promtest.ToFloat64(WSClients))
	assert.Equal(t, 0.0, promtest.ToFloat64(MQTTConnected))
	assert.Equal(t, 1.0, promtest.ToFloat64(MQTTConnects))
	assert.Equal(t, 1.0, promtest.ToFloat64(MQTTDisconnects))
}

func TestObserveHTTPRequestDefaultsRoute(t *testing.T) {
	withRegistry(t)

	ObserveHTTPRequest("", "GET", 404, time.Millisecond)
	ObserveHTTPRequest("/api/current", "GET", 200, time.Millisecond)

	assert.Equal(t, 1.0, promtest.ToFloat64(HTTPRequests.WithLabelValues("other", "GET", "404")))
	assert.Equal(t, 1.0, promtest.ToFloat64(HTTPRequests.WithLabelValues("/api/current", "GET", "200")))
}

func TestHandlerServesCurrentRegistry(t *testing.T) {
	withRegistry(t)
	RecordMessage("pulse")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `meter_mqtt_messages_received_total{kind="pulse"} 1`)
}
