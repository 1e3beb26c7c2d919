package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.Frames == nil {
		t.Error("Frames metric is nil")
	}
	if m.HandshakeErrors == nil {
		t.Error("HandshakeErrors metric is nil")
	}
}

func TestRecordConnectDisconnect(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordConnect("device", "inbound")
	m.RecordConnect("device", "inbound")
	m.RecordConnect("host", "outbound")

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 3 {
		t.Errorf("ConnectionsActive = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("device", "inbound")); got != 2 {
		t.Errorf("ConnectionsTotal{device,inbound} = %v, want 2", got)
	}

	m.RecordDisconnect(ReasonClosed)
	m.RecordDisconnect(ReasonReset)

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Disconnects.WithLabelValues(ReasonReset)); got != 1 {
		t.Errorf("Disconnects{reset} = %v, want 1", got)
	}
}

func TestRecordFrames(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordFrameSent("binary", 10)
	m.RecordFrameSent("binary", 5)
	m.RecordFrameReceived("binary", 7)
	m.RecordFrameReceived("close", 0)

	if got := testutil.ToFloat64(m.Frames.WithLabelValues(DirectionSent, "binary")); got != 2 {
		t.Errorf("Frames{sent,binary} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Bytes.WithLabelValues(DirectionSent)); got != 15 {
		t.Errorf("Bytes{sent} = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.Bytes.WithLabelValues(DirectionReceived)); got != 7 {
		t.Errorf("Bytes{received} = %v, want 7", got)
	}
}

func TestRecordHandshakeError(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordHandshakeError(StageTLS)
	m.RecordHandshakeError(StageTLS)
	m.RecordHandshakeError(StageWebSocket)

	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues(StageTLS)); got != 2 {
		t.Errorf("HandshakeErrors{tls} = %v, want 2", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
	if OrDefault(nil) != Default() {
		t.Error("OrDefault(nil) should return Default()")
	}
}
