package observability

import (
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordEnvelope("terminal", "ui_message")
	RecordMalformed("framed")
	RecordOverflow()
	RecordPassthrough(0)
	RecordSessionTransition("ended")
	RecordEventDropped()
	SetActiveSessions(3)

	if got := testutil.ToFloat64(activeSessions); got != 3 {
		t.Fatalf("active sessions gauge = %v", got)
	}
}

func TestPassthroughCounterAccumulates(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(passthroughBytes)
	RecordPassthrough(10)
	RecordPassthrough(-4)
	RecordPassthrough(5)
	if got := testutil.ToFloat64(passthroughBytes) - before; got != 15 {
		t.Fatalf("passthrough delta = %v, want 15", got)
	}
}

func TestConnectionOpenedDecrementsOnce(t *testing.T) {
	testlog.Start(t)
	g := activeConnections.WithLabelValues("pipe-test")
	done := ConnectionOpened("pipe-test")
	if got := testutil.ToFloat64(g); got != 1 {
		t.Fatalf("gauge after open = %v", got)
	}
	done()
	done()
	if got := testutil.ToFloat64(g); got != 0 {
		t.Fatalf("gauge after close = %v", got)
	}
}
