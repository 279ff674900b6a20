package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgepeer/internal/testutil/testlog"
)

func TestRecordFrameCounts(t *testing.T) {
	testlog.Start(t)
	labels := map[string]string{"direction": DirectionIn, "kind": "ping"}
	before := Value("edgepeer_wire_frames_total", labels)
	RecordFrame(DirectionIn, "ping")
	RecordFrame(DirectionIn, "ping")
	after := Value("edgepeer_wire_frames_total", labels)
	if after-before != 2 {
		t.Fatalf("expected two recorded frames, got %v", after-before)
	}
}

func TestSessionGaugeTracksLifecycle(t *testing.T) {
	testlog.Start(t)
	before := Value("edgepeer_session_active", nil)
	RecordSessionStarted(DirectionOutbound)
	if got := Value("edgepeer_session_active", nil); got != before+1 {
		t.Fatalf("expected active=%v, got %v", before+1, got)
	}
	RecordSessionClosed("closed", 250*time.Millisecond)
	if got := Value("edgepeer_session_active", nil); got != before {
		t.Fatalf("expected active=%v, got %v", before, got)
	}
	if got := Value("edgepeer_session_closed_total", map[string]string{"reason": "closed"}); got < 1 {
		t.Fatalf("expected closed counter, got %v", got)
	}
}

func TestMetricsHandlerServesNamespace(t *testing.T) {
	testlog.Start(t)
	RecordMailboxEvent("add_peer")
	RecordInfo()
	RecordFrameError("invalid_encoding")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"edgepeer_registry_events_total",
		"edgepeer_registry_info_received_total",
		"edgepeer_wire_errors_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
