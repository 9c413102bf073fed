package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(transportPackets.WithLabelValues("out"))
	RecordTransportPacket("out", 64)
	RecordTransportPacket("out", 32)
	if got := testutil.ToFloat64(transportPackets.WithLabelValues("out")) - before; got != 2 {
		t.Fatalf("packets delta got=%v want=2", got)
	}

	RecordKeyExchange("diffie-hellman-group14-sha256")
	RecordChannelOpen("session", true)
	RecordChannelOpen("session", false)
	if got := testutil.ToFloat64(channelOpens.WithLabelValues("session", "failed")); got < 1 {
		t.Fatalf("failed opens got=%v", got)
	}
	RecordSFTPRequest("stat", "ok", 3*time.Millisecond)
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	RecordKeyExchange("diffie-hellman-group1-sha1")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "edgessh_transport_kex_total") {
		t.Fatalf("kex counter missing from exposition")
	}
}

func TestRequestLoggerPassesThroughStatus(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(InitLogger("test")))
	r.GET("/brew", func(c *gin.Context) {
		c.String(http.StatusTeapot, "short and stout")
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status got=%d", rec.Code)
	}
	if rec.Body.String() != "short and stout" {
		t.Fatalf("body got=%q", rec.Body.String())
	}
}

func TestMetricsRouterServesMetrics(t *testing.T) {
	RecordKeyExchange("diffie-hellman-group14-sha1")
	r := MetricsRouter(InitLogger("test"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "edgessh_transport_kex_total") {
		t.Fatalf("kex counter missing from exposition")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status got=%d", rec.Code)
	}
}
