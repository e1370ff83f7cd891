package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsSetup wires metrics and tracing for middleware tests.
func opsSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader, useTestTracer(t)
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) })
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanAndCorrelation(t *testing.T) {
	m, _, exp := opsSetup(t)

	var cid, session string
	h := Middleware(m, WithSessionKey("campaign"), WithRoutes("/readyz"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid = CorrelationID(r.Context())
			session = SessionKey(r.Context())
		}))

	rec := serve(h, "/readyz", nil)
	if len(cid) != 32 || rec.Header().Get("X-Correlation-ID") != cid {
		t.Errorf("correlation ID = %q, header %q", cid, rec.Header().Get("X-Correlation-ID"))
	}
	if session != "campaign" {
		t.Errorf("handler session key = %q, want campaign", session)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "ops GET /readyz" {
		t.Errorf("span name = %q", s.Name)
	}
	for key, want := range map[attribute.Key]string{
		AttrSessionKey:              "campaign",
		"http.route":                "/readyz",
		"http.response.status_code": "200",
	} {
		if got, _ := attrValue(s.Attributes, key); got != want {
			t.Errorf("span %s = %q, want %q", key, got, want)
		}
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := opsSetup(t)
	var cid string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
	}))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := serve(h, "/healthz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	if cid != traceID || rec.Header().Get("X-Correlation-ID") != traceID {
		t.Errorf("correlation ID = %q (header %q), want %s", cid, rec.Header().Get("X-Correlation-ID"), traceID)
	}
}

func TestMiddleware_RouteCardinality(t *testing.T) {
	m, reader, _ := opsSetup(t)
	h := Middleware(m, WithRoutes("/healthz", "/readyz", "/metrics"))(statusHandler(http.StatusNotFound))

	for _, p := range []string{"/wp-admin", "/.env", "/healthz"} {
		serve(h, p, nil)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "storyloom.http.request.duration")
	if met == nil {
		t.Fatal("storyloom.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		if status.AsInt64() != http.StatusNotFound {
			t.Errorf("status attribute = %d, want 404", status.AsInt64())
		}
		counts[route.AsString()] += dp.Count
	}
	if len(counts) != 2 || counts[RouteOther] != 2 || counts["/healthz"] != 1 {
		t.Errorf("samples per route = %v, want 2 under %q and 1 under /healthz", counts, RouteOther)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	m, _, exp := opsSetup(t)
	buf := captureLogs(t, slog.LevelInfo)

	var failureCalls int
	mw := Middleware(m,
		WithRoutes("/healthz", "/readyz"),
		WithQuietRoutes("/healthz", "/readyz"),
		WithFailureContext(func(context.Context) []attribute.KeyValue {
			failureCalls++
			return []attribute.KeyValue{attribute.Int("queue.failed", 4), attribute.String("snapshot.backend", "redis")}
		}),
	)

	serve(mw(statusHandler(http.StatusOK)), "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("healthy check logged at info: %s", buf.String())
	}
	if failureCalls != 0 {
		t.Error("failure context collected for a healthy response")
	}

	serve(mw(statusHandler(http.StatusServiceUnavailable)), "/readyz", nil)
	got := buf.String()
	for _, want := range []string{"level=WARN", "route=/readyz", "status=503", "queue.failed=4", "snapshot.backend=redis"} {
		if !strings.Contains(got, want) {
			t.Errorf("failure log lacks %q: %s", want, got)
		}
	}

	spans := exp.GetSpans()
	last := spans[len(spans)-1]
	if last.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", last.Status.Code)
	}
	if v, _ := attrValue(last.Attributes, "queue.failed"); v != "4" {
		t.Errorf("span queue.failed = %q, want 4", v)
	}
}
