package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"frontdoor/pkg/config"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased_traceidratio", "0", sdktrace.Drop},
		{"unknown", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("sampler %s(%s): got %v want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("k1=v1, k2 = v2,broken")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for empty header string, got %v", got)
	}
	headers = parseHeaders("k1=v1, , =bad, k2=v2")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers when empty parts/keys skipped, got %d (%#v)", len(headers), headers)
	}
}

func TestInit(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()
	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name    string
		ctx     context.Context
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"in_process_only", context.Background(), config.TracingConfig{}, false},
		{"collector", context.Background(), config.TracingConfig{Endpoint: u.Host, Headers: "x-tenant=edge", Insecure: true, Timeout: time.Second, Required: true}, false},
		{"optional_exporter_failure", cancelled, config.TracingConfig{Endpoint: "localhost:4318"}, false},
		{"required_exporter_failure", cancelled, config.TracingConfig{Endpoint: "localhost:4318", Required: true}, true},
		{"required_bad_endpoint", cancelled, config.TracingConfig{Endpoint: "http://127.0.0.1:4318", Required: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shutdown, err := Init(tc.ctx, tc.cfg, "gateway", nil)
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "otlp exporter") {
					t.Fatalf("expected exporter error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Fatalf("shutdown: %v", err)
			}
		})
	}
}

func TestServiceResource(t *testing.T) {
	for in, want := range map[string]string{"gateway": "gateway", "  ": defaultService} {
		res := serviceResource(in)
		got, ok := res.Set().Value("service.name")
		if !ok || got.AsString() != want {
			t.Fatalf("serviceResource(%q) service.name=%q", in, got.AsString())
		}
	}
}

func TestHTTPMiddleware(t *testing.T) {
	for _, name := range []string{"gateway", "   "} {
		handler := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
	}
}

func TestStartEndRecordsDomainSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(orig)

	ctx, parent := Start(context.Background(), "blacklist.apply", attribute.String("user_id", "15"))
	_, child := Start(ctx, "gate.lookup")
	End(child, nil)
	End(parent, errors.New("merge lock timeout"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans=%d", len(spans))
	}
	lookup, apply := spans[0], spans[1]
	if lookup.Name() != "gate.lookup" || lookup.Parent().SpanID() != apply.SpanContext().SpanID() {
		t.Fatalf("lookup span not nested under apply: %+v", lookup.Parent())
	}
	if lookup.Status().Code != codes.Unset {
		t.Fatalf("lookup status=%v", lookup.Status())
	}
	if apply.Status().Code != codes.Error || apply.Status().Description != "merge lock timeout" || len(apply.Events()) != 1 {
		t.Fatalf("apply status=%v events=%d", apply.Status(), len(apply.Events()))
	}
	if got := apply.Attributes(); len(got) != 1 || got[0].Value.AsString() != "15" {
		t.Fatalf("apply attributes=%v", got)
	}
}
