package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/osvaldoandrade/historia/pkg/config"
)

const sampleParent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestSetupDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := Setup(context.Background(), FromConfig(config.TracingConfig{}), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	ctx := ContextWithRemoteParent(context.Background(), sampleParent, "")
	parent, _ := TraceContextStrings(ctx)
	if parent != sampleParent {
		t.Fatalf("traceparent = %q", parent)
	}

	h := http.Header{}
	InjectHeaders(ctx, h)
	if h.Get("traceparent") != sampleParent {
		t.Fatalf("injected traceparent = %q", h.Get("traceparent"))
	}
	if h.Get("baggage") != "" {
		t.Fatal("baggage must not be injected")
	}
}

func TestContextWithRemoteParentEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithRemoteParent(ctx, " ", ""); got != ctx {
		t.Fatal("expected context to be returned unchanged")
	}
}

func TestSanitizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"http://collector:4317":   "collector:4317",
		"https://collector:4317/": "collector:4317",
		"collector:4317/":         "collector:4317",
		"":                        "",
	}
	for in, want := range tests {
		if got := sanitizeEndpoint(in); got != want {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSampleRatio(t *testing.T) {
	if ParseSampleRatio("0.25") != 0.25 || ParseSampleRatio("x") != 0 || ParseSampleRatio("") != 0 {
		t.Fatal("unexpected sample ratio parsing")
	}
}
