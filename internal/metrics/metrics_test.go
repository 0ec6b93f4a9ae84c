package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"gcs", "https://storage.googleapis.com/bucket/a.jpg", "storage.googleapis.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"blob handle", "blob:abc", "unknown"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestReasonLabel(t *testing.T) {
	cases := map[string]string{
		"network-error: dial tcp: no such host": "network-error",
		"http-404":                              "http-404",
		"":                                      "none",
	}
	for in, want := range cases {
		if got := ReasonLabel(in); got != want {
			t.Errorf("ReasonLabel(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveCheck("metrics_test", "invalid", "network-error: refused")
	ObserveCheck("metrics_test", "invalid", "network-error: reset")
	if val := testutil.ToFloat64(checksTotal.WithLabelValues("metrics_test", "invalid", "network-error")); val != 2 {
		t.Errorf("Expected 2 network-error checks, got %f", val)
	}

	ObserveMalformed("metrics_test", 0)
	ObserveMalformed("metrics_test", 3)
	if val := testutil.ToFloat64(malformedTotal.WithLabelValues("metrics_test")); val != 3 {
		t.Errorf("Expected malformed total 3, got %f", val)
	}

	ObserveRepairItems("metrics_test_repaired", 2)
	if val := testutil.ToFloat64(repairItemsTotal.WithLabelValues("metrics_test_repaired")); val != 2 {
		t.Errorf("Expected repaired items 2, got %f", val)
	}

	ObserveProbe("metrics_test", 30*time.Millisecond)
	if val := testutil.CollectAndCount(probeDurationSeconds); val <= 0 {
		t.Errorf("Expected probe duration to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "gs://bucket/x"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
