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
		{"api host", "https://api.regulations.gov/v4/documents", "api.regulations.gov"},
		{"mixed case", "https://Downloads.Regulations.gov/x.pdf", "downloads.regulations.gov"},
		{"no scheme", "localhost:8080/get_job", "localhost"},
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

func TestObserversInitLazily(t *testing.T) {
	ObserveRetry("connection")
	ObserveRetry("connection")
	if val := testutil.ToFloat64(upstreamRetriesTotal.WithLabelValues("connection")); val != 2 {
		t.Errorf("expected 2 connection retries, got %f", val)
	}

	ObserveDiscoveredJobs("dockets", "standard", 3)
	if val := testutil.ToFloat64(discoveryJobsTotal.WithLabelValues("dockets", "standard")); val != 3 {
		t.Errorf("expected 3 discovered jobs, got %f", val)
	}

	at := time.Unix(1700000000, 0)
	ObserveCheckpoint("comments", at)
	if val := testutil.ToFloat64(discoveryCheckpoint.WithLabelValues("comments")); val != 1700000000 {
		t.Errorf("expected checkpoint gauge to hold unix time, got %f", val)
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://api.regulations.gov", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
