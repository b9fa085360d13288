package engine

import (
	"testing"
	"time"
)

func TestBackoffDelay_Exponential(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{5, 960 * time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay("exponential", tc.attempt)
		if got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDelay_Linear(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{4, 150 * time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay("linear", tc.attempt)
		if got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDelay_CapsExponentialShift(t *testing.T) {
	// Huge attempt counts must not overflow the shift
	got := backoffDelay("exponential", 1000)
	want := 30 * time.Second * time.Duration(int64(1)<<20)
	if got != want {
		t.Fatalf("expected capped delay %v, got %v", want, got)
	}
}

func TestParseBackoff(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want string
	}{
		{"json string", `{"max_attempts": 5, "backoff": "linear"}`, "linear"},
		{"json bytes", []byte(`{"backoff": "exponential"}`), "exponential"},
		{"decoded map", map[string]any{"backoff": "linear"}, "linear"},
		{"nil falls back", nil, "exponential"},
		{"empty json falls back", `{}`, "exponential"},
		{"garbage falls back", "not json", "exponential"},
	}
	for _, tc := range cases {
		if got := parseBackoff(tc.raw); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestFormatRetryTime_UTCComparable(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	got := formatRetryTime(at)
	if got != "2025-03-01 10:00:00" {
		t.Fatalf("expected UTC-normalized timestamp, got %q", got)
	}
}

func TestToInt(t *testing.T) {
	if got := toInt(int64(7)); got != 7 {
		t.Errorf("int64: expected 7, got %d", got)
	}
	if got := toInt(3.0); got != 3 {
		t.Errorf("float64: expected 3, got %d", got)
	}
	if got := toInt("nope"); got != 0 {
		t.Errorf("unsupported type: expected 0, got %d", got)
	}
}
