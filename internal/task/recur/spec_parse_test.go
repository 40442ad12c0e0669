package recur

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "30 */5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:90m", kind: SpecInterval, source: "duration", duration: 90 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "* * *", "interval:-5m", "00:99"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) accepted", raw)
		}
	}
}

func TestLatestDueCron(t *testing.T) {
	t.Parallel()
	spec, err := Parse("0 * * * *") // top of every hour
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

	due, ok := spec.LatestDue(anchor, now, anchor)
	if !ok {
		t.Fatal("expected a due instant")
	}
	want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}

	// Nothing new strictly after the instant just found.
	if _, ok := spec.LatestDue(due, due.Add(30*time.Minute), anchor); ok {
		t.Fatal("found an instant that is not past yet")
	}
}

func TestLatestDueInterval(t *testing.T) {
	t.Parallel()
	spec, err := Parse("1h")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Before one full interval elapsed: nothing due (anchor is not due).
	if _, ok := spec.LatestDue(anchor, anchor.Add(30*time.Minute), anchor); ok {
		t.Fatal("due before first interval elapsed")
	}

	now := anchor.Add(3*time.Hour + 20*time.Minute)
	due, ok := spec.LatestDue(anchor, now, anchor)
	if !ok {
		t.Fatal("expected a due instant")
	}
	if want := anchor.Add(3 * time.Hour); !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}

	// Re-evaluation with the same now finds nothing new.
	if _, ok := spec.LatestDue(due, now, anchor); ok {
		t.Fatal("re-evaluation produced a second instant")
	}
}
