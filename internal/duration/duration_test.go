package duration

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"30m", 30 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"1h30m", time.Hour + 30*time.Minute},
		{"1 h 30 m", time.Hour + 30*time.Minute},
		{"500ms", 500 * time.Millisecond},
		{"1w", 7 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, bad := range []string{"", "h1", "1x", "1h2"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) expected error", bad)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Hour, 30 * time.Minute, 7 * 24 * time.Hour, 500 * time.Millisecond} {
		s := Format(d)
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(Format(%v)) = %v error", d, err)
		}
		if got != d {
			t.Errorf("round-trip %v -> %q -> %v", d, s, got)
		}
	}
}
