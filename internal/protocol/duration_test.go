package protocol

import (
	"testing"
	"time"
)

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT30S", 30 * time.Second},
		{"PT1H", time.Hour},
		{"PT5M", 5 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"PT0.5S", 500 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := ParseISODuration(tc.in)
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseISODuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "30S", "P", "PT", "PTS", "P1Y", "PT1H2", "1H"} {
		if d, err := ParseISODuration(in); err == nil && d != 0 {
			t.Errorf("%q: expected error, got %v", in, d)
		}
	}
}

func TestFormatISODuration_RoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		30 * time.Second, time.Hour, 90 * time.Minute, 36 * time.Hour, 0,
	} {
		s := FormatISODuration(d)
		got, err := ParseISODuration(s)
		if err != nil {
			t.Fatalf("%v → %q: %v", d, s, err)
		}
		if got != d {
			t.Errorf("%v → %q → %v", d, s, got)
		}
	}
}

func TestFormatISODuration_SubSecondStaysParseable(t *testing.T) {
	for _, d := range []time.Duration{time.Millisecond, 500 * time.Millisecond, 999 * time.Millisecond} {
		s := FormatISODuration(d)
		if s != "PT1S" {
			t.Errorf("%v → %q, want PT1S", d, s)
		}
		got, err := ParseISODuration(s)
		if err != nil {
			t.Fatalf("%v → %q: %v", d, s, err)
		}
		if got != time.Second {
			t.Errorf("%v → %q → %v", d, s, got)
		}
	}
}
