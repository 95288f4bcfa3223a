package config

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"60s", time.Minute, false},
		{"1m30s", 90 * time.Second, false},
		{"60000", time.Minute, false},
		{`"250"`, 250 * time.Millisecond, false},
		{"1 minute", time.Minute, false},
		{"2 hours", 2 * time.Hour, false},
		{"0.5 seconds", 500 * time.Millisecond, false},
		{"", 0, false},
		{"null", 0, false},
		{"-5", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
		{"3 fortnights", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
