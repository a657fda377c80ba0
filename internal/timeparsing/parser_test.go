package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{"+6h", time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC), false},
		{"-1d", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC), false},
		{"-2w", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), false},
		{"3m", time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC), false},
		{"-1y", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"6h+", time.Time{}, true},
		{"1x", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompactDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAbsolute(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2025-02-01", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"2025-03-15T14:30:00Z", time.Date(2025, 3, 15, 14, 30, 0, 0, time.UTC)},
		{"2025-03-15T14:30:00.250Z", time.Date(2025, 3, 15, 14, 30, 0, 250e6, time.UTC)},
		{"2025-03-15 08:00", time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseAbsolute(tt.input, time.UTC)
		if err != nil {
			t.Errorf("ParseAbsolute(%q) failed: %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseAbsolute(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
	if _, err := ParseAbsolute("15/03/2025", time.UTC); err == nil {
		t.Error("expected error for unsupported layout")
	}
}

func TestParseNaturalLanguage(t *testing.T) {
	// Wednesday
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		wantDay int
	}{
		{"yesterday", 14},
		{"3 days ago", 12},
	}
	for _, tt := range tests {
		got, err := ParseNaturalLanguage(tt.input, now)
		if err != nil {
			t.Errorf("ParseNaturalLanguage(%q) failed: %v", tt.input, err)
			continue
		}
		if got.Year() != 2025 || got.Month() != time.January || got.Day() != tt.wantDay {
			t.Errorf("ParseNaturalLanguage(%q) = %v, want Jan %d", tt.input, got, tt.wantDay)
		}
	}

	for _, bad := range []string{"", "   ", "not a date at all"} {
		if _, err := ParseNaturalLanguage(bad, now); err == nil {
			t.Errorf("ParseNaturalLanguage(%q) should fail", bad)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		// Compact durations look back regardless of sign.
		{"2w", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"-2w", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"+36h", time.Date(2025, 1, 13, 22, 0, 0, 0, time.UTC), false},
		{"2024-12-31", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{" 2025-01-10T08:00:00Z ", time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC), false},
		{"2025-02-01", time.Time{}, true},
		{"", time.Time{}, true},
		{"whenever", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSince(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSince(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	got, err := ParseSince("yesterday", now)
	if err != nil {
		t.Fatalf("ParseSince(yesterday) failed: %v", err)
	}
	if got.Day() != 14 {
		t.Errorf("ParseSince(yesterday) = %v", got)
	}
}
