package app

import (
	"testing"
	"time"
)

func TestReopenBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{100, time.Minute},
	}

	for _, tt := range tests {
		if got := reopenBackoff(tt.failures); got != tt.want {
			t.Errorf("reopenBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
