package feeding

import (
	"testing"
	"time"
)

func TestEntryDuration(t *testing.T) {
	min, max := time.Second, 10*time.Second

	// 5 flies at 2 flies/s.
	got, err := EntryDuration(5, 2, min, max)
	if err != nil {
		t.Fatalf("entry duration: %v", err)
	}
	if got != 2500*time.Millisecond {
		t.Fatalf("duration %s, want 2.5s", got)
	}

	// Small counts clamp up, oversized counts clamp down.
	if got, _ := EntryDuration(1, 2, min, max); got != min {
		t.Fatalf("duration %s, want min %s", got, min)
	}
	if got, _ := EntryDuration(100, 2, min, max); got != max {
		t.Fatalf("duration %s, want max %s", got, max)
	}
}

func TestEntryDurationRejectsBadInput(t *testing.T) {
	if _, err := EntryDuration(0, 2, time.Second, time.Minute); err == nil {
		t.Fatal("zero target accepted")
	}
	if _, err := EntryDuration(-1, 2, time.Second, time.Minute); err == nil {
		t.Fatal("negative target accepted")
	}
	if _, err := EntryDuration(5, 0, time.Second, time.Minute); err == nil {
		t.Fatal("zero calibration rate accepted")
	}
}
