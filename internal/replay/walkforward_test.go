package replay

import (
	"testing"
	"time"
)

func TestRollingWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 60)

	windows := RollingWindows(start, end, 20, 5)
	// 60 days fit floor((60-25)/5)+1 = 8 windows stepping by 5.
	if len(windows) != 8 {
		t.Fatalf("windows = %d, want 8", len(windows))
	}

	first := windows[0]
	if !first.InSampleStart.Equal(start) {
		t.Errorf("in-sample start = %v, want %v", first.InSampleStart, start)
	}
	if !first.InSampleEnd.Equal(start.AddDate(0, 0, 20)) {
		t.Errorf("in-sample end = %v", first.InSampleEnd)
	}
	if !first.OutSampleStart.Equal(first.InSampleEnd) {
		t.Error("out-of-sample must start where in-sample ends")
	}
	if !first.OutSampleEnd.Equal(first.OutSampleStart.AddDate(0, 0, 5)) {
		t.Errorf("out-of-sample end = %v", first.OutSampleEnd)
	}

	// Consecutive out-of-sample spans tile without gaps or overlap.
	for i := 1; i < len(windows); i++ {
		if !windows[i].OutSampleStart.Equal(windows[i-1].OutSampleEnd) {
			t.Errorf("window %d out-of-sample start %v does not abut previous end %v",
				i, windows[i].OutSampleStart, windows[i-1].OutSampleEnd)
		}
	}

	if got := RollingWindows(start, start.AddDate(0, 0, 10), 20, 5); len(got) != 0 {
		t.Errorf("too-short span produced %d windows, want 0", len(got))
	}
}
