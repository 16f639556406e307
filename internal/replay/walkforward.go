package replay

import "time"

// Window is one walk-forward slice: parameters are chosen on the in-sample
// span and evaluated out-of-sample on the span that follows.
type Window struct {
	InSampleStart  time.Time
	InSampleEnd    time.Time
	OutSampleStart time.Time
	OutSampleEnd   time.Time
}

// RollingWindows slices [start, end] into consecutive walk-forward windows,
// advancing by the out-of-sample length so every out-of-sample day is
// evaluated exactly once.
func RollingWindows(start, end time.Time, inSampleDays, outSampleDays int) []Window {
	isLen := time.Duration(inSampleDays) * 24 * time.Hour
	oosLen := time.Duration(outSampleDays) * 24 * time.Hour

	var windows []Window
	for t := start; !t.Add(isLen + oosLen).After(end); t = t.Add(oosLen) {
		isEnd := t.Add(isLen)
		windows = append(windows, Window{
			InSampleStart:  t,
			InSampleEnd:    isEnd,
			OutSampleStart: isEnd,
			OutSampleEnd:   isEnd.Add(oosLen),
		})
	}
	return windows
}
