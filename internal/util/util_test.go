package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should succeed immediately: %v", err)
	}
}

func TestTradingCalendarSession(t *testing.T) {
	cal, err := NewTradingCalendar()
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	et := cal.Location()

	// Tuesday 2024-06-04.
	midSession := time.Date(2024, 6, 4, 12, 0, 0, 0, et)
	if !cal.IsMarketOpen(midSession) {
		t.Error("12:00 ET Tuesday should be open")
	}
	preOpen := time.Date(2024, 6, 4, 9, 29, 0, 0, et)
	if cal.IsMarketOpen(preOpen) {
		t.Error("9:29 ET should be closed")
	}
	saturday := time.Date(2024, 6, 8, 12, 0, 0, 0, et)
	if cal.IsMarketOpen(saturday) {
		t.Error("Saturday should be closed")
	}

	if cal.PastCutoff(time.Date(2024, 6, 4, 15, 54, 0, 0, et)) {
		t.Error("15:54 ET should not be past cutoff")
	}
	if !cal.PastCutoff(time.Date(2024, 6, 4, 15, 55, 0, 0, et)) {
		t.Error("15:55 ET should be past cutoff")
	}

	open := cal.SessionOpen(midSession)
	if open.Hour() != 9 || open.Minute() != 30 {
		t.Errorf("SessionOpen = %v, want 9:30 ET", open)
	}

	// Cutoff checks must respect the input's own zone.
	utc := time.Date(2024, 6, 4, 20, 0, 0, 0, time.UTC) // 16:00 ET
	if !cal.PastCutoff(utc) {
		t.Error("20:00 UTC (16:00 ET) should be past cutoff")
	}
}

func TestRateLimiterDefault(t *testing.T) {
	rl := NewRateLimiter(0)
	if want := float64(DefaultRequestsPerMin) / 60.0; rl.rate != want {
		t.Errorf("rate = %v, want %v for the default budget", rl.rate, want)
	}
	if rl = NewRateLimiter(60); rl.rate != 1 {
		t.Errorf("rate = %v, want 1 token/s for 60/min", rl.rate)
	}
}

func TestNewTextLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf, "warn")

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info record must be suppressed at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn record must be written")
	}
}
