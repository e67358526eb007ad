package dhcp4

import (
	"io"
	"log/slog"
	"time"
)

// testLogger returns a discard logger for use in internal package tests.
func testLogger() (l *slog.Logger) {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// timeNowPlusHour returns a lease expiry one hour in the future.
func timeNowPlusHour() (t time.Time) {
	return time.Now().Add(time.Hour)
}
