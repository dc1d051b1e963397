package ntp

import "time"

// LocalTimeProvider provides time based on the local system clock.
type LocalTimeProvider struct{}

// NewLocalTimeProvider creates a new local time provider.
func NewLocalTimeProvider() *LocalTimeProvider {
	return &LocalTimeProvider{}
}

// Now returns the current local system time.
func (l *LocalTimeProvider) Now() time.Time {
	return time.Now()
}

// NowUnixMilli returns the current local system time in Unix milliseconds.
func (l *LocalTimeProvider) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
