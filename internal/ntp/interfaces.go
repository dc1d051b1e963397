package ntp

import "time"

// TimeProvider provides the current time, either from the local clock or
// synchronized against NTP. Command TTL checks and heartbeat timestamps go
// through this interface so clock skew on the host does not break them.
type TimeProvider interface {
	Now() time.Time
	NowUnixMilli() int64
}
