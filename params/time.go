package params

import "time"

// UnixTimestampToTime converts a Unix millisecond timestamp to time.Time.
func UnixTimestampToTime(ts uint64) time.Time {
	return time.UnixMilli(int64(ts))
}

// TimeToUnixTimestamp converts t to a Unix millisecond timestamp. Times before
// the epoch map to zero.
func TimeToUnixTimestamp(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
