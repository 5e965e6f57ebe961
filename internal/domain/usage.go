package domain

import "time"

// UsageLog captures per-job accounting written after a successful conversion.
type UsageLog struct {
	JobID         string
	PixelsDecoded int64
	OutputBytes   int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}
