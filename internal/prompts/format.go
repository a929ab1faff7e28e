package prompts

import (
	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count the way Finder does (decimal units).
func FormatBytes(n uint64) string {
	return humanize.Bytes(n)
}

// FormatCount renders an item count with thousands separators.
func FormatCount(n int) string {
	return humanize.Comma(int64(n))
}
