package batch

import (
	"fmt"

	"github.com/google/uuid"
)

// chunks splits positions into consecutive groups of at most size
func chunks(positions []int, size int) [][]int {
	if size <= 0 {
		size = 1
	}
	out := make([][]int, 0, (len(positions)+size-1)/size)
	for start := 0; start < len(positions); start += size {
		end := min(start+size, len(positions))
		out = append(out, positions[start:end])
	}
	return out
}

// objectKey names an upload <prefix>/<batchId>/<index>-<suffix>.<ext>. The
// random suffix keeps a retried upload from overwriting an earlier one.
func objectKey(prefix, batchID string, index int, ext string) string {
	suffix := uuid.NewString()[:8]
	if prefix == "" {
		return fmt.Sprintf("%s/%06d-%s.%s", batchID, index, suffix, ext)
	}
	return fmt.Sprintf("%s/%s/%06d-%s.%s", prefix, batchID, index, suffix, ext)
}
