package httpapi

import (
	"strconv"
	"strings"
)

// parseRange parses a single-range "bytes=" header against an object of size
// bytes. Ends past the object are clamped; suffix ranges count from the end.
func parseRange(header string, size int64) (start int64, length int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") || size <= 0 {
		return 0, 0, false
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	return parseRangeSpec(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), size)
}

func parseRangeSpec(startStr, endStr string, size int64) (start int64, length int64, ok bool) {
	if startStr == "" {
		// suffix: -N
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, n, true
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - start, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end - start + 1, true
}

func formatContentRange(start, length, size int64) string {
	end := start + length - 1
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(size, 10)
}
