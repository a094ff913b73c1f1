package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseByteRange parses "start-end" (end exclusive) or "start-" into
// offsets. An empty value or "-" selects the whole blob.
func parseByteRange(value string) (int64, int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "-" {
		return 0, -1, nil
	}
	startRaw, endRaw, ok := strings.Cut(value, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q (want start-end or start-)", value)
	}

	start := int64(0)
	if strings.TrimSpace(startRaw) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(startRaw), 10, 64)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid range start %q", startRaw)
		}
		start = parsed
	}

	end := int64(-1)
	if strings.TrimSpace(endRaw) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(endRaw), 10, 64)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid range end %q", endRaw)
		}
		if parsed < start {
			return 0, 0, fmt.Errorf("range end %d is before start %d", parsed, start)
		}
		end = parsed
	}
	return start, end, nil
}
