package pipeline

import (
	"regexp"
	"strconv"
	"time"
)

// Seconds per interval unit. Quarters and months are calendar
// approximations (91.25 and 30.42 days).
var intervalUnits = map[string]int64{
	"q": 7884000,
	"M": 2628000,
	"w": 604800,
	"d": 86400,
	"h": 3600,
	"m": 60,
	"s": 1,
}

var intervalPattern = regexp.MustCompile(`(\d+)([qMwdhms])`)

// ParseInterval converts an interval string like "2w3d5h20m30s" to a
// duration. Components sum; an empty or unrecognised string parses to zero.
func ParseInterval(s string) time.Duration {
	var total int64
	for _, match := range intervalPattern.FindAllStringSubmatch(s, -1) {
		amount, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		total += amount * intervalUnits[match[2]]
	}
	return time.Duration(total) * time.Second
}
