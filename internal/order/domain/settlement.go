package domain

import "strings"

var settledStatuses = map[string]bool{
	"paid":      true,
	"confirmed": true,
	"complete":  true,
	"completed": true,
}

// IsSettledStatus reports whether a gateway payment status is a terminal
// success code. Matching ignores case and surrounding space.
func IsSettledStatus(status string) bool {
	return settledStatuses[strings.ToLower(strings.TrimSpace(status))]
}
