package storage

import "fmt"

// Key schema:
//
//	ord:<orderID>                 → resting order
//	spent:<orderID>               → order that left the book (filled or cancelled)
//	pass:<unix-nano>:<passID>     → pass report
const (
	prefixOrder = "ord:"
	prefixSpent = "spent:"
	prefixPass  = "pass:"
)

// orderKey returns the key for a resting order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// spentKey returns the marker key for a retired order
// Format: "spent:{orderID}"
func spentKey(orderID string) []byte {
	return []byte(prefixSpent + orderID)
}

// passKey returns the key for a pass report
// Format: "pass:{timestamp}:{passID}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func passKey(timestamp int64, passID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixPass, timestamp, passID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
