package redis

import "strconv"

const (
	// KeyPrefixEvent is the prefix for individual audit event keys
	KeyPrefixEvent = "apireg:audit:event:"
	// KeyPrefixServiceEvents is the prefix for per-service event id lists
	KeyPrefixServiceEvents = "apireg:audit:service:"
	// KeyRecentEvents is the capped list of recent event ids, newest first
	KeyRecentEvents = "apireg:audit:recent"
)

// EventKey returns the Redis key for an event by ID
func EventKey(id int64) string {
	return KeyPrefixEvent + strconv.FormatInt(id, 10)
}

// ServiceEventsKey returns the key of the event id list of a service
func ServiceEventsKey(serviceID int64) string {
	return KeyPrefixServiceEvents + strconv.FormatInt(serviceID, 10)
}

// RecentEventsKey returns the key of the recent event id list
func RecentEventsKey() string {
	return KeyRecentEvents
}
