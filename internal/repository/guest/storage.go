// Package guest implements the "local storage" that holds anonymous guest usage.
// Values are plain strings; callers parse them defensively.
package guest

// Storage keys written per guest namespace.
const (
	KeyTokensUsed     = "guest_tokens_used"
	KeySessionStarted = "guest_session_started"
)

func itemKey(namespace, key string) string {
	return "guest:" + namespace + ":" + key
}
