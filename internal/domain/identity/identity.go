// Package identity describes who owns a token budget: a member or a guest.
package identity

// Kind distinguishes members from guests.
type Kind string

// Identity kinds.
const (
	KindMember Kind = "member"
	KindGuest  Kind = "guest"
)

// DefaultGuestNamespace is used for guests that did not present a session id.
const DefaultGuestNamespace = "default"

// Identity is either an authenticated member (user id) or an anonymous guest.
// The zero value is a guest in the default namespace.
type Identity struct {
	userID  string
	guestID string
}

// Member returns a member identity.
func Member(userID string) Identity {
	return Identity{userID: userID}
}

// Guest returns a guest identity scoped to a local storage namespace.
// An empty guestID selects DefaultGuestNamespace.
func Guest(guestID string) Identity {
	if guestID == "" {
		guestID = DefaultGuestNamespace
	}
	return Identity{guestID: guestID}
}

// IsGuest reports whether the identity has no user id.
func (i Identity) IsGuest() bool { return i.userID == "" }

// Kind returns the identity kind.
func (i Identity) Kind() Kind {
	if i.IsGuest() {
		return KindGuest
	}
	return KindMember
}

// UserID returns the member user id (empty for guests).
func (i Identity) UserID() string { return i.userID }

// GuestID returns the guest namespace (empty for members).
func (i Identity) GuestID() string {
	if !i.IsGuest() {
		return ""
	}
	if i.guestID == "" {
		return DefaultGuestNamespace
	}
	return i.guestID
}

// Key returns a stable string naming the identity, used as a broadcast topic.
func (i Identity) Key() string {
	if i.IsGuest() {
		return string(KindGuest) + ":" + i.GuestID()
	}
	return string(KindMember) + ":" + i.userID
}

func (i Identity) String() string { return i.Key() }
