// Package notifications turns the pending queue into a stable list of
// notifications that keeps the operator's per-entry choices across rebuilds.
//
// Everything here runs on one owning goroutine and does no locking of its own.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/pending"
)

// Category groups notifications for filtering and counting.
type Category uint8

const (
	CategoryRelayAuthentication Category = iota
	CategoryRelayConnection
	CategoryRemoteSign
	CategoryGeneric

	numCategories
)

func CategoryOf(k pending.Kind) Category {
	switch k {
	case pending.KindRelayAuthentication:
		return CategoryRelayAuthentication
	case pending.KindRelayConnection:
		return CategoryRelayConnection
	case pending.KindRemoteSign:
		return CategoryRemoteSign
	default:
		return CategoryGeneric
	}
}

func (c Category) Name() string {
	switch c {
	case CategoryRelayAuthentication:
		return "Relay Authentication Request"
	case CategoryRelayConnection:
		return "Relay Connection Request"
	case CategoryRemoteSign:
		return "Remote Sign Request"
	default:
		return "Pending Items"
	}
}

// Filter selects which notifications a consumer wants to see.
type Filter uint8

const (
	FilterAll Filter = iota
	FilterRelayAuthentication
	FilterRelayConnection
	FilterRemoteSign
	FilterGeneric
)

// Filters lists every filter in display order.
func Filters() []Filter {
	return []Filter{FilterAll, FilterRelayAuthentication, FilterRelayConnection, FilterRemoteSign, FilterGeneric}
}

func (f Filter) Name() string {
	if f == FilterAll {
		return "All"
	}
	if c, ok := f.category(); ok {
		return c.Name()
	}
	return fmt.Sprintf("filter(%d)", uint8(f))
}

func (f Filter) category() (Category, bool) {
	switch f {
	case FilterRelayAuthentication:
		return CategoryRelayAuthentication, true
	case FilterRelayConnection:
		return CategoryRelayConnection, true
	case FilterRemoteSign:
		return CategoryRemoteSign, true
	case FilterGeneric:
		return CategoryGeneric, true
	}
	return 0, false
}

// ParseFilter accepts short names ("auth", "conn", "sign", "pending"), kind
// names ("relay_authentication", ...) and "all". Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FilterAll, nil
	case "auth", "relay_authentication":
		return FilterRelayAuthentication, nil
	case "conn", "connect", "relay_connection":
		return FilterRelayConnection, nil
	case "sign", "remote_sign":
		return FilterRemoteSign, nil
	case "pending", "generic", "other":
		return FilterGeneric, nil
	}
	return FilterAll, fmt.Errorf("unknown filter %q", s)
}

// Notification wraps one pending entry with the operator's local state.
type Notification struct {
	ItemID    uuid.UUID
	Item      pending.Item
	CreatedAt time.Time
	// Remember asks for the eventual decision to apply automatically to future
	// items with the same identity.
	Remember bool
}

func (n Notification) Kind() pending.Kind   { return n.Item.Kind() }
func (n Notification) Category() Category   { return CategoryOf(n.Item.Kind()) }
func (n Notification) Summary() string      { return n.Item.Describe() }
func (n Notification) Timestamp() time.Time { return n.CreatedAt }

// IdentityKey reports the key used to carry state across rebuilds.
func (n Notification) IdentityKey() (string, bool) { return n.Item.IdentityKey() }

// Title is a short human heading.
func (n Notification) Title() string {
	switch it := n.Item.(type) {
	case pending.RelayConnectionRequest:
		return "Connect to " + it.Relay + "?"
	case pending.RelayAuthenticationRequest:
		return "Authenticate to " + it.Relay + "?"
	case pending.RemoteSignRequest:
		return it.ClientName + " wants a signature"
	case pending.GenericItem:
		return "Needs attention"
	default:
		return n.Category().Name()
	}
}

// Matches is true for FilterAll or when the filter's category is n's.
func (n Notification) Matches(f Filter) bool {
	if f == FilterAll {
		return true
	}
	c, ok := f.category()
	return ok && c == n.Category()
}

// Counts holds per-category totals for one rebuild.
type Counts struct {
	by [numCategories]int
}

func (c Counts) Get(cat Category) int {
	if cat >= numCategories {
		return 0
	}
	return c.by[cat]
}

// Relays is the relay badge: connection plus authentication requests.
func (c Counts) Relays() int {
	return c.by[CategoryRelayConnection] + c.by[CategoryRelayAuthentication]
}

// Pending is the other badge: remote sign requests plus generic items.
func (c Counts) Pending() int {
	return c.by[CategoryRemoteSign] + c.by[CategoryGeneric]
}

func (c Counts) Total() int { return c.Relays() + c.Pending() }

// ForFilter returns the count shown next to a filter.
func (c Counts) ForFilter(f Filter) int {
	if cat, ok := f.category(); ok {
		return c.by[cat]
	}
	return c.Total()
}
