package pending

import (
	"fmt"
	"strings"

	"relaydeck/internal/comms"
)

// Kind identifies the variant of a pending Item.
type Kind uint8

const (
	KindRelayConnection Kind = iota + 1
	KindRelayAuthentication
	KindRemoteSign
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindRelayConnection:
		return "relay_connection"
	case KindRelayAuthentication:
		return "relay_authentication"
	case KindRemoteSign:
		return "remote_sign"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	for k := KindRelayConnection; k <= KindGeneric; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown pending kind %q", s)
}

// Keyed reports whether items of this kind carry an identity key.
func (k Kind) Keyed() bool {
	return k == KindRelayConnection || k == KindRelayAuthentication
}

// Item is something a worker needs a human decision on. The set of
// implementations is closed; items are immutable once queued.
type Item interface {
	Kind() Kind
	// IdentityKey returns the fields used to match this item against an
	// earlier one. ok is false for kinds that are never matched.
	IdentityKey() (key string, ok bool)
	Describe() string

	sealed()
}

// keySep never appears in relay URLs or account identities.
const keySep = "\x1f"

// AuthKey joins an account and relay into a relay authentication identity key.
func AuthKey(account, relay string) string { return account + keySep + relay }

// SplitAuthKey is the inverse of AuthKey.
func SplitAuthKey(key string) (account, relay string, ok bool) {
	account, relay, ok = strings.Cut(key, keySep)
	return
}

type RelayConnectionRequest struct {
	Relay string
	Jobs  []comms.RelayJob
}

// NewRelayConnectionRequest copies jobs so the queued item cannot be changed
// through the caller's slice.
func NewRelayConnectionRequest(relay string, jobs []comms.RelayJob) RelayConnectionRequest {
	return RelayConnectionRequest{Relay: relay, Jobs: append([]comms.RelayJob(nil), jobs...)}
}

func (RelayConnectionRequest) Kind() Kind                    { return KindRelayConnection }
func (r RelayConnectionRequest) IdentityKey() (string, bool) { return r.Relay, true }
func (RelayConnectionRequest) sealed()                       {}
func (r RelayConnectionRequest) Describe() string {
	reasons := make([]string, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		reasons = append(reasons, j.Reason.String())
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("connect to %s", r.Relay)
	}
	return fmt.Sprintf("connect to %s for %s", r.Relay, strings.Join(reasons, ", "))
}

type RelayAuthenticationRequest struct {
	Account string
	Relay   string
}

func (RelayAuthenticationRequest) Kind() Kind { return KindRelayAuthentication }
func (r RelayAuthenticationRequest) IdentityKey() (string, bool) {
	return AuthKey(r.Account, r.Relay), true
}
func (RelayAuthenticationRequest) sealed() {}
func (r RelayAuthenticationRequest) Describe() string {
	return fmt.Sprintf("authenticate %s to %s", shortID(r.Account), r.Relay)
}

type RemoteSignRequest struct {
	ClientName string
	Account    string
	Command    string
}

func (RemoteSignRequest) Kind() Kind                  { return KindRemoteSign }
func (RemoteSignRequest) IdentityKey() (string, bool) { return "", false }
func (RemoteSignRequest) sealed()                     {}
func (r RemoteSignRequest) Describe() string {
	return fmt.Sprintf("%s asks to %s as %s", r.ClientName, r.Command, shortID(r.Account))
}

type GenericItem struct {
	Payload string
}

func (GenericItem) Kind() Kind                  { return KindGeneric }
func (GenericItem) IdentityKey() (string, bool) { return "", false }
func (GenericItem) sealed()                     {}
func (g GenericItem) Describe() string          { return g.Payload }

func shortID(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
