// Package types provides domain models shared across HitKeeper components.
//
// Zero-dependency design: types.go and errors.go use only the standard
// library so the coordination core can be embedded without pulling in
// storage or CLI dependencies. ID utilities in ids.go import uuid but are
// isolated for selective inclusion.
package types

import "time"

// HitID represents a UUIDv7 hit identifier.
// String alias enables type safety while maintaining JSON string serialization.
// UUIDv7 time-ordering ensures hits drain from the store in emission order.
type HitID string

// AuthenticationState describes how a visitor identifier was obtained.
// Ordinal values are wire format: the collector parses the numeric value
// of the ".as" context entry, so the mapping below must never change.
type AuthenticationState int

const (
	// AuthUnknown indicates the identity subsystem could not classify the identifier.
	AuthUnknown AuthenticationState = 0

	// AuthAuthenticated indicates the visitor was signed in when the identifier was set.
	AuthAuthenticated AuthenticationState = 1

	// AuthLoggedOut indicates the visitor had explicitly signed out.
	AuthLoggedOut AuthenticationState = 2
)

// Identifiable is one visitor identifier supplied by the identity subsystem.
// Read-only to this core; lists of these may contain nil entries that
// encoding must skip.
type Identifiable struct {
	Type                string
	Identifier          string
	AuthenticationState AuthenticationState
}

// Hit is one finalized, serialized analytics request body ready for
// transmission. Ownership transfers to the hit sink on emission.
type Hit struct {
	ID          HitID
	RequestBody string
	Timestamp   time.Time
}

// Lifecycle action strings carried by lifecycle request events.
const (
	// ActionStart marks an app-foreground session boundary.
	ActionStart = "START"

	// ActionPause marks an app-background session boundary.
	ActionPause = "PAUSE"
)

// Resource limits enforced by the coordinator to bound memory per event.
const (
	// MaxContextDataPairs limits context data pairs carried by a single event.
	// 256 pairs allows rich attribution payloads without unbounded iteration.
	MaxContextDataPairs = 256

	// MaxContextDataKeyLength prevents excessively long keys.
	// 128 chars accommodates dotted keys like "a.internalaction.deeplink.id".
	MaxContextDataKeyLength = 128

	// MaxContextDataValueLength prevents unbounded value sizes.
	// 1KB allows URLs and small structured identifiers without blob payloads.
	MaxContextDataValueLength = 1024
)
