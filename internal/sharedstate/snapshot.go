package sharedstate

import (
	"time"

	"github.com/solatis/hitkeeper/internal/contextdata"
	"github.com/solatis/hitkeeper/internal/types"
)

// Shared-state keys read during snapshot assembly.
const (
	keyVisitorIDService   = "visitoridservice.enabled"
	keyReferrerTimeout    = "analytics.referrertimeout"
	keyMaxSessionLength   = "lifecycle.sessiontimeout"
	keyVisitorIdentifiers = "visitoridentifiers"
	keyLifecycleContext   = "lifecyclecontextdata"
	keyPreviousPause      = "previoussessionpausetimestamp"
	keyAssuranceSession   = "sessionid"
	keyPlacesRegionID     = "regionid"
	keyPlacesRegionName   = "regionname"
)

// Defaults applied when a dependency is absent or a field is malformed.
const (
	// DefaultMaxSessionLength bounds the session-continuation dedup window
	// when configuration carries no lifecycle session timeout.
	DefaultMaxSessionLength = 300 * time.Second
)

// Snapshot is the immutable per-event view of shared state.
//
// It must be rebuilt for every incoming event and never cached across
// events: upstream shared state can change between events and barrier
// reads are only valid for the event they were taken for.
type Snapshot struct {
	VisitorIDServiceEnabled   bool
	SerializedVisitorIDs      string
	LifecycleMaxSessionLength time.Duration
	ReferrerTimeout           time.Duration

	// Soft-dependency contributions; empty when not fetched or absent.
	LifecycleContextData map[string]string
	PlacesContextData    map[string]string
	AssuranceSessionID   string
}

// Build assembles a Snapshot from hard dependencies, plus soft
// dependencies when includeSoft is set. Missing owners and malformed
// fields degrade to defaults; Build never fails.
func Build(p Provider, barrier uint64, includeSoft bool) *Snapshot {
	snap := &Snapshot{
		LifecycleMaxSessionLength: DefaultMaxSessionLength,
	}

	if cfg, ok := p.SharedState(OwnerConfiguration, barrier); ok {
		snap.VisitorIDServiceEnabled = getBool(cfg, keyVisitorIDService, false)
		snap.ReferrerTimeout = getDurationSeconds(cfg, keyReferrerTimeout, 0)
		snap.LifecycleMaxSessionLength = getDurationSeconds(cfg, keyMaxSessionLength, DefaultMaxSessionLength)
	}

	if identity, ok := p.SharedState(OwnerIdentity, barrier); ok {
		snap.SerializedVisitorIDs = contextdata.EncodeIdentifiers(getIdentifiables(identity, keyVisitorIdentifiers))
	}

	if !includeSoft {
		return snap
	}

	if lifecycle, ok := p.SharedState(OwnerLifecycle, barrier); ok {
		snap.LifecycleContextData = getStringMap(lifecycle, keyLifecycleContext)
	}
	if assurance, ok := p.SharedState(OwnerAssurance, barrier); ok {
		snap.AssuranceSessionID = getString(assurance, keyAssuranceSession, "")
	}
	if places, ok := p.SharedState(OwnerPlaces, barrier); ok {
		poi := make(map[string]string)
		if id := getString(places, keyPlacesRegionID, ""); id != "" {
			poi["a.loc.poi.id"] = id
		}
		if name := getString(places, keyPlacesRegionName, ""); name != "" {
			poi["a.loc.poi"] = name
		}
		if len(poi) > 0 {
			snap.PlacesContextData = poi
		}
	}

	return snap
}

// getString extracts a string field, returning def on absence or type mismatch.
func getString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// getBool extracts a bool field, returning def on absence or type mismatch.
func getBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// getDurationSeconds extracts a numeric field expressed in seconds.
// Accepts int, int64 and float64 (JSON decoding yields float64).
// Negative values are treated as absent.
func getDurationSeconds(m map[string]any, key string, def time.Duration) time.Duration {
	var secs float64
	switch v := m[key].(type) {
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return def
	}
	if secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// getStringMap extracts a map field, keeping only string values.
func getStringMap(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// getIdentifiables extracts the identity subsystem's visitor identifier
// list. Entries that are not maps or carry no id_type become nil slots,
// which EncodeIdentifiers skips.
func getIdentifiables(m map[string]any, key string) []*types.Identifiable {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]*types.Identifiable, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			out = append(out, nil)
			continue
		}
		id := &types.Identifiable{
			Type:       getString(fields, "id_type", ""),
			Identifier: getString(fields, "id", ""),
		}
		switch v := fields["authentication_state"].(type) {
		case int:
			id.AuthenticationState = types.AuthenticationState(v)
		case int64:
			id.AuthenticationState = types.AuthenticationState(v)
		case float64:
			id.AuthenticationState = types.AuthenticationState(int(v))
		}
		out = append(out, id)
	}
	return out
}
