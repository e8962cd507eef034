// Package request builds full hit request bodies from a shared-state
// snapshot, custom context data, and computed analytics vars.
package request

import (
	"sort"
	"strings"

	"github.com/solatis/hitkeeper/internal/contextdata"
	"github.com/solatis/hitkeeper/internal/sharedstate"
)

// Prefix is the fixed literal every hit body starts with. The collector
// keys its parser off this marker; the visitor-ID block, when present,
// must follow it directly.
const Prefix = "ndh=1"

// ContextDataKey is the top-level key nesting custom context data.
const ContextDataKey = "c"

// VarEscapePrefix marks a data entry that must be promoted into the
// top-level var block instead of the nested context-data block.
const VarEscapePrefix = "&&"

// Build serializes one hit body. Pure function of its inputs: no I/O,
// and nil data/vars degrade to empty contributions, never an error.
//
// Layout: Prefix, then the serialized visitor-ID block when the visitor
// ID service is enabled, then the encoded vars. Position of the
// visitor-ID block is load-bearing; the collector parses it adjacent to
// the prefix. No leading or trailing '&'.
//
// Go maps have no insertion order, so each block is inserted in sorted
// key order to keep output byte-identical across runs. The encoder
// itself preserves whatever order it is given.
func Build(snap *sharedstate.Snapshot, data map[string]string, vars map[string]string) string {
	analyticsVars := contextdata.New()

	for _, k := range sortedKeys(vars) {
		if k == "" {
			continue
		}
		analyticsVars.Set(k, vars[k])
	}

	// Promote "&&"-prefixed data entries into the var block, prefix
	// stripped. Removal is keyed, so data iteration order cannot leak
	// into the output.
	contextData := contextdata.New()
	promoted := make(map[string]string)
	for _, k := range sortedKeys(data) {
		if strings.HasPrefix(k, VarEscapePrefix) {
			promoted[strings.TrimPrefix(k, VarEscapePrefix)] = data[k]
			continue
		}
		contextData.Set(k, data[k])
	}
	for _, k := range sortedKeys(promoted) {
		if k == "" {
			continue
		}
		analyticsVars.Set(k, promoted[k])
	}

	if contextData.Len() > 0 {
		analyticsVars.Set(ContextDataKey, contextData)
	}

	var b strings.Builder
	b.WriteString(Prefix)

	if snap != nil && snap.VisitorIDServiceEnabled && snap.SerializedVisitorIDs != "" {
		b.WriteByte('&')
		b.WriteString(snap.SerializedVisitorIDs)
	}

	if encoded := contextdata.Encode(analyticsVars); encoded != "" {
		b.WriteByte('&')
		b.WriteString(encoded)
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
