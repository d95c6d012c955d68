// Package trigger turns atomic file drops in a watched directory into
// sequenced, kernel-dispatched messages (spec §4.8).
package trigger

import "strings"

// Canonical recipient roles (spec §6 "Filename vocabulary").
const (
	RoleArchitect = "architect"
	RoleBuilder   = "builder"
	RoleOracle    = "oracle"
	RoleWorkers   = "workers"
)

// canonicalRoles lists every addressable role, in the vocabulary's order.
var canonicalRoles = []string{RoleArchitect, RoleBuilder, RoleOracle, RoleWorkers}

// CanonicalRoles returns a copy of every addressable recipient role, in
// the vocabulary's order. Callers that need to set up per-recipient
// infrastructure ahead of any trigger file arriving (e.g. connectivity
// watchers) use this instead of reaching into package internals.
func CanonicalRoles() []string {
	return append([]string(nil), canonicalRoles...)
}

// filenameAliases maps a non-canonical filename to its canonical form
// before role resolution (spec §6: "workers.txt (aliases implementers.txt)").
var filenameAliases = map[string]string{
	"implementers.txt": "workers.txt",
}

func isCanonicalRole(role string) bool {
	for _, r := range canonicalRoles {
		if r == role {
			return true
		}
	}
	return false
}

// resolution is the outcome of resolving a trigger filename to targets.
type resolution struct {
	Recipients []string
	Broadcast  bool
}

// resolveFilename implements spec §4.8 step 1: lowercase, alias, then
// expand role.txt / others-role.txt / all.txt using the canonical role
// table. ok is false for anything outside that vocabulary.
func resolveFilename(name string) (resolution, bool) {
	name = strings.ToLower(name)
	if aliased, ok := filenameAliases[name]; ok {
		name = aliased
	}

	if name == "all.txt" {
		return resolution{Recipients: append([]string(nil), canonicalRoles...), Broadcast: true}, true
	}

	if strings.HasPrefix(name, "others-") && strings.HasSuffix(name, ".txt") {
		excluded := strings.TrimSuffix(strings.TrimPrefix(name, "others-"), ".txt")
		if !isCanonicalRole(excluded) {
			return resolution{}, false
		}
		var recipients []string
		for _, r := range canonicalRoles {
			if r != excluded {
				recipients = append(recipients, r)
			}
		}
		return resolution{Recipients: recipients, Broadcast: true}, true
	}

	role := strings.TrimSuffix(name, ".txt")
	if strings.HasSuffix(name, ".txt") && isCanonicalRole(role) {
		return resolution{Recipients: []string{role}, Broadcast: false}, true
	}

	return resolution{}, false
}
