package matcher

import (
	"strings"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// Match returns the subset of candidates satisfying every filter the
// query specifies. An empty result is a normal outcome, never an error.
func Match(query *pkg.ServiceQuery, candidates []pkg.ServiceInstance) []pkg.ServiceInstance {
	matches := make([]pkg.ServiceInstance, 0, len(candidates))
	if query == nil {
		return matches
	}

	for _, candidate := range candidates {
		if !matchesDefinition(candidate, query.ServiceDefinitionRequirement) {
			continue
		}
		if !matchesInterfaces(candidate, query.InterfaceRequirements) {
			continue
		}
		if !matchesSecurity(candidate, query.SecurityRequirements) {
			continue
		}
		if !matchesMetadata(candidate, query.MetadataRequirements) {
			continue
		}
		if !matchesVersion(candidate, query) {
			continue
		}
		matches = append(matches, candidate)
	}

	return matches
}

// matchesDefinition compares service definition names exactly but
// case-insensitively.
func matchesDefinition(candidate pkg.ServiceInstance, required string) bool {
	return strings.EqualFold(candidate.ServiceDefinition, required)
}

// matchesInterfaces requires at least one of the requested interfaces to
// be exposed (OR semantics). No requirement matches everything.
func matchesInterfaces(candidate pkg.ServiceInstance, required []string) bool {
	if len(required) == 0 {
		return true
	}

	exposed := make(map[string]bool, len(candidate.Interfaces))
	for _, iface := range candidate.Interfaces {
		exposed[strings.ToUpper(iface)] = true
	}

	for _, want := range required {
		if exposed[strings.ToUpper(want)] {
			return true
		}
	}
	return false
}

// matchesSecurity requires the candidate's security type to be one of the
// requested types (OR semantics).
func matchesSecurity(candidate pkg.ServiceInstance, required []pkg.SecurityType) bool {
	if len(required) == 0 {
		return true
	}

	for _, want := range required {
		if strings.EqualFold(string(candidate.Secure), string(want)) {
			return true
		}
	}
	return false
}

// matchesMetadata requires every requested key to be present with an
// exactly equal value (AND semantics, case-sensitive values).
func matchesMetadata(candidate pkg.ServiceInstance, required map[string]string) bool {
	if len(required) == 0 {
		return true
	}

	for key, want := range required {
		got, ok := candidate.Metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// matchesVersion applies the version filter. An exact requirement takes
// precedence: when it is set the min/max bounds are ignored entirely.
// A missing bound is unbounded on that side.
func matchesVersion(candidate pkg.ServiceInstance, query *pkg.ServiceQuery) bool {
	if query.VersionRequirement != nil {
		return candidate.Version == *query.VersionRequirement
	}

	if query.MinVersionRequirement != nil && candidate.Version < *query.MinVersionRequirement {
		return false
	}
	if query.MaxVersionRequirement != nil && candidate.Version > *query.MaxVersionRequirement {
		return false
	}
	return true
}
