package matcher

import (
	"fmt"
	"math/rand"
	"testing"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func instance(def string, version int, secure pkg.SecurityType, interfaces []string, metadata map[string]string) pkg.ServiceInstance {
	return pkg.ServiceInstance{
		ServiceDefinition: def,
		Provider: pkg.System{
			SystemName: "provider-" + def,
			Address:    "192.168.1.10",
			Port:       8080,
		},
		ServiceURI: "/" + def,
		Secure:     secure,
		Metadata:   metadata,
		Version:    version,
		Interfaces: interfaces,
	}
}

func TestMatch_DefinitionCaseInsensitive(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("Temperature-Sensor", 1, pkg.SecurityToken, []string{"HTTP-SECURE-JSON"}, nil),
		instance("humidity-sensor", 1, pkg.SecurityToken, []string{"HTTP-SECURE-JSON"}, nil),
	}

	query := &pkg.ServiceQuery{ServiceDefinitionRequirement: "temperature-sensor"}
	matches := Match(query, candidates)

	require.Len(t, matches, 1)
	assert.Equal(t, "Temperature-Sensor", matches[0].ServiceDefinition)
}

func TestMatch_InterfacesOrSemantics(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 1, pkg.SecurityToken, []string{"HTTP-SECURE-JSON"}, nil),
		instance("sensor", 1, pkg.SecurityToken, []string{"HTTP-INSECURE-JSON", "MQTT-SECURE-JSON"}, nil),
		instance("sensor", 1, pkg.SecurityToken, []string{"COAP-INSECURE-JSON"}, nil),
	}

	query := &pkg.ServiceQuery{
		ServiceDefinitionRequirement: "sensor",
		InterfaceRequirements:        []string{"http-secure-json", "MQTT-SECURE-JSON"},
	}

	matches := Match(query, candidates)
	assert.Len(t, matches, 2)
}

func TestMatch_SecurityOrSemantics(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 1, pkg.SecurityNone, []string{"HTTP-INSECURE-JSON"}, nil),
		instance("sensor", 1, pkg.SecurityCertificate, []string{"HTTP-SECURE-JSON"}, nil),
		instance("sensor", 1, pkg.SecurityToken, []string{"HTTP-SECURE-JSON"}, nil),
	}

	query := &pkg.ServiceQuery{
		ServiceDefinitionRequirement: "sensor",
		SecurityRequirements:         []pkg.SecurityType{pkg.SecurityCertificate, pkg.SecurityToken},
	}

	matches := Match(query, candidates)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.NotEqual(t, pkg.SecurityNone, m.Secure)
	}
}

func TestMatch_MetadataAndSemantics(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 1, pkg.SecurityToken, nil, map[string]string{"unit": "celsius", "location": "hall"}),
		instance("sensor", 1, pkg.SecurityToken, nil, map[string]string{"unit": "celsius"}),
		instance("sensor", 1, pkg.SecurityToken, nil, map[string]string{"unit": "Celsius", "location": "hall"}),
	}

	query := &pkg.ServiceQuery{
		ServiceDefinitionRequirement: "sensor",
		MetadataRequirements:         map[string]string{"unit": "celsius", "location": "hall"},
	}

	// Values are case-sensitive and every key must match.
	matches := Match(query, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, "hall", matches[0].Metadata["location"])
}

func TestMatch_VersionRange(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 1, pkg.SecurityToken, nil, nil),
		instance("sensor", 2, pkg.SecurityToken, nil, nil),
		instance("sensor", 3, pkg.SecurityToken, nil, nil),
		instance("sensor", 5, pkg.SecurityToken, nil, nil),
	}

	query := &pkg.ServiceQuery{
		ServiceDefinitionRequirement: "sensor",
		MinVersionRequirement:        intPtr(2),
		MaxVersionRequirement:        intPtr(3),
	}

	matches := Match(query, candidates)
	require.Len(t, matches, 2)
	assert.Equal(t, 2, matches[0].Version)
	assert.Equal(t, 3, matches[1].Version)
}

func TestMatch_ExactVersionOverridesRange(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 2, pkg.SecurityToken, nil, nil),
		instance("sensor", 4, pkg.SecurityToken, nil, nil),
	}

	// The exact requirement wins; min/max would otherwise admit version 2.
	query := &pkg.ServiceQuery{
		ServiceDefinitionRequirement: "sensor",
		VersionRequirement:           intPtr(4),
		MinVersionRequirement:        intPtr(1),
		MaxVersionRequirement:        intPtr(3),
	}

	matches := Match(query, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, 4, matches[0].Version)
}

func TestMatch_UnboundedSides(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		instance("sensor", 1, pkg.SecurityToken, nil, nil),
		instance("sensor", 9, pkg.SecurityToken, nil, nil),
	}

	onlyMin := &pkg.ServiceQuery{ServiceDefinitionRequirement: "sensor", MinVersionRequirement: intPtr(5)}
	assert.Len(t, Match(onlyMin, candidates), 1)

	onlyMax := &pkg.ServiceQuery{ServiceDefinitionRequirement: "sensor", MaxVersionRequirement: intPtr(5)}
	assert.Len(t, Match(onlyMax, candidates), 1)
}

func TestMatch_NoMatchesIsEmptyNotNil(t *testing.T) {
	query := &pkg.ServiceQuery{ServiceDefinitionRequirement: "absent"}
	matches := Match(query, []pkg.ServiceInstance{instance("sensor", 1, pkg.SecurityToken, nil, nil)})

	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

// TestMatch_RandomFilterCombinations cross-checks Match against a naive
// per-instance oracle over randomly generated queries and candidate sets.
func TestMatch_RandomFilterCombinations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	definitions := []string{"alpha", "beta"}
	interfacePool := []string{"HTTP-SECURE-JSON", "HTTP-INSECURE-JSON", "MQTT-SECURE-JSON"}
	securityPool := []pkg.SecurityType{pkg.SecurityNone, pkg.SecurityCertificate, pkg.SecurityToken}
	metaKeys := []string{"unit", "location"}
	metaValues := []string{"a", "b"}

	for round := 0; round < 200; round++ {
		candidates := make([]pkg.ServiceInstance, 0, 8)
		for i := 0; i < 8; i++ {
			meta := map[string]string{}
			for _, k := range metaKeys {
				if rng.Intn(2) == 0 {
					meta[k] = metaValues[rng.Intn(len(metaValues))]
				}
			}
			ifaces := []string{interfacePool[rng.Intn(len(interfacePool))]}
			candidates = append(candidates, instance(
				definitions[rng.Intn(len(definitions))],
				1+rng.Intn(5),
				securityPool[rng.Intn(len(securityPool))],
				ifaces,
				meta,
			))
		}

		query := &pkg.ServiceQuery{ServiceDefinitionRequirement: definitions[rng.Intn(len(definitions))]}
		if rng.Intn(2) == 0 {
			query.InterfaceRequirements = []string{interfacePool[rng.Intn(len(interfacePool))]}
		}
		if rng.Intn(2) == 0 {
			query.SecurityRequirements = []pkg.SecurityType{securityPool[rng.Intn(len(securityPool))]}
		}
		if rng.Intn(2) == 0 {
			query.MetadataRequirements = map[string]string{metaKeys[rng.Intn(len(metaKeys))]: metaValues[rng.Intn(len(metaValues))]}
		}
		switch rng.Intn(3) {
		case 0:
			query.VersionRequirement = intPtr(1 + rng.Intn(5))
		case 1:
			query.MinVersionRequirement = intPtr(1 + rng.Intn(3))
			query.MaxVersionRequirement = intPtr(3 + rng.Intn(3))
		}

		got := Match(query, candidates)
		want := make([]pkg.ServiceInstance, 0)
		for _, c := range candidates {
			if oracle(query, c) {
				want = append(want, c)
			}
		}

		require.Equal(t, want, got, fmt.Sprintf("round %d query %+v", round, query))
	}
}

// oracle is an independent restatement of the matching rules.
func oracle(q *pkg.ServiceQuery, c pkg.ServiceInstance) bool {
	if !equalsFold(c.ServiceDefinition, q.ServiceDefinitionRequirement) {
		return false
	}
	if len(q.InterfaceRequirements) > 0 {
		found := false
		for _, want := range q.InterfaceRequirements {
			for _, have := range c.Interfaces {
				if equalsFold(want, have) {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if len(q.SecurityRequirements) > 0 {
		found := false
		for _, want := range q.SecurityRequirements {
			if want == c.Secure {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range q.MetadataRequirements {
		if c.Metadata[k] != v {
			return false
		}
	}
	if q.VersionRequirement != nil {
		return c.Version == *q.VersionRequirement
	}
	if q.MinVersionRequirement != nil && c.Version < *q.MinVersionRequirement {
		return false
	}
	if q.MaxVersionRequirement != nil && c.Version > *q.MaxVersionRequirement {
		return false
	}
	return true
}

func equalsFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
