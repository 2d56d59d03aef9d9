package ranking

import (
	"testing"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(name string, port int) pkg.ServiceInstance {
	return pkg.ServiceInstance{
		ServiceDefinition: "sensor",
		Provider: pkg.System{
			SystemName: name,
			Address:    "10.0.0.1",
			Port:       port,
		},
		Version: 1,
	}
}

func TestStorePriority_OrdersAscending(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		candidate("third", 8083),
		candidate("first", 8081),
		candidate("second", 8082),
	}

	ctx := &Context{Priorities: map[string]int{
		candidates[0].Provider.Key(): 3,
		candidates[1].Provider.Key(): 1,
		candidates[2].Provider.Key(): 2,
	}}

	ranked := StorePriorityMatchmaker{}.Rank(candidates, ctx)
	require.Len(t, ranked, 3)
	assert.Equal(t, "first", ranked[0].Provider.SystemName)
	assert.Equal(t, "second", ranked[1].Provider.SystemName)
	assert.Equal(t, "third", ranked[2].Provider.SystemName)
}

func TestStorePriority_Idempotent(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		candidate("a", 8081),
		candidate("b", 8082),
		candidate("c", 8083),
	}
	ctx := &Context{Priorities: map[string]int{
		candidates[0].Provider.Key(): 1,
		candidates[1].Provider.Key(): 2,
		candidates[2].Provider.Key(): 3,
	}}

	once := StorePriorityMatchmaker{}.Rank(candidates, ctx)
	twice := StorePriorityMatchmaker{}.Rank(once, ctx)
	assert.Equal(t, once, twice)
}

func TestStorePriority_UnprioritizedSortLast(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		candidate("stray", 9000),
		candidate("stored", 8081),
	}
	ctx := &Context{Priorities: map[string]int{
		candidates[1].Provider.Key(): 1,
	}}

	ranked := StorePriorityMatchmaker{}.Rank(candidates, ctx)
	assert.Equal(t, "stored", ranked[0].Provider.SystemName)
	assert.Equal(t, "stray", ranked[1].Provider.SystemName)
}

func TestRandom_IsPermutation(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		candidate("a", 1), candidate("b", 2), candidate("c", 3), candidate("d", 4),
	}

	ranked := RandomMatchmaker{}.Rank(candidates, nil)
	require.Len(t, ranked, len(candidates))

	seen := map[string]bool{}
	for _, c := range ranked {
		seen[c.Provider.Key()] = true
	}
	assert.Len(t, seen, len(candidates))

	// Input slice is not mutated.
	assert.Equal(t, "a", candidates[0].Provider.SystemName)
}

func TestQoS_OrdersByResponseTime(t *testing.T) {
	candidates := []pkg.ServiceInstance{
		candidate("slow", 8081),
		candidate("fast", 8082),
		candidate("medium", 8083),
	}

	ctx := &Context{
		Measurements: map[string]pkg.QoSMeasurement{
			candidates[0].Provider.Key(): {ResponseTime: 300 * time.Millisecond},
			candidates[1].Provider.Key(): {ResponseTime: 20 * time.Millisecond},
			candidates[2].Provider.Key(): {ResponseTime: 90 * time.Millisecond},
		},
		NotMeasuredPolicy: "average",
	}

	ranked := QoSMatchmaker{}.Rank(candidates, ctx)
	assert.Equal(t, "fast", ranked[0].Provider.SystemName)
	assert.Equal(t, "medium", ranked[1].Provider.SystemName)
	assert.Equal(t, "slow", ranked[2].Provider.SystemName)
}

func TestQoS_NotMeasuredPolicies(t *testing.T) {
	measured := candidate("measured", 8081)
	unmeasured := candidate("unmeasured", 8082)

	base := map[string]pkg.QoSMeasurement{
		measured.Provider.Key(): {ResponseTime: 100 * time.Millisecond},
	}

	best := QoSMatchmaker{}.Rank([]pkg.ServiceInstance{measured, unmeasured},
		&Context{Measurements: base, NotMeasuredPolicy: "best"})
	assert.Equal(t, "unmeasured", best[0].Provider.SystemName)

	worst := QoSMatchmaker{}.Rank([]pkg.ServiceInstance{unmeasured, measured},
		&Context{Measurements: base, NotMeasuredPolicy: "worst"})
	assert.Equal(t, "measured", worst[0].Provider.SystemName)

	// Average keeps the stable order between an unmeasured candidate and
	// one sitting exactly at the average.
	avg := QoSMatchmaker{}.Rank([]pkg.ServiceInstance{measured, unmeasured},
		&Context{Measurements: base, NotMeasuredPolicy: "average"})
	assert.Equal(t, "measured", avg[0].Provider.SystemName)
}

func TestFilterPreferredLocal(t *testing.T) {
	wanted := candidate("wanted", 8081)
	other := candidate("other", 8082)

	preferred := []pkg.PreferredProvider{
		{ProviderSystem: &pkg.System{SystemName: "WANTED", Address: "10.0.0.1", Port: 8081}},
		{ProviderCloud: &pkg.Cloud{Operator: "aitia", Name: "testcloud2"}},
		{}, // invalid: both sides empty
	}

	kept := FilterPreferredLocal([]pkg.ServiceInstance{wanted, other}, preferred)
	require.Len(t, kept, 1)
	assert.Equal(t, "wanted", kept[0].Provider.SystemName)
}

func TestValidPreferred_SplitsUnion(t *testing.T) {
	sys := &pkg.System{SystemName: "local", Address: "10.0.0.1", Port: 1}
	cloud := &pkg.Cloud{Operator: "aitia", Name: "testcloud2"}

	local, global := ValidPreferred([]pkg.PreferredProvider{
		{ProviderSystem: sys},
		{ProviderCloud: cloud},
		{ProviderSystem: sys, ProviderCloud: cloud}, // both set: invalid
		{},                                          // neither set: invalid
	})

	assert.Len(t, local, 1)
	assert.Len(t, global, 1)
}

func TestCloudMatchmaker_PrefersPreferredCloud(t *testing.T) {
	answers := []pkg.GSDAnswer{
		{ProviderCloud: pkg.Cloud{Operator: "aitia", Name: "testcloud1"}, NumOfProviders: 1},
		{ProviderCloud: pkg.Cloud{Operator: "aitia", Name: "testcloud2"}, NumOfProviders: 2},
	}

	selected := FirstResponderMatchmaker{}.Select(answers, []pkg.Cloud{{Operator: "AITIA", Name: "TestCloud2"}})
	require.NotNil(t, selected)
	assert.Equal(t, "testcloud2", selected.ProviderCloud.Name)
}

func TestCloudMatchmaker_GatewayMandatoryExcludes(t *testing.T) {
	answers := []pkg.GSDAnswer{
		{ProviderCloud: pkg.Cloud{Operator: "op", Name: "nogateway"}},
		{ProviderCloud: pkg.Cloud{Operator: "op", Name: "withgateway"}},
	}

	m := FirstResponderMatchmaker{
		GatewayMandatory: true,
		GatewayCapable: func(c pkg.Cloud) bool {
			return c.Name == "withgateway"
		},
	}

	selected := m.Select(answers, nil)
	require.NotNil(t, selected)
	assert.Equal(t, "withgateway", selected.ProviderCloud.Name)

	none := m.Select(answers[:1], nil)
	assert.Nil(t, none)
}
