package orchestration

import (
	"context"
	"testing"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ownCloud  = pkg.Cloud{ID: 1, Operator: "aitia", Name: "testcloud1", OwnCloud: true}
	neighborB = pkg.Cloud{ID: 2, Operator: "aitia", Name: "cloud-b", Neighbor: true}
	neighborC = pkg.Cloud{ID: 3, Operator: "aitia", Name: "cloud-c", Neighbor: true}
)

type fakeGatekeeper struct {
	gsd          *pkg.GSDResult
	icn          map[string]*pkg.ICNResult
	lastProposal *pkg.ICNProposal
	lastTargets  []pkg.Cloud
	polled       bool
}

func (f *fakeGatekeeper) InitGSDPoll(_ context.Context, _ pkg.ServiceQuery, targetClouds []pkg.Cloud) (*pkg.GSDResult, error) {
	f.polled = true
	f.lastTargets = targetClouds
	if f.gsd == nil {
		return &pkg.GSDResult{Answers: []pkg.GSDAnswer{}}, nil
	}
	return f.gsd, nil
}

func (f *fakeGatekeeper) InitICN(_ context.Context, proposal *pkg.ICNProposal) (*pkg.ICNResult, error) {
	f.lastProposal = proposal
	if result, ok := f.icn[proposal.TargetCloud.Key()]; ok {
		return result, nil
	}
	return &pkg.ICNResult{Response: []pkg.OrchestrationResult{}}, nil
}

type fakeClouds struct {
	clouds        []pkg.Cloud
	gatewayRelays map[int64][]pkg.Relay
}

func (f *fakeClouds) GetCloudByIdentity(operator, name string) (*pkg.Cloud, error) {
	probe := pkg.Cloud{Operator: operator, Name: name}
	for _, c := range f.clouds {
		if c.Equals(probe) {
			cloud := c
			return &cloud, nil
		}
	}
	return nil, nil
}

func (f *fakeClouds) GetRelaysForCloud(cloudID int64, _ pkg.RelayType) ([]pkg.Relay, error) {
	return f.gatewayRelays[cloudID], nil
}

func newCoordinator(engine *Engine, gk GatekeeperClient, clouds CloudDirectory, gwEnabled, gwMandatory bool) *Coordinator {
	return NewCoordinator(ownCloud, engine, gk, clouds, gwEnabled, gwMandatory, testLogger())
}

// Scenario: a store entry overrides dynamic matching even when the
// registry knows more providers.
func TestOrchestrate_StoreOverridesDynamic(t *testing.T) {
	stored := sensor("store-choice", 8080)
	other := sensor("dynamic-choice", 8081)

	registry := &fakeRegistry{instances: map[string][]pkg.ServiceInstance{
		"temperature-sensor": {other, stored},
	}}
	db := &fakeDB{entries: []pkg.OrchestratorStoreEntry{
		{ID: 1, ServiceDefinition: "temperature-sensor", ConsumerSystemName: "consumer",
			ProviderSystem: stored.Provider, Priority: 1},
	}}
	engine := newEngine(db, registry, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{}
	coordinator := newCoordinator(engine, gk, &fakeClouds{}, false, false)

	response, err := coordinator.Orchestrate(context.Background(), consumerRequest(pkg.OrchestrationFlags{}))

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.Equal(t, "store-choice", response.Response[0].Provider.SystemName)
	assert.False(t, gk.polled)
}

// Scenario: overrideStore skips the store and serves dynamically.
func TestOrchestrate_OverrideStoreGoesDynamic(t *testing.T) {
	stored := sensor("store-choice", 8080)
	other := sensor("dynamic-choice", 8081)

	registry := &fakeRegistry{instances: map[string][]pkg.ServiceInstance{
		"temperature-sensor": {other, stored},
	}}
	db := &fakeDB{entries: []pkg.OrchestratorStoreEntry{
		{ID: 1, ServiceDefinition: "temperature-sensor", ConsumerSystemName: "consumer",
			ProviderSystem: stored.Provider, Priority: 1},
	}}
	engine := newEngine(db, registry, &fakeAuthz{}, nil, false)
	coordinator := newCoordinator(engine, &fakeGatekeeper{}, &fakeClouds{}, false, false)

	response, err := coordinator.Orchestrate(context.Background(),
		consumerRequest(pkg.OrchestrationFlags{OverrideStore: true}))

	require.NoError(t, err)
	require.Len(t, response.Response, 2)
}

// Scenario: nothing local, enableInterCloud escalates through GSD and
// ICN and the results carry the cross-cloud warning.
func TestOrchestrate_EscalatesToInterCloud(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		gsd: &pkg.GSDResult{Answers: []pkg.GSDAnswer{{ProviderCloud: neighborB, NumOfProviders: 1}}},
		icn: map[string]*pkg.ICNResult{neighborB.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: pkg.System{SystemName: "remote-provider"}, ServiceDefinition: "temperature-sensor"},
		}}},
	}
	coordinator := newCoordinator(engine, gk, &fakeClouds{clouds: []pkg.Cloud{neighborB}}, false, false)

	response, err := coordinator.Orchestrate(context.Background(),
		consumerRequest(pkg.OrchestrationFlags{EnableInterCloud: true}))

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.Equal(t, "remote-provider", response.Response[0].Provider.SystemName)
	assert.Contains(t, response.Response[0].Warnings, pkg.WarningFromOtherCloud)
	require.NotNil(t, gk.lastProposal)
	assert.True(t, gk.lastProposal.TargetCloud.Equals(neighborB))
	assert.True(t, gk.lastProposal.RequesterCloud.Equals(ownCloud))
}

// Scenario: without enableInterCloud an empty local outcome stays empty.
func TestOrchestrate_NoEscalationWithoutFlag(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{}
	coordinator := newCoordinator(engine, gk, &fakeClouds{}, false, false)

	response, err := coordinator.Orchestrate(context.Background(), consumerRequest(pkg.OrchestrationFlags{}))

	require.NoError(t, err)
	assert.Empty(t, response.Response)
	assert.False(t, gk.polled)
}

func TestOrchestrate_TriggerInterCloudSkipsLocal(t *testing.T) {
	local := sensor("local-provider", 8080)
	registry := &fakeRegistry{instances: map[string][]pkg.ServiceInstance{
		"temperature-sensor": {local},
	}}
	engine := newEngine(&fakeDB{}, registry, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		gsd: &pkg.GSDResult{Answers: []pkg.GSDAnswer{{ProviderCloud: neighborB, NumOfProviders: 1}}},
		icn: map[string]*pkg.ICNResult{neighborB.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: pkg.System{SystemName: "remote-provider"}},
		}}},
	}
	coordinator := newCoordinator(engine, gk, &fakeClouds{clouds: []pkg.Cloud{neighborB}}, false, false)

	response, err := coordinator.Orchestrate(context.Background(),
		consumerRequest(pkg.OrchestrationFlags{TriggerInterCloud: true}))

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.Equal(t, "remote-provider", response.Response[0].Provider.SystemName)
}

func TestOrchestrate_RemoteStoreEntryTriggersTargetedICN(t *testing.T) {
	remoteSystem := pkg.System{SystemName: "remote-sensor", Address: "10.1.0.2", Port: 8080}
	db := &fakeDB{entries: []pkg.OrchestratorStoreEntry{
		{ID: 1, ServiceDefinition: "temperature-sensor", ConsumerSystemName: "consumer",
			ProviderSystem: remoteSystem, ProviderCloud: &neighborB, Priority: 1},
	}}
	engine := newEngine(db, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		icn: map[string]*pkg.ICNResult{neighborB.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: remoteSystem, ServiceDefinition: "temperature-sensor"},
		}}},
	}
	coordinator := newCoordinator(engine, gk, &fakeClouds{clouds: []pkg.Cloud{neighborB}}, false, false)

	response, err := coordinator.Orchestrate(context.Background(), consumerRequest(pkg.OrchestrationFlags{}))

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.Contains(t, response.Response[0].Warnings, pkg.WarningFromOtherCloud)

	require.NotNil(t, gk.lastProposal)
	assert.True(t, gk.lastProposal.TargetCloud.Equals(neighborB))
	require.Len(t, gk.lastProposal.PreferredSystems, 1)
	assert.Equal(t, "remote-sensor", gk.lastProposal.PreferredSystems[0].SystemName)
	assert.False(t, gk.polled)
}

func TestOrchestrate_GatewayMandatoryExcludesIncapableClouds(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		gsd: &pkg.GSDResult{Answers: []pkg.GSDAnswer{
			{ProviderCloud: neighborB, NumOfProviders: 1}, // no gateway relay
			{ProviderCloud: neighborC, NumOfProviders: 1}, // gateway capable
		}},
		icn: map[string]*pkg.ICNResult{neighborC.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: pkg.System{SystemName: "tunneled-provider"},
				Warnings: []pkg.OrchestrationWarning{pkg.WarningViaGateway}},
		}}},
	}
	clouds := &fakeClouds{
		clouds: []pkg.Cloud{neighborB, neighborC},
		gatewayRelays: map[int64][]pkg.Relay{
			neighborC.ID: {{ID: 9, Address: "relay.example.com", Port: 8883, Type: pkg.RelayGateway}},
		},
	}
	coordinator := newCoordinator(engine, gk, clouds, true, true)

	response, err := coordinator.Orchestrate(context.Background(),
		consumerRequest(pkg.OrchestrationFlags{EnableInterCloud: true}))

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.True(t, gk.lastProposal.TargetCloud.Equals(neighborC))
	assert.True(t, gk.lastProposal.UseGateway)
	assert.Contains(t, response.Response[0].Warnings, pkg.WarningViaGateway)
	assert.Contains(t, response.Response[0].Warnings, pkg.WarningFromOtherCloud)
}

// Scenario: onlyPreferred with preferences in a neighbor cloud escalates
// to a discovery poll restricted to that cloud instead of failing the
// request locally.
func TestOrchestrate_OnlyPreferredRemoteCloudEscalates(t *testing.T) {
	local := sensor("local-provider", 8080)
	registry := &fakeRegistry{instances: map[string][]pkg.ServiceInstance{
		"temperature-sensor": {local},
	}}
	engine := newEngine(&fakeDB{}, registry, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		gsd: &pkg.GSDResult{Answers: []pkg.GSDAnswer{{ProviderCloud: neighborB, NumOfProviders: 1}}},
		icn: map[string]*pkg.ICNResult{neighborB.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: pkg.System{SystemName: "remote-provider"}},
		}}},
	}
	coordinator := newCoordinator(engine, gk, &fakeClouds{clouds: []pkg.Cloud{neighborB}}, false, false)

	request := consumerRequest(pkg.OrchestrationFlags{OnlyPreferred: true, EnableInterCloud: true})
	request.PreferredProviders = []pkg.PreferredProvider{{ProviderCloud: &neighborB}}

	response, err := coordinator.Orchestrate(context.Background(), request)

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.Equal(t, "remote-provider", response.Response[0].Provider.SystemName)
	assert.Contains(t, response.Response[0].Warnings, pkg.WarningFromOtherCloud)
	require.Len(t, gk.lastTargets, 1)
	assert.True(t, gk.lastTargets[0].Equals(neighborB))
}

func TestOrchestrate_OnlyPreferredRemoteCloudWithoutGatekeeperFails(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	coordinator := newCoordinator(engine, nil, &fakeClouds{}, false, false)

	request := consumerRequest(pkg.OrchestrationFlags{OnlyPreferred: true, EnableInterCloud: true})
	request.PreferredProviders = []pkg.PreferredProvider{{ProviderCloud: &neighborB}}

	_, err := coordinator.Orchestrate(context.Background(), request)

	require.Error(t, err)
	assert.Equal(t, "Policy violation", pkg.AsAppError(err).Message)
}

func TestOrchestrate_ValidationErrors(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	coordinator := newCoordinator(engine, &fakeGatekeeper{}, &fakeClouds{}, false, false)

	_, err := coordinator.Orchestrate(context.Background(), &pkg.OrchestrationRequest{})
	require.Error(t, err)
	assert.Equal(t, 400, pkg.AsAppError(err).Code)

	noService := &pkg.OrchestrationRequest{
		RequesterSystem: pkg.System{SystemName: "consumer"},
		RawFlags:        map[string]bool{"overrideStore": true},
	}
	_, err = coordinator.Orchestrate(context.Background(), noService)
	require.Error(t, err)
	assert.Equal(t, 400, pkg.AsAppError(err).Code)

	onlyPreferred := consumerRequest(pkg.OrchestrationFlags{})
	onlyPreferred.RawFlags = map[string]bool{"onlyPreferred": true}
	_, err = coordinator.Orchestrate(context.Background(), onlyPreferred)
	require.Error(t, err)
	assert.Equal(t, "Policy violation", pkg.AsAppError(err).Message)
}

func TestOrchestrate_InterCloudDisabledRejectsTrigger(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	coordinator := newCoordinator(engine, nil, &fakeClouds{}, false, false)

	_, err := coordinator.Orchestrate(context.Background(),
		consumerRequest(pkg.OrchestrationFlags{TriggerInterCloud: true}))

	require.Error(t, err)
	assert.Equal(t, 400, pkg.AsAppError(err).Code)
}

func TestOrchestrate_ExternalRequestServedByEngine(t *testing.T) {
	registry := &fakeRegistry{instances: map[string][]pkg.ServiceInstance{
		"temperature-sensor": {sensor("sensor-1", 8080)},
	}}
	authz := &fakeAuthz{}
	engine := newEngine(&fakeDB{}, registry, authz, nil, false)
	coordinator := newCoordinator(engine, &fakeGatekeeper{}, &fakeClouds{}, false, false)

	request := consumerRequest(pkg.OrchestrationFlags{ExternalServiceRequest: true})
	request.RequesterCloud = &neighborB

	response, err := coordinator.Orchestrate(context.Background(), request)

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.True(t, authz.interCloud)
}

// Scenario: preferred remote clouds steer cloud selection before the
// first responder fallback applies.
func TestOrchestrate_PreferredCloudWinsSelection(t *testing.T) {
	engine := newEngine(&fakeDB{}, &fakeRegistry{}, &fakeAuthz{}, nil, false)
	gk := &fakeGatekeeper{
		gsd: &pkg.GSDResult{Answers: []pkg.GSDAnswer{
			{ProviderCloud: neighborB, NumOfProviders: 1},
			{ProviderCloud: neighborC, NumOfProviders: 1},
		}},
		icn: map[string]*pkg.ICNResult{neighborC.Key(): {Response: []pkg.OrchestrationResult{
			{Provider: pkg.System{SystemName: "preferred-remote"}},
		}}},
	}
	coordinator := newCoordinator(engine, gk, &fakeClouds{clouds: []pkg.Cloud{neighborB, neighborC}}, false, false)

	request := consumerRequest(pkg.OrchestrationFlags{EnableInterCloud: true})
	request.PreferredProviders = []pkg.PreferredProvider{{ProviderCloud: &neighborC}}

	response, err := coordinator.Orchestrate(context.Background(), request)

	require.NoError(t, err)
	require.Len(t, response.Response, 1)
	assert.True(t, gk.lastProposal.TargetCloud.Equals(neighborC))
}
