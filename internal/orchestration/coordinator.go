package orchestration

import (
	"context"
	"strings"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/ranking"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// GatekeeperClient is the inter-cloud negotiation surface. Nil when the
// gatekeeper is disabled: the coordinator then serves local paths only.
type GatekeeperClient interface {
	InitGSDPoll(ctx context.Context, query pkg.ServiceQuery, targetClouds []pkg.Cloud) (*pkg.GSDResult, error)
	InitICN(ctx context.Context, proposal *pkg.ICNProposal) (*pkg.ICNResult, error)
}

// CloudDirectory resolves clouds and their relays for gateway checks.
type CloudDirectory interface {
	GetCloudByIdentity(operator, name string) (*pkg.Cloud, error)
	GetRelaysForCloud(cloudID int64, kind pkg.RelayType) ([]pkg.Relay, error)
}

// Coordinator drives a request through the resolution ladder: store
// overrides first, dynamic matching second, inter-cloud negotiation
// last. The order is a correctness requirement, not a heuristic; a
// store override must win even when dynamic matching would find more.
type Coordinator struct {
	ownCloud         pkg.Cloud
	engine           *Engine
	gatekeeper       GatekeeperClient
	clouds           CloudDirectory
	cloudMatchmaker  ranking.CloudMatchmaker
	gatewayEnabled   bool
	gatewayMandatory bool
	logger           *logrus.Logger
}

func NewCoordinator(ownCloud pkg.Cloud, engine *Engine, gatekeeper GatekeeperClient,
	clouds CloudDirectory, gatewayEnabled, gatewayMandatory bool, logger *logrus.Logger) *Coordinator {
	c := &Coordinator{
		ownCloud:         ownCloud,
		engine:           engine,
		gatekeeper:       gatekeeper,
		clouds:           clouds,
		gatewayEnabled:   gatewayEnabled,
		gatewayMandatory: gatewayMandatory,
		logger:           logger,
	}
	c.cloudMatchmaker = ranking.FirstResponderMatchmaker{
		GatewayMandatory: gatewayMandatory,
		GatewayCapable:   c.gatewayCapable,
	}
	return c
}

// Orchestrate is the single entry point for consumer requests. The
// context bounds the whole request: when it expires, in-flight GSD and
// ICN exchanges are cancelled with it.
func (c *Coordinator) Orchestrate(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, error) {
	if err := c.prepare(request); err != nil {
		orchestrationRequests.WithLabelValues(pathError).Inc()
		return nil, err
	}

	logger := c.logger.WithFields(logrus.Fields{
		"requester": request.RequesterSystem.SystemName,
		"service":   requestedDefinition(request),
	})

	if request.Flags.ExternalServiceRequest {
		response, err := c.engine.OrchestrateExternal(ctx, request)
		c.observe(pathExternal, response, err)
		return response, err
	}

	if request.Flags.TriggerInterCloud {
		response, err := c.interCloud(ctx, request)
		c.observe(pathInterCloud, response, err)
		return response, err
	}

	if !request.Flags.OverrideStore {
		response, remote, err := c.engine.Store(ctx, request)
		if err != nil {
			c.observe(pathStore, nil, err)
			return nil, err
		}
		if len(response.Response) > 0 {
			logger.WithField("providers", len(response.Response)).Info("Orchestration served from store")
			c.observe(pathStore, response, nil)
			return response, nil
		}
		if len(remote) > 0 && c.gatekeeper != nil {
			remoteResponse, err := c.remoteStore(ctx, request, remote, response.Warnings)
			c.observe(pathInterCloud, remoteResponse, err)
			return remoteResponse, err
		}
		if request.RequestedService == nil {
			// Store-only lookup with nothing stored: a normal empty result.
			c.observe(pathEmpty, response, nil)
			return response, nil
		}
	}

	if request.RequestedService == nil {
		return nil, pkg.BadRequestError("Requested service is required when the store is overridden")
	}

	response, err := c.engine.Dynamic(ctx, request)
	if err != nil {
		c.observe(pathDynamic, nil, err)
		return nil, err
	}
	if len(response.Response) > 0 {
		logger.WithField("providers", len(response.Response)).Info("Orchestration served dynamically")
		c.observe(pathDynamic, response, nil)
		return response, nil
	}

	if request.Flags.EnableInterCloud && c.gatekeeper != nil {
		interResponse, err := c.interCloud(ctx, request)
		if err != nil {
			c.observe(pathInterCloud, nil, err)
			return nil, err
		}
		interResponse.Warnings = append(response.Warnings, interResponse.Warnings...)
		c.observe(pathInterCloud, interResponse, nil)
		return interResponse, nil
	}

	if request.Flags.OnlyPreferred && request.Flags.EnableInterCloud {
		// The engine deferred the onlyPreferred verdict to the
		// inter-cloud path, but no gatekeeper is available to take it.
		if _, global := ranking.ValidPreferred(request.PreferredProviders); len(global) > 0 {
			err := pkg.PolicyViolationError("No preferred provider matched the requested service")
			c.observe(pathDynamic, nil, err)
			return nil, err
		}
	}

	logger.Debug("Orchestration found no providers")
	c.observe(pathEmpty, response, nil)
	return response, nil
}

// prepare validates the request shell and materializes the flags.
func (c *Coordinator) prepare(request *pkg.OrchestrationRequest) error {
	if request == nil {
		return pkg.BadRequestError("Orchestration request is empty")
	}
	if strings.TrimSpace(request.RequesterSystem.SystemName) == "" {
		return pkg.BadRequestError("Requester system name is required")
	}
	if request.RawFlags != nil {
		request.Flags = pkg.FlagsFromMap(request.RawFlags)
	}
	if request.RequestedService != nil {
		if err := request.RequestedService.Validate(); err != nil {
			return err
		}
	}
	if request.Flags.TriggerInterCloud && c.gatekeeper == nil {
		return pkg.BadRequestError("Inter-cloud orchestration is disabled")
	}
	if request.Flags.TriggerInterCloud && request.RequestedService == nil {
		return pkg.BadRequestError("Inter-cloud orchestration requires a requested service")
	}
	if request.Flags.ExternalServiceRequest && request.RequesterCloud == nil {
		return pkg.BadRequestError("External requests must name the requester cloud")
	}

	if request.Flags.OnlyPreferred {
		local, global := ranking.ValidPreferred(request.PreferredProviders)
		if len(local) == 0 && len(global) == 0 {
			return pkg.PolicyViolationError("onlyPreferred is set but no valid preferred provider was given")
		}
	}
	return nil
}

// remoteStore follows inter-cloud store entries in priority order until
// one negotiation yields providers.
func (c *Coordinator) remoteStore(ctx context.Context, request *pkg.OrchestrationRequest,
	entries []pkg.OrchestratorStoreEntry, warnings []string) (*pkg.OrchestrationResponse, error) {

	for _, entry := range entries {
		proposal := &pkg.ICNProposal{
			RequestedService: pkg.ServiceQuery{ServiceDefinitionRequirement: entry.ServiceDefinition},
			TargetCloud:      *entry.ProviderCloud,
			RequesterCloud:   c.ownCloud,
			RequesterSystem:  request.RequesterSystem,
			PreferredSystems: []pkg.System{entry.ProviderSystem},
			NegotiationFlags: request.Flags.ToMap(),
			UseGateway:       c.useGateway(),
		}

		result, err := c.gatekeeper.InitICN(ctx, proposal)
		if err != nil {
			c.logger.WithError(err).WithField("cloud", entry.ProviderCloud.Key()).Warn("Store-directed ICN failed")
			warnings = append(warnings, "Negotiation with "+entry.ProviderCloud.Key()+" failed")
			continue
		}
		if len(result.Response) == 0 {
			continue
		}
		return c.annotateRemote(result.Response, warnings, proposal.UseGateway), nil
	}

	return &pkg.OrchestrationResponse{Response: []pkg.OrchestrationResult{}, Warnings: warnings}, nil
}

// interCloud runs the full GSD -> cloud selection -> ICN ladder.
func (c *Coordinator) interCloud(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, error) {
	localPreferred, globalPreferred := ranking.ValidPreferred(request.PreferredProviders)

	preferredClouds := make([]pkg.Cloud, 0, len(globalPreferred))
	for _, p := range globalPreferred {
		preferredClouds = append(preferredClouds, *p.ProviderCloud)
	}

	gsd, err := c.gatekeeper.InitGSDPoll(ctx, *request.RequestedService, preferredClouds)
	if err != nil {
		return nil, err
	}
	gsdAnswers.Observe(float64(len(gsd.Answers)))

	selected := c.cloudMatchmaker.Select(gsd.Answers, preferredClouds)
	if selected == nil {
		c.logger.WithField("service", request.RequestedService.ServiceDefinitionRequirement).
			Info("No neighbor cloud can serve the request")
		return &pkg.OrchestrationResponse{Response: []pkg.OrchestrationResult{}}, nil
	}

	preferredSystems := make([]pkg.System, 0, len(localPreferred))
	for _, p := range localPreferred {
		preferredSystems = append(preferredSystems, *p.ProviderSystem)
	}

	proposal := &pkg.ICNProposal{
		RequestedService: *request.RequestedService,
		TargetCloud:      selected.ProviderCloud,
		RequesterCloud:   c.ownCloud,
		RequesterSystem:  request.RequesterSystem,
		PreferredSystems: preferredSystems,
		NegotiationFlags: request.Flags.ToMap(),
		UseGateway:       c.useGateway(),
	}

	result, err := c.gatekeeper.InitICN(ctx, proposal)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"target":    selected.ProviderCloud.Key(),
		"providers": len(result.Response),
	}).Info("Inter-cloud orchestration completed")

	return c.annotateRemote(result.Response, nil, proposal.UseGateway), nil
}

func (c *Coordinator) annotateRemote(results []pkg.OrchestrationResult, warnings []string, viaGateway bool) *pkg.OrchestrationResponse {
	annotated := make([]pkg.OrchestrationResult, 0, len(results))
	for _, result := range results {
		result = result.WithWarning(pkg.WarningFromOtherCloud)
		if viaGateway && !hasWarning(result, pkg.WarningViaGateway) {
			result = result.WithWarning(pkg.WarningViaGateway)
		}
		annotated = append(annotated, result)
	}
	return &pkg.OrchestrationResponse{Response: annotated, Warnings: warnings}
}

func hasWarning(result pkg.OrchestrationResult, warning pkg.OrchestrationWarning) bool {
	for _, w := range result.Warnings {
		if w == warning {
			return true
		}
	}
	return false
}

func (c *Coordinator) useGateway() bool {
	return c.gatewayEnabled && c.gatewayMandatory
}

// gatewayCapable reports whether a neighbor cloud has at least one
// gateway-capable relay assigned.
func (c *Coordinator) gatewayCapable(cloud pkg.Cloud) bool {
	known, err := c.clouds.GetCloudByIdentity(cloud.Operator, cloud.Name)
	if err != nil || known == nil {
		return false
	}
	relays, err := c.clouds.GetRelaysForCloud(known.ID, pkg.RelayGateway)
	if err != nil {
		return false
	}
	return len(relays) > 0
}

func (c *Coordinator) observe(path string, response *pkg.OrchestrationResponse, err error) {
	if err != nil {
		orchestrationRequests.WithLabelValues(pathError).Inc()
		return
	}
	orchestrationRequests.WithLabelValues(path).Inc()
	if response != nil {
		orchestrationResults.Observe(float64(len(response.Response)))
	}
}

func requestedDefinition(request *pkg.OrchestrationRequest) string {
	if request.RequestedService == nil {
		return ""
	}
	return request.RequestedService.ServiceDefinitionRequirement
}
