package gatekeeper

import (
	"context"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// InitICN sends a negotiation proposal to the chosen cloud's gatekeeper
// and waits for the concrete provider list. Unlike GSD this talks to
// exactly one cloud, so a failure here is a hard error.
func (gk *Gatekeeper) InitICN(ctx context.Context, proposal *pkg.ICNProposal) (*pkg.ICNResult, error) {
	if err := proposal.Validate(); err != nil {
		return nil, err
	}

	target, err := gk.db.GetCloudByIdentity(proposal.TargetCloud.Operator, proposal.TargetCloud.Name)
	if err != nil {
		return nil, pkg.DatabaseError(err)
	}
	if target == nil || !target.Neighbor {
		return nil, pkg.NotFoundError("Target cloud is not a known neighbor")
	}

	relays, err := gk.db.GetRelaysForCloud(target.ID, pkg.RelayGatekeeper)
	if err != nil {
		return nil, pkg.DatabaseError(err)
	}
	if len(relays) == 0 {
		return nil, pkg.NotFoundError("Target cloud has no gatekeeper relay")
	}

	message, err := relay.NewMessage(relay.KindICNProposal, gk.ownCloud, proposal)
	if err != nil {
		return nil, err
	}

	icnCtx, cancel := context.WithTimeout(ctx, gk.icnTimeout)
	defer cancel()

	var lastErr error
	for _, r := range relays {
		reply, err := gk.relays.Request(icnCtx, r, relay.GatekeeperTopic(*target), message)
		if err != nil {
			lastErr = err
			continue
		}

		var result pkg.ICNResult
		if err := reply.Decode(&result); err != nil {
			return nil, err
		}
		if result.Response == nil {
			result.Response = []pkg.OrchestrationResult{}
		}

		gk.logger.WithFields(logrus.Fields{
			"target":    target.Key(),
			"service":   proposal.RequestedService.ServiceDefinitionRequirement,
			"providers": len(result.Response),
		}).Info("ICN negotiation completed")
		return &result, nil
	}
	return nil, lastErr
}

// HandleICN serves an inbound proposal: run local orchestration with
// the remote requester substituted in, so authorization and store rules
// apply to the real consumer rather than to the gatekeeper.
func (gk *Gatekeeper) HandleICN(ctx context.Context, proposal *pkg.ICNProposal) (*pkg.ICNResult, error) {
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	if !proposal.TargetCloud.Equals(gk.ownCloud) {
		return nil, pkg.BadRequestError("ICN proposal addressed to a different cloud")
	}
	if proposal.UseGateway && !gk.gatewayEnabled {
		return nil, pkg.BadRequestError("Gateway negotiation requested but gateway support is disabled")
	}

	flags := pkg.FlagsFromMap(proposal.NegotiationFlags)
	flags.ExternalServiceRequest = true
	flags.EnableInterCloud = false
	flags.TriggerInterCloud = false

	preferred := make([]pkg.PreferredProvider, 0, len(proposal.PreferredSystems))
	for i := range proposal.PreferredSystems {
		preferred = append(preferred, pkg.PreferredProvider{ProviderSystem: &proposal.PreferredSystems[i]})
	}

	requesterCloud := proposal.RequesterCloud
	request := &pkg.OrchestrationRequest{
		RequesterSystem:    proposal.RequesterSystem,
		RequesterCloud:     &requesterCloud,
		RequestedService:   &proposal.RequestedService,
		Flags:              flags,
		PreferredProviders: preferred,
	}

	response, err := gk.engine.OrchestrateExternal(ctx, request)
	if err != nil {
		return nil, err
	}

	results := response.Response
	if proposal.UseGateway {
		// The consumer will reach providers through a relay tunnel, not
		// the advertised endpoint.
		for i := range results {
			results[i] = results[i].WithWarning(pkg.WarningViaGateway)
		}
	}

	gk.logger.WithFields(logrus.Fields{
		"requester_cloud":  proposal.RequesterCloud.Key(),
		"requester_system": proposal.RequesterSystem.SystemName,
		"service":          proposal.RequestedService.ServiceDefinitionRequirement,
		"providers":        len(results),
		"use_gateway":      proposal.UseGateway,
	}).Info("Served ICN proposal")

	return &pkg.ICNResult{Response: results}, nil
}
