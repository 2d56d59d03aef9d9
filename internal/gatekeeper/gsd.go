package gatekeeper

import (
	"context"
	"sort"
	"strings"
	"sync"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/matcher"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// InitGSDPoll broadcasts a discovery poll to neighbor gatekeepers and
// collects their answers. The window closes when every polled cloud has
// answered or the GSD timeout fires, whichever comes first; answers
// arriving after that are discarded. No neighbors and no answers are
// both normal outcomes, never errors.
func (gk *Gatekeeper) InitGSDPoll(ctx context.Context, query pkg.ServiceQuery, targetClouds []pkg.Cloud) (*pkg.GSDResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	clouds, err := gk.resolveTargets(targetClouds)
	if err != nil {
		return nil, err
	}

	result := &pkg.GSDResult{Answers: []pkg.GSDAnswer{}}
	if len(clouds) == 0 {
		gk.logger.Debug("No neighbor clouds to poll")
		return result, nil
	}

	poll := pkg.GSDPoll{
		RequestedService: query,
		RequesterCloud:   gk.ownCloud,
		GatewayMandatory: gk.gatewayMandatory,
	}

	pollCtx, cancel := context.WithTimeout(ctx, gk.gsdTimeout)
	defer cancel()

	type pollOutcome struct {
		cloud  pkg.Cloud
		answer *pkg.GSDAnswer
		err    error
	}

	outcomes := make(chan pollOutcome, len(clouds))
	var wg sync.WaitGroup
	for _, cloud := range clouds {
		wg.Add(1)
		go func(cloud pkg.Cloud) {
			defer wg.Done()
			answer, err := gk.pollCloud(pollCtx, cloud, poll)
			outcomes <- pollOutcome{cloud: cloud, answer: answer, err: err}
		}(cloud)
	}
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		if outcome.err != nil {
			gk.logger.WithError(outcome.err).WithField("cloud", outcome.cloud.Key()).Debug("GSD poll to neighbor failed")
			result.UnsuccessfulRequests = append(result.UnsuccessfulRequests, outcome.cloud.Key())
			continue
		}
		if outcome.answer == nil || outcome.answer.NumOfProviders == 0 {
			continue
		}
		result.Answers = append(result.Answers, *outcome.answer)
	}

	sort.Slice(result.Answers, func(i, j int) bool {
		return result.Answers[i].ProviderCloud.Key() < result.Answers[j].ProviderCloud.Key()
	})
	sort.Strings(result.UnsuccessfulRequests)

	gk.logger.WithFields(logrus.Fields{
		"service": query.ServiceDefinitionRequirement,
		"polled":  len(clouds),
		"answers": len(result.Answers),
	}).Info("GSD poll completed")

	return result, nil
}

func (gk *Gatekeeper) resolveTargets(preferred []pkg.Cloud) ([]pkg.Cloud, error) {
	if len(preferred) == 0 {
		neighbors, err := gk.db.ListNeighborClouds()
		if err != nil {
			return nil, pkg.DatabaseError(err)
		}
		return neighbors, nil
	}

	// Preferred global providers restrict the poll to clouds we actually
	// have a neighborhood relationship with.
	clouds := make([]pkg.Cloud, 0, len(preferred))
	for _, p := range preferred {
		known, err := gk.db.GetCloudByIdentity(p.Operator, p.Name)
		if err != nil {
			return nil, pkg.DatabaseError(err)
		}
		if known == nil || !known.Neighbor {
			gk.logger.WithField("cloud", p.Key()).Debug("Skipping unknown preferred cloud in GSD")
			continue
		}
		clouds = append(clouds, *known)
	}
	return clouds, nil
}

func (gk *Gatekeeper) pollCloud(ctx context.Context, cloud pkg.Cloud, poll pkg.GSDPoll) (*pkg.GSDAnswer, error) {
	relays, err := gk.db.GetRelaysForCloud(cloud.ID, pkg.RelayGatekeeper)
	if err != nil {
		return nil, pkg.DatabaseError(err)
	}
	if len(relays) == 0 {
		return nil, pkg.NotFoundError("Neighbor cloud has no gatekeeper relay")
	}

	message, err := relay.NewMessage(relay.KindGSDPoll, gk.ownCloud, poll)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, r := range relays {
		reply, err := gk.relays.Request(ctx, r, relay.GatekeeperTopic(cloud), message)
		if err != nil {
			lastErr = err
			continue
		}
		var answer pkg.GSDAnswer
		if err := reply.Decode(&answer); err != nil {
			return nil, err
		}
		return &answer, nil
	}
	return nil, lastErr
}

// HandleGSDPoll answers an inbound discovery poll: query the local
// registry, re-apply matching, keep only providers the requester cloud
// is authorized for, and summarize. A nil answer means this cloud
// declines to answer at all.
func (gk *Gatekeeper) HandleGSDPoll(ctx context.Context, poll *pkg.GSDPoll) (*pkg.GSDAnswer, error) {
	if poll == nil {
		return nil, pkg.BadRequestError("GSD poll is empty")
	}
	if err := poll.RequestedService.Validate(); err != nil {
		return nil, err
	}
	if poll.GatewayMandatory && !gk.gatewayEnabled {
		return nil, nil
	}

	candidates, err := gk.directory.Query(ctx, &poll.RequestedService)
	if err != nil {
		return nil, err
	}

	matched := matcher.Match(&poll.RequestedService, candidates)
	if len(matched) == 0 {
		return nil, nil
	}

	authorized, _, err := gk.authz.AuthorizeInterCloud(ctx, poll.RequesterCloud, pkg.System{}, poll.RequestedService.ServiceDefinitionRequirement, matched)
	if err != nil {
		return nil, err
	}
	if len(authorized) == 0 {
		return nil, nil
	}

	return summarize(gk.ownCloud, poll.RequestedService.ServiceDefinitionRequirement, authorized), nil
}

func summarize(cloud pkg.Cloud, serviceDefinition string, instances []pkg.ServiceInstance) *pkg.GSDAnswer {
	interfaceSet := make(map[string]struct{})
	version := 0
	for _, instance := range instances {
		for _, iface := range instance.Interfaces {
			interfaceSet[strings.ToUpper(iface)] = struct{}{}
		}
		if instance.Version > version {
			version = instance.Version
		}
	}

	interfaces := make([]string, 0, len(interfaceSet))
	for iface := range interfaceSet {
		interfaces = append(interfaces, iface)
	}
	sort.Strings(interfaces)

	return &pkg.GSDAnswer{
		ProviderCloud:       cloud,
		ServiceDefinition:   serviceDefinition,
		AvailableInterfaces: interfaces,
		ServiceMetadata:     instances[0].Metadata,
		Version:             version,
		NumOfProviders:      len(instances),
	}
}
