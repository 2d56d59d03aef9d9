package authz

import (
	"context"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// DecisionPoint is the external authorization system. Both check
// variants answer with the canonical representation: a verdict map keyed
// by provider key.
type DecisionPoint interface {
	CheckIntraCloud(ctx context.Context, consumer pkg.System, serviceDefinition string, providers []pkg.System) (map[string]bool, error)
	CheckInterCloud(ctx context.Context, cloud pkg.Cloud, serviceDefinition string, providers []pkg.System) (map[string]bool, error)
}

// TokenIssuer mints per-(provider, interface) access tokens.
type TokenIssuer interface {
	IssueToken(consumer pkg.System, provider pkg.System, serviceDefinition, interfaceName string) (string, error)
}

// Gate filters candidates through the authorization decision point and
// mints access tokens for the survivors.
type Gate struct {
	decisions DecisionPoint
	tokens    TokenIssuer
	logger    *logrus.Logger
}

func NewGate(decisions DecisionPoint, tokens TokenIssuer, logger *logrus.Logger) *Gate {
	return &Gate{
		decisions: decisions,
		tokens:    tokens,
		logger:    logger,
	}
}

// Authorize runs the intra-cloud check for a local consumer. Unauthorized
// candidates are dropped silently; lack of authorization is a filtering
// outcome, not an error. The returned token map is keyed by provider key,
// then interface name.
func (g *Gate) Authorize(ctx context.Context, consumer pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	check := func(providers []pkg.System) (map[string]bool, error) {
		return g.decisions.CheckIntraCloud(ctx, consumer, serviceDefinition, providers)
	}
	return g.authorize(ctx, consumer, serviceDefinition, candidates, check)
}

// AuthorizeInterCloud runs the cross-cloud check with the requester cloud
// as the authorization subject. Used on the ICN responder side.
func (g *Gate) AuthorizeInterCloud(ctx context.Context, requesterCloud pkg.Cloud, requesterSystem pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	check := func(providers []pkg.System) (map[string]bool, error) {
		return g.decisions.CheckInterCloud(ctx, requesterCloud, serviceDefinition, providers)
	}
	return g.authorize(ctx, requesterSystem, serviceDefinition, candidates, check)
}

func (g *Gate) authorize(
	_ context.Context,
	consumer pkg.System,
	serviceDefinition string,
	candidates []pkg.ServiceInstance,
	check func([]pkg.System) (map[string]bool, error),
) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	providers := make([]pkg.System, 0, len(candidates))
	for _, candidate := range candidates {
		providers = append(providers, candidate.Provider)
	}

	verdicts, err := check(providers)
	if err != nil {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"consumer":    consumer.SystemName,
			"service_def": serviceDefinition,
		}).Error("Authorization check failed")
		return nil, nil, err
	}

	authorized := make([]pkg.ServiceInstance, 0, len(candidates))
	tokens := make(map[string]map[string]string)

	for _, candidate := range candidates {
		providerKey := candidate.Provider.Key()
		if !verdicts[providerKey] {
			g.logger.WithFields(logrus.Fields{
				"consumer":    consumer.SystemName,
				"provider":    candidate.Provider.SystemName,
				"service_def": serviceDefinition,
			}).Debug("Candidate dropped: not authorized")
			continue
		}

		authorized = append(authorized, candidate)

		if candidate.Secure != pkg.SecurityToken || g.tokens == nil {
			continue
		}

		interfaceTokens := make(map[string]string, len(candidate.Interfaces))
		for _, iface := range candidate.Interfaces {
			token, err := g.tokens.IssueToken(consumer, candidate.Provider, serviceDefinition, iface)
			if err != nil {
				g.logger.WithError(err).WithFields(logrus.Fields{
					"provider":  candidate.Provider.SystemName,
					"interface": iface,
				}).Warn("Failed to issue access token")
				continue
			}
			interfaceTokens[iface] = token
		}
		if len(interfaceTokens) > 0 {
			tokens[providerKey] = interfaceTokens
		}
	}

	return authorized, tokens, nil
}
