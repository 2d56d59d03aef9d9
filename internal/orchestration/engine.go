package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/database"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/matcher"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/ranking"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// Database is the storage slice local orchestration reads.
type Database interface {
	GetStoreEntriesByConsumer(consumerName, serviceDefinition string) ([]pkg.OrchestratorStoreEntry, error)
}

// Registry is the external service registry collaborator.
type Registry interface {
	Query(ctx context.Context, query *pkg.ServiceQuery) ([]pkg.ServiceInstance, error)
	Ping(ctx context.Context, provider pkg.System) bool
}

// Authorizer filters candidates and mints tokens for the survivors.
type Authorizer interface {
	Authorize(ctx context.Context, consumer pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error)
	AuthorizeInterCloud(ctx context.Context, requesterCloud pkg.Cloud, requesterSystem pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error)
}

// QoSMonitor exposes the current provider measurements.
type QoSMonitor interface {
	Snapshot() map[string]pkg.QoSMeasurement
}

// A service instance whose registration expires inside this window gets
// a TTL_EXPIRING warning instead of being dropped.
const ttlExpiringWindow = 5 * time.Minute

// Engine serves orchestration inside this cloud: store lookups, dynamic
// registry matching, authorization and ranking. It never talks to other
// clouds; that is the coordinator's job.
type Engine struct {
	db                Database
	registry          Registry
	authz             Authorizer
	qos               QoSMonitor
	qosEnabled        bool
	notMeasuredPolicy string
	logger            *logrus.Logger
}

func NewEngine(db Database, registry Registry, authz Authorizer, qos QoSMonitor,
	qosEnabled bool, notMeasuredPolicy string, logger *logrus.Logger) *Engine {
	return &Engine{
		db:                db,
		registry:          registry,
		authz:             authz,
		qos:               qos,
		qosEnabled:        qosEnabled,
		notMeasuredPolicy: notMeasuredPolicy,
		logger:            logger,
	}
}

// Dynamic runs registry-driven orchestration for the request. Empty
// results are a normal outcome; the only policy error is onlyPreferred
// filtering away every candidate.
func (e *Engine) Dynamic(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, error) {
	query := request.RequestedService
	if query == nil {
		return nil, pkg.BadRequestError("Dynamic orchestration requires a requested service")
	}

	// Metadata requirements only count when the metadataSearch flag asks
	// for them. The caller's query stays untouched.
	if !request.Flags.MetadataSearch && len(query.MetadataRequirements) > 0 {
		trimmed := *query
		trimmed.MetadataRequirements = nil
		query = &trimmed
	}

	candidates, err := e.registry.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	// The registry pre-filters, but matching is re-applied locally so the
	// semantics do not depend on registry version skew.
	matched := matcher.Match(query, candidates)

	localPreferred, globalPreferred := ranking.ValidPreferred(request.PreferredProviders)
	if request.Flags.OnlyPreferred {
		matched = ranking.FilterPreferredLocal(matched, localPreferred)
		if len(matched) == 0 {
			if len(globalPreferred) > 0 && request.Flags.EnableInterCloud {
				// The remaining preferences point at other clouds; report
				// an empty local result so the caller can escalate to them.
				return &pkg.OrchestrationResponse{Response: []pkg.OrchestrationResult{}}, nil
			}
			return nil, pkg.PolicyViolationError("No preferred provider matched the requested service")
		}
	}

	authorized, tokens, err := e.authorize(ctx, request, matched)
	if err != nil {
		return nil, err
	}

	ranked := e.rank(request, authorized)

	response := &pkg.OrchestrationResponse{Response: []pkg.OrchestrationResult{}}
	alive := ranked
	if request.Flags.PingProviders || query.PingProviders {
		var warnings []string
		alive, warnings = e.pingFilter(ctx, ranked)
		response.Warnings = warnings
	}

	for _, instance := range alive {
		response.Response = append(response.Response, buildResult(instance, tokens))
	}
	return response, nil
}

// OrchestrateExternal serves a request arriving from another cloud's
// gatekeeper. Authorization runs against the requester cloud, never
// against a local consumer identity.
func (e *Engine) OrchestrateExternal(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, error) {
	if request.RequesterCloud == nil {
		return nil, pkg.BadRequestError("External orchestration requires a requester cloud")
	}
	if !request.Flags.ExternalServiceRequest {
		return nil, pkg.BadRequestError("External orchestration flag is unset")
	}
	return e.Dynamic(ctx, request)
}

// Store runs store-driven orchestration: the consumer's manual override
// entries decide the providers, bypassing matching entirely.
// Authorization and liveness probing still apply. Remote entries are
// returned to the caller for inter-cloud follow-up.
func (e *Engine) Store(ctx context.Context, request *pkg.OrchestrationRequest) (*pkg.OrchestrationResponse, []pkg.OrchestratorStoreEntry, error) {
	serviceDefinition := ""
	if request.RequestedService != nil {
		serviceDefinition = request.RequestedService.ServiceDefinitionRequirement
	}

	entries, err := e.db.GetStoreEntriesByConsumer(request.RequesterSystem.SystemName, serviceDefinition)
	if err != nil {
		return nil, nil, pkg.DatabaseError(err)
	}

	response := &pkg.OrchestrationResponse{Response: []pkg.OrchestrationResult{}}
	if len(entries) == 0 {
		return response, nil, nil
	}

	entries = e.selectEntries(entries, serviceDefinition)

	var local, remote []pkg.OrchestratorStoreEntry
	for _, entry := range entries {
		if entry.IsLocal() {
			local = append(local, entry)
		} else {
			remote = append(remote, entry)
		}
	}

	candidates, warnings := e.resolveLocalEntries(ctx, local)
	if len(candidates) > 0 {
		authorized, tokens, err := e.authorize(ctx, request, candidates)
		if err != nil {
			return nil, nil, err
		}

		alive := authorized
		if request.Flags.PingProviders || (request.RequestedService != nil && request.RequestedService.PingProviders) {
			var pingWarnings []string
			alive, pingWarnings = e.pingFilter(ctx, authorized)
			warnings = append(warnings, pingWarnings...)
		}

		for _, instance := range alive {
			response.Response = append(response.Response, buildResult(instance, tokens))
		}
	}
	response.Warnings = warnings

	return response, remote, nil
}

// selectEntries normalizes priorities per service group. Without a
// requested service, only the top-priority entry of each group applies.
func (e *Engine) selectEntries(entries []pkg.OrchestratorStoreEntry, serviceDefinition string) []pkg.OrchestratorStoreEntry {
	if serviceDefinition != "" {
		return normalizePriorities(entries)
	}

	groups := make(map[string][]pkg.OrchestratorStoreEntry)
	order := make([]string, 0)
	for _, entry := range entries {
		if _, seen := groups[entry.ServiceDefinition]; !seen {
			order = append(order, entry.ServiceDefinition)
		}
		groups[entry.ServiceDefinition] = append(groups[entry.ServiceDefinition], entry)
	}

	selected := make([]pkg.OrchestratorStoreEntry, 0, len(order))
	for _, def := range order {
		normalized := normalizePriorities(groups[def])
		selected = append(selected, normalized[0])
	}
	return selected
}

// resolveLocalEntries turns store rows into live registry instances.
// An entry whose provider is missing from the registry is skipped with
// a warning; a stale store must not poison the whole response.
func (e *Engine) resolveLocalEntries(ctx context.Context, entries []pkg.OrchestratorStoreEntry) ([]pkg.ServiceInstance, []string) {
	instances := make([]pkg.ServiceInstance, 0, len(entries))
	var warnings []string
	queried := make(map[string][]pkg.ServiceInstance)

	for _, entry := range entries {
		found, ok := queried[entry.ServiceDefinition]
		if !ok {
			var err error
			found, err = e.registry.Query(ctx, &pkg.ServiceQuery{ServiceDefinitionRequirement: entry.ServiceDefinition})
			if err != nil {
				e.logger.WithError(err).WithField("service_def", entry.ServiceDefinition).Error("Registry lookup for store entry failed")
				warnings = append(warnings, fmt.Sprintf("Registry lookup failed for %q", entry.ServiceDefinition))
				queried[entry.ServiceDefinition] = nil
				continue
			}
			queried[entry.ServiceDefinition] = found
		}

		matched := false
		for _, instance := range found {
			if instance.Provider.Equals(entry.ProviderSystem) {
				instances = append(instances, instance)
				matched = true
				break
			}
		}
		if !matched {
			e.logger.WithFields(logrus.Fields{
				"provider":    entry.ProviderSystem.SystemName,
				"service_def": entry.ServiceDefinition,
			}).Debug("Store entry provider not present in registry")
			warnings = append(warnings, fmt.Sprintf("Store provider %q is not registered for %q",
				entry.ProviderSystem.SystemName, entry.ServiceDefinition))
		}
	}
	return instances, warnings
}

// authorize runs one decision-point check per service definition. Store
// entries can span several definitions, and a verdict for one definition
// must never gate candidates of another.
func (e *Engine) authorize(ctx context.Context, request *pkg.OrchestrationRequest, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	groups := make(map[string][]pkg.ServiceInstance)
	order := make([]string, 0, 1)
	for _, candidate := range candidates {
		key := strings.ToLower(candidate.ServiceDefinition)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], candidate)
	}

	authorized := make([]pkg.ServiceInstance, 0, len(candidates))
	tokens := make(map[string]map[string]string)
	for _, key := range order {
		subset := groups[key]
		serviceDefinition := subset[0].ServiceDefinition

		var (
			allowed      []pkg.ServiceInstance
			subsetTokens map[string]map[string]string
			err          error
		)
		if request.Flags.ExternalServiceRequest && request.RequesterCloud != nil {
			allowed, subsetTokens, err = e.authz.AuthorizeInterCloud(ctx, *request.RequesterCloud, request.RequesterSystem, serviceDefinition, subset)
		} else {
			allowed, subsetTokens, err = e.authz.Authorize(ctx, request.RequesterSystem, serviceDefinition, subset)
		}
		if err != nil {
			return nil, nil, err
		}

		authorized = append(authorized, allowed...)
		for providerKey, perInterface := range subsetTokens {
			tokens[providerKey] = perInterface
		}
	}
	return authorized, tokens, nil
}

// rank orders the authorized candidates. Without the matchmaking flag
// the registry order stands.
func (e *Engine) rank(request *pkg.OrchestrationRequest, candidates []pkg.ServiceInstance) []pkg.ServiceInstance {
	if !request.Flags.Matchmaking || len(candidates) < 2 {
		return candidates
	}

	rankCtx := &ranking.Context{NotMeasuredPolicy: e.notMeasuredPolicy}

	if request.Flags.EnableQoS && e.qosEnabled && e.qos != nil {
		rankCtx.Measurements = e.qos.Snapshot()
		return ranking.QoSMatchmaker{}.Rank(candidates, rankCtx)
	}

	rankCtx.Priorities = e.storePriorities(request)
	if len(rankCtx.Priorities) > 0 {
		return ranking.StorePriorityMatchmaker{}.Rank(candidates, rankCtx)
	}
	return ranking.RandomMatchmaker{}.Rank(candidates, rankCtx)
}

func (e *Engine) storePriorities(request *pkg.OrchestrationRequest) map[string]int {
	if request.RequestedService == nil {
		return nil
	}
	entries, err := e.db.GetStoreEntriesByConsumer(request.RequesterSystem.SystemName,
		request.RequestedService.ServiceDefinitionRequirement)
	if err != nil || len(entries) == 0 {
		return nil
	}

	priorities := make(map[string]int, len(entries))
	for _, entry := range normalizePriorities(entries) {
		if entry.IsLocal() {
			priorities[entry.ProviderSystem.Key()] = entry.Priority
		}
	}
	return priorities
}

// pingFilter drops providers that fail the liveness probe. Each drop is
// reported as a request-level warning, never as an error.
func (e *Engine) pingFilter(ctx context.Context, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, []string) {
	alive := make([]pkg.ServiceInstance, 0, len(candidates))
	var warnings []string
	for _, candidate := range candidates {
		if e.registry.Ping(ctx, candidate.Provider) {
			alive = append(alive, candidate)
			continue
		}
		warnings = append(warnings, fmt.Sprintf("Provider %q did not respond to liveness probe", candidate.Provider.SystemName))
	}
	return alive, warnings
}

func buildResult(instance pkg.ServiceInstance, tokens map[string]map[string]string) pkg.OrchestrationResult {
	result := pkg.OrchestrationResult{
		Provider:          instance.Provider,
		ServiceDefinition: instance.ServiceDefinition,
		ServiceURI:        instance.ServiceURI,
		Secure:            instance.Secure,
		Metadata:          instance.Metadata,
		Interfaces:        instance.Interfaces,
		Version:           instance.Version,
	}
	if interfaceTokens, ok := tokens[instance.Provider.Key()]; ok {
		result.AuthorizationTokens = interfaceTokens
	}

	if instance.EndOfValidity != nil {
		remaining := time.Until(*instance.EndOfValidity)
		switch {
		case remaining <= 0:
			result = result.WithWarning(pkg.WarningTTLExpired)
		case remaining <= ttlExpiringWindow:
			result = result.WithWarning(pkg.WarningTTLExpiring)
		}
	}
	return result
}

func normalizePriorities(entries []pkg.OrchestratorStoreEntry) []pkg.OrchestratorStoreEntry {
	return database.NormalizePriorities(entries)
}
