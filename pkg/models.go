package pkg

import (
	"strconv"
	"strings"
	"time"
)

// Arrowhead inter-cloud orchestration models.

// SecurityType is the access-control mode a service is registered with.
type SecurityType string

const (
	SecurityNone        SecurityType = "NOT_SECURE"
	SecurityCertificate SecurityType = "CERTIFICATE"
	SecurityToken       SecurityType = "TOKEN"
)

// System identifies an application system inside a cloud.
type System struct {
	SystemName         string            `json:"systemName"`
	Address            string            `json:"address"`
	Port               int               `json:"port"`
	AuthenticationInfo string            `json:"authenticationInfo,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Key returns the identity key of a system: (name, address, port),
// name compared case-insensitively.
func (s System) Key() string {
	return strings.ToLower(s.SystemName) + "|" + s.Address + "|" + strconv.Itoa(s.Port)
}

// Equals reports whether two systems denote the same endpoint.
func (s System) Equals(other System) bool {
	return strings.EqualFold(s.SystemName, other.SystemName) &&
		s.Address == other.Address && s.Port == other.Port
}

// ServiceInstance is a read-only snapshot of a registry entry.
type ServiceInstance struct {
	ServiceDefinition string            `json:"serviceDefinition"`
	Provider          System            `json:"provider"`
	ServiceURI        string            `json:"serviceUri"`
	Secure            SecurityType      `json:"secure"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Version           int               `json:"version"`
	Interfaces        []string          `json:"interfaces"`
	EndOfValidity     *time.Time        `json:"endOfValidity,omitempty"`
}

// ServiceQuery describes what a consumer is asking for. It is immutable
// per request and never persisted.
type ServiceQuery struct {
	ServiceDefinitionRequirement string            `json:"serviceDefinitionRequirement"`
	InterfaceRequirements        []string          `json:"interfaceRequirements,omitempty"`
	SecurityRequirements         []SecurityType    `json:"securityRequirements,omitempty"`
	MetadataRequirements         map[string]string `json:"metadataRequirements,omitempty"`
	VersionRequirement           *int              `json:"versionRequirement,omitempty"`
	MinVersionRequirement        *int              `json:"minVersionRequirement,omitempty"`
	MaxVersionRequirement        *int              `json:"maxVersionRequirement,omitempty"`
	PingProviders                bool              `json:"pingProviders"`
}

// Validate checks the query invariants that must hold before matching.
func (q *ServiceQuery) Validate() error {
	if q == nil || strings.TrimSpace(q.ServiceDefinitionRequirement) == "" {
		return BadRequestError("Service definition requirement is empty")
	}
	if q.MinVersionRequirement != nil && q.MaxVersionRequirement != nil &&
		*q.MinVersionRequirement > *q.MaxVersionRequirement {
		return BadRequestError("Minimum version requirement is greater than the maximum")
	}
	return nil
}

// Cloud is an administrative domain. Identity is the (operator, name)
// pair only; every other field is an attribute.
type Cloud struct {
	ID                 int64   `json:"id,omitempty"`
	Operator           string  `json:"operator"`
	Name               string  `json:"name"`
	Secure             bool    `json:"secure"`
	Neighbor           bool    `json:"neighbor"`
	OwnCloud           bool    `json:"ownCloud"`
	AuthenticationInfo string  `json:"authenticationInfo,omitempty"`
	GatekeeperRelayIDs []int64 `json:"gatekeeperRelayIds,omitempty"`
	GatewayRelayIDs    []int64 `json:"gatewayRelayIds,omitempty"`
}

// Key returns the identity key used for deduplication and matchmaking.
func (c Cloud) Key() string {
	return strings.ToLower(c.Operator) + "." + strings.ToLower(c.Name)
}

// Equals compares clouds on (operator, name) only.
func (c Cloud) Equals(other Cloud) bool {
	return strings.EqualFold(c.Operator, other.Operator) &&
		strings.EqualFold(c.Name, other.Name)
}

// RelayType selects which protocol a relay endpoint carries.
type RelayType string

const (
	RelayGeneral    RelayType = "GENERAL_RELAY"
	RelayGatekeeper RelayType = "GATEKEEPER_RELAY"
	RelayGateway    RelayType = "GATEWAY_RELAY"
)

// Supports reports whether a relay of this type can carry the wanted kind
// of traffic. GENERAL relays carry both gatekeeper and gateway traffic.
func (t RelayType) Supports(wanted RelayType) bool {
	return t == wanted || t == RelayGeneral
}

// Relay is a message-broker endpoint used when clouds cannot reach each
// other over direct HTTP.
type Relay struct {
	ID        int64     `json:"id,omitempty"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Secure    bool      `json:"secure"`
	Exclusive bool      `json:"exclusive"`
	Type      RelayType `json:"type"`
}

// PreferredProvider is a tagged union: exactly one of ProviderSystem
// (local preference) or ProviderCloud (remote preference) must be set.
type PreferredProvider struct {
	ProviderSystem *System `json:"providerSystem,omitempty"`
	ProviderCloud  *Cloud  `json:"providerCloud,omitempty"`
}

// IsLocal reports whether this is a valid local-system preference.
func (p PreferredProvider) IsLocal() bool {
	return p.ProviderSystem != nil && p.ProviderCloud == nil
}

// IsGlobal reports whether this is a valid remote-cloud preference.
func (p PreferredProvider) IsGlobal() bool {
	return p.ProviderSystem == nil && p.ProviderCloud != nil
}

// Valid reports whether exactly one side of the union is set.
func (p PreferredProvider) Valid() bool {
	return p.IsLocal() || p.IsGlobal()
}

// OrchestrationWarning is an advisory code attached to a result.
type OrchestrationWarning string

const (
	WarningFromOtherCloud OrchestrationWarning = "FROM_OTHER_CLOUD"
	WarningViaGateway     OrchestrationWarning = "VIA_GATEWAY"
	WarningTTLExpiring    OrchestrationWarning = "TTL_EXPIRING"
	WarningTTLExpired     OrchestrationWarning = "TTL_EXPIRED"
)

// OrchestrationResult is one ranked, authorized candidate. Constructed
// fresh per match and never mutated afterwards.
type OrchestrationResult struct {
	Provider            System                 `json:"provider"`
	ServiceDefinition   string                 `json:"service"`
	ServiceURI          string                 `json:"serviceUri"`
	Secure              SecurityType           `json:"secure"`
	Metadata            map[string]string      `json:"metadata,omitempty"`
	Interfaces          []string               `json:"interfaces"`
	Version             int                    `json:"version"`
	AuthorizationTokens map[string]string      `json:"authorizationTokens,omitempty"`
	Warnings            []OrchestrationWarning `json:"warnings,omitempty"`
}

// WithWarning returns a copy of the result carrying one extra warning.
func (r OrchestrationResult) WithWarning(w OrchestrationWarning) OrchestrationResult {
	warnings := make([]OrchestrationWarning, 0, len(r.Warnings)+1)
	warnings = append(warnings, r.Warnings...)
	warnings = append(warnings, w)
	r.Warnings = warnings
	return r
}

// OrchestrationRequest is the top-level orchestration form.
type OrchestrationRequest struct {
	RequesterSystem    System              `json:"requesterSystem"`
	RequesterCloud     *Cloud              `json:"requesterCloud,omitempty"`
	RequestedService   *ServiceQuery       `json:"requestedService,omitempty"`
	Flags              OrchestrationFlags  `json:"-"`
	RawFlags           map[string]bool     `json:"orchestrationFlags,omitempty"`
	PreferredProviders []PreferredProvider `json:"preferredProviders,omitempty"`
	Commands           map[string]string   `json:"commands,omitempty"`
}

// OrchestrationResponse is returned to the consumer: the ranked results
// plus request-level advisory warnings (e.g. providers dropped by ping).
type OrchestrationResponse struct {
	Response []OrchestrationResult `json:"response"`
	Warnings []string              `json:"warnings,omitempty"`
}

// GSDPoll is the discovery question broadcast to neighbor gatekeepers.
type GSDPoll struct {
	RequestedService ServiceQuery `json:"requestedService"`
	RequesterCloud   Cloud        `json:"requesterCloud"`
	GatewayMandatory bool         `json:"gatewayIsMandatory"`
}

// GSDAnswer is one neighbor cloud's reply to a poll.
type GSDAnswer struct {
	ProviderCloud       Cloud             `json:"providerCloud"`
	ServiceDefinition   string            `json:"requiredServiceDefinition"`
	AvailableInterfaces []string          `json:"availableInterfaces,omitempty"`
	ServiceMetadata     map[string]string `json:"serviceMetadata,omitempty"`
	Version             int               `json:"version,omitempty"`
	NumOfProviders      int               `json:"numOfProviders"`
}

// GSDResult is the collected discovery outcome for one poll window.
type GSDResult struct {
	Answers              []GSDAnswer `json:"results"`
	UnsuccessfulRequests []string    `json:"unsuccessfulRequests,omitempty"`
}

// ICNProposal is sent to the chosen cloud's gatekeeper to negotiate
// concrete providers for the requester.
type ICNProposal struct {
	RequestedService         ServiceQuery    `json:"requestedService"`
	TargetCloud              Cloud           `json:"targetCloud"`
	RequesterCloud           Cloud           `json:"requesterCloud"`
	RequesterSystem          System          `json:"requesterSystem"`
	PreferredSystems         []System        `json:"preferredSystems,omitempty"`
	NegotiationFlags         map[string]bool `json:"negotiationFlags,omitempty"`
	UseGateway               bool            `json:"useGateway"`
	ConsumerGatewayPublicKey string          `json:"consumerGatewayPublicKey,omitempty"`
	KnownGatewayRelays       []Relay         `json:"knownGatewayRelays,omitempty"`
}

// Validate rejects structurally incomplete proposals.
func (p *ICNProposal) Validate() error {
	if p == nil {
		return BadRequestError("ICN proposal is empty")
	}
	if err := p.RequestedService.Validate(); err != nil {
		return err
	}
	if p.TargetCloud.Operator == "" || p.TargetCloud.Name == "" {
		return BadRequestError("ICN proposal target cloud is unset")
	}
	if p.RequesterCloud.Operator == "" || p.RequesterCloud.Name == "" {
		return BadRequestError("ICN proposal requester cloud is unset")
	}
	if p.RequesterSystem.SystemName == "" {
		return BadRequestError("ICN proposal requester system is unset")
	}
	return nil
}

// ICNResult carries the negotiated providers back to the requester cloud.
type ICNResult struct {
	Response []OrchestrationResult `json:"response"`
}

// OrchestratorStoreEntry is one manual consumer->provider override.
// Priority 1 is the highest precedence within a (consumer, service) group.
type OrchestratorStoreEntry struct {
	ID                 int64             `json:"id,omitempty"`
	ServiceDefinition  string            `json:"serviceDefinition"`
	ConsumerSystemName string            `json:"consumerSystemName"`
	ProviderSystem     System            `json:"providerSystem"`
	ProviderCloud      *Cloud            `json:"providerCloud,omitempty"`
	Priority           int               `json:"priority"`
	Attributes         map[string]string `json:"attribute,omitempty"`
	CreatedAt          *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt          *time.Time        `json:"updatedAt,omitempty"`
}

// IsLocal reports whether the entry points at a provider in this cloud.
func (e OrchestratorStoreEntry) IsLocal() bool {
	return e.ProviderCloud == nil
}

// QoSMeasurement is a declared or measured quality record for a provider.
type QoSMeasurement struct {
	ProviderKey    string        `json:"providerKey"`
	ResponseTime   time.Duration `json:"responseTime"`
	PacketLossRate float64       `json:"packetLossRate"`
	MeasuredAt     time.Time     `json:"measuredAt"`
}
