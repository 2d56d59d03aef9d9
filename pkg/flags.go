package pkg

// OrchestrationFlags is the closed set of named booleans steering an
// orchestration request. Every flag defaults to false.
type OrchestrationFlags struct {
	Matchmaking            bool `json:"matchmaking"`
	MetadataSearch         bool `json:"metadataSearch"`
	OnlyPreferred          bool `json:"onlyPreferred"`
	PingProviders          bool `json:"pingProviders"`
	OverrideStore          bool `json:"overrideStore"`
	TriggerInterCloud      bool `json:"triggerInterCloud"`
	ExternalServiceRequest bool `json:"externalServiceRequest"`
	EnableInterCloud       bool `json:"enableInterCloud"`
	EnableQoS              bool `json:"enableQoS"`
}

const (
	flagMatchmaking            = "matchmaking"
	flagMetadataSearch         = "metadataSearch"
	flagOnlyPreferred          = "onlyPreferred"
	flagPingProviders          = "pingProviders"
	flagOverrideStore          = "overrideStore"
	flagTriggerInterCloud      = "triggerInterCloud"
	flagExternalServiceRequest = "externalServiceRequest"
	flagEnableInterCloud       = "enableInterCloud"
	flagEnableQoS              = "enableQoS"
)

// FlagsFromMap translates the wire's string-keyed flag map into the fixed
// struct. Unknown flag names are ignored; flags missing from the map keep
// their zero default.
func FlagsFromMap(raw map[string]bool) OrchestrationFlags {
	var f OrchestrationFlags
	for name, value := range raw {
		switch name {
		case flagMatchmaking:
			f.Matchmaking = value
		case flagMetadataSearch:
			f.MetadataSearch = value
		case flagOnlyPreferred:
			f.OnlyPreferred = value
		case flagPingProviders:
			f.PingProviders = value
		case flagOverrideStore:
			f.OverrideStore = value
		case flagTriggerInterCloud:
			f.TriggerInterCloud = value
		case flagExternalServiceRequest:
			f.ExternalServiceRequest = value
		case flagEnableInterCloud:
			f.EnableInterCloud = value
		case flagEnableQoS:
			f.EnableQoS = value
		}
	}
	return f
}

// ToMap renders the flags back into the wire representation.
func (f OrchestrationFlags) ToMap() map[string]bool {
	return map[string]bool{
		flagMatchmaking:            f.Matchmaking,
		flagMetadataSearch:         f.MetadataSearch,
		flagOnlyPreferred:          f.OnlyPreferred,
		flagPingProviders:          f.PingProviders,
		flagOverrideStore:          f.OverrideStore,
		flagTriggerInterCloud:      f.TriggerInterCloud,
		flagExternalServiceRequest: f.ExternalServiceRequest,
		flagEnableInterCloud:       f.EnableInterCloud,
		flagEnableQoS:              f.EnableQoS,
	}
}
