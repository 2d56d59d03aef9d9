package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/authz"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/database"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/gatekeeper"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/gateway"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/orchestration"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HTTP handlers for the inter-cloud orchestration core.
type Handlers struct {
	coordinator *orchestration.Coordinator
	gatekeeper  *gatekeeper.Gatekeeper
	gateway     *gateway.Manager
	qos         *orchestration.Monitor
	db          database.Database
	logger      *logrus.Logger
}

// New wires the handler set. Gatekeeper, gateway and qos may be nil when
// the corresponding subsystem is disabled by configuration.
func New(
	coordinator *orchestration.Coordinator,
	gk *gatekeeper.Gatekeeper,
	gw *gateway.Manager,
	qos *orchestration.Monitor,
	db database.Database,
	logger *logrus.Logger,
) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		gatekeeper:  gk,
		gateway:     gw,
		qos:         qos,
		db:          db,
		logger:      logger,
	}
}

// CertificateMiddleware authenticates callers by their mTLS client
// certificate. The CN must follow the Arrowhead naming structure and
// belong to this cloud; the system name segment becomes the caller
// identity for the request.
func (h *Handlers) CertificateMiddleware(ownCloud pkg.Cloud) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Request.TLS
		if state == nil || len(state.PeerCertificates) == 0 {
			h.respondWithError(c, pkg.UnauthorizedError("Client certificate required"))
			return
		}

		commonName := state.PeerCertificates[0].Subject.CommonName
		systemName, err := authz.SystemNameFromCN(commonName)
		if err != nil {
			h.respondWithError(c, err)
			return
		}
		if !authz.CNMatchesCloud(commonName, ownCloud) {
			h.respondWithError(c, pkg.UnauthorizedError("Certificate does not belong to this cloud"))
			return
		}

		c.Set("system_name", systemName)
		c.Next()
	}
}

// Orchestrate resolves providers for a consumer: store entries first,
// then dynamic discovery, then inter-cloud negotiation.
func (h *Handlers) Orchestrate(c *gin.Context) {
	var req pkg.OrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	// A certificate-authenticated caller may only orchestrate as itself.
	if systemName, exists := c.Get("system_name"); exists {
		if req.RequesterSystem.SystemName == "" {
			req.RequesterSystem.SystemName = systemName.(string)
		} else if !strings.EqualFold(req.RequesterSystem.SystemName, systemName.(string)) {
			h.respondWithError(c, pkg.UnauthorizedError("Requester system does not match client certificate"))
			return
		}
	}

	response, err := h.coordinator.Orchestrate(c.Request.Context(), &req)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// InitGSD polls neighbor clouds for a service on behalf of a local
// consumer.
func (h *Handlers) InitGSD(c *gin.Context) {
	if h.gatekeeper == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gatekeeper is disabled", ""))
		return
	}

	var req struct {
		RequestedService pkg.ServiceQuery `json:"requestedService"`
		PreferredClouds  []pkg.Cloud      `json:"preferredClouds,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	result, err := h.gatekeeper.InitGSDPoll(c.Request.Context(), req.RequestedService, req.PreferredClouds)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// InitICN negotiates providers with a chosen neighbor cloud.
func (h *Handlers) InitICN(c *gin.Context) {
	if h.gatekeeper == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gatekeeper is disabled", ""))
		return
	}

	var proposal pkg.ICNProposal
	if err := c.ShouldBindJSON(&proposal); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	result, err := h.gatekeeper.InitICN(c.Request.Context(), &proposal)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ===== GATEWAY ENDPOINTS =====

// ConnectConsumer opens the consumer half of a tunnel and returns the
// local port the consumer should dial.
func (h *Handlers) ConnectConsumer(c *gin.Context) {
	if h.gateway == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gateway is disabled", ""))
		return
	}

	var req gateway.ConsumerConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	session, err := h.gateway.ConnectConsumer(c.Request.Context(), &req)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId":         session.ID,
		"port":              session.Port,
		"wrappedSessionKey": session.WrappedKey,
	})
}

// ConnectProvider opens the provider half of a tunnel on behalf of a
// remote consumer cloud.
func (h *Handlers) ConnectProvider(c *gin.Context) {
	if h.gateway == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gateway is disabled", ""))
		return
	}

	var req gateway.ProviderConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	session, err := h.gateway.ConnectProvider(c.Request.Context(), &req)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"sessionId": session.ID})
}

// GetGatewayPublicKey returns the key remote gateways wrap session keys
// for.
func (h *Handlers) GetGatewayPublicKey(c *gin.Context) {
	if h.gateway == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gateway is disabled", ""))
		return
	}

	key := h.gateway.PublicKey()
	if key == nil {
		h.respondWithError(c, pkg.InternalServerError("Gateway has no key pair configured"))
		return
	}

	pemKey, err := gateway.PublicKeyPEM(key)
	if err != nil {
		h.respondWithError(c, pkg.InternalServerError("Failed to encode gateway public key"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"publicKey": pemKey})
}

// ListGatewaySessions lists the live tunnel sessions.
func (h *Handlers) ListGatewaySessions(c *gin.Context) {
	if h.gateway == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gateway is disabled", ""))
		return
	}

	sessions := h.gateway.ListSessions()
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"sessionId":         s.ID,
			"state":             h.gateway.SessionState(s.ID),
			"serviceDefinition": s.ServiceDefinition,
			"consumerCloud":     s.ConsumerCloud.Key(),
			"providerCloud":     s.ProviderCloud.Key(),
			"createdAt":         s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// CloseGatewaySession tears down one tunnel session.
func (h *Handlers) CloseGatewaySession(c *gin.Context) {
	if h.gateway == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "Gateway is disabled", ""))
		return
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		h.respondWithError(c, pkg.BadRequestError("Session ID required"))
		return
	}

	h.gateway.CloseSession(sessionID)
	c.JSON(http.StatusOK, gin.H{"message": "Session closed successfully"})
}

// ===== QOS ENDPOINTS =====

// RecordMeasurement accepts one quality measurement for a provider.
func (h *Handlers) RecordMeasurement(c *gin.Context) {
	if h.qos == nil {
		h.respondWithError(c, pkg.NewAppError(http.StatusServiceUnavailable, "QoS monitoring is disabled", ""))
		return
	}

	var measurement pkg.QoSMeasurement
	if err := c.ShouldBindJSON(&measurement); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}
	if measurement.ProviderKey == "" {
		h.respondWithError(c, pkg.BadRequestError("Provider key required"))
		return
	}

	h.qos.Record(measurement)
	c.JSON(http.StatusCreated, gin.H{"message": "Measurement recorded"})
}

// ===== STORE MANAGEMENT =====

// CreateStoreEntry adds one orchestrator store rule.
func (h *Handlers) CreateStoreEntry(c *gin.Context) {
	var entry pkg.OrchestratorStoreEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	if entry.ServiceDefinition == "" || entry.ConsumerSystemName == "" {
		h.respondWithError(c, pkg.BadRequestError("Service definition and consumer system name required"))
		return
	}
	if entry.ProviderSystem.SystemName == "" {
		h.respondWithError(c, pkg.BadRequestError("Provider system required"))
		return
	}
	if entry.Priority <= 0 {
		h.respondWithError(c, pkg.BadRequestError("Priority must be positive"))
		return
	}

	if err := h.db.CreateStoreEntry(&entry); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// ListStoreEntries lists the orchestrator store, optionally filtered by
// consumer system name.
func (h *Handlers) ListStoreEntries(c *gin.Context) {
	consumer := c.Query("consumer")
	serviceDefinition := c.Query("service_definition")

	var entries []pkg.OrchestratorStoreEntry
	var err error
	if consumer != "" {
		entries, err = h.db.GetStoreEntriesByConsumer(consumer, serviceDefinition)
	} else {
		entries, err = h.db.ListStoreEntries()
	}
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DeleteStoreEntry removes one orchestrator store rule.
func (h *Handlers) DeleteStoreEntry(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	if err := h.db.DeleteStoreEntry(id); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Store entry deleted successfully"})
}

// ===== CLOUD MANAGEMENT =====

// CreateCloud registers a neighbor cloud.
func (h *Handlers) CreateCloud(c *gin.Context) {
	var cloud pkg.Cloud
	if err := c.ShouldBindJSON(&cloud); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	if cloud.Operator == "" || cloud.Name == "" {
		h.respondWithError(c, pkg.BadRequestError("Cloud operator and name required"))
		return
	}

	if err := h.db.CreateCloud(&cloud); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cloud)
}

// ListClouds lists the known clouds.
func (h *Handlers) ListClouds(c *gin.Context) {
	var clouds []pkg.Cloud
	var err error
	if c.Query("neighbors") == "true" {
		clouds, err = h.db.ListNeighborClouds()
	} else {
		clouds, err = h.db.ListClouds()
	}
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"clouds": clouds})
}

// DeleteCloud removes a cloud and its relay assignments.
func (h *Handlers) DeleteCloud(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	if err := h.db.DeleteCloud(id); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cloud deleted successfully"})
}

// AssignRelay binds a relay to a cloud for a given traffic kind.
func (h *Handlers) AssignRelay(c *gin.Context) {
	cloudID, ok := h.pathID(c)
	if !ok {
		return
	}

	var req struct {
		RelayID int64         `json:"relayId" binding:"required"`
		Kind    pkg.RelayType `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	if err := h.db.AssignRelayToCloud(cloudID, req.RelayID, req.Kind); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Relay assigned successfully"})
}

// ListCloudRelays lists the relays assigned to a cloud for a kind.
func (h *Handlers) ListCloudRelays(c *gin.Context) {
	cloudID, ok := h.pathID(c)
	if !ok {
		return
	}

	kind := pkg.RelayType(c.DefaultQuery("kind", string(pkg.RelayGatekeeper)))
	relays, err := h.db.GetRelaysForCloud(cloudID, kind)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"relays": relays})
}

// ===== RELAY MANAGEMENT =====

// CreateRelay registers a relay broker endpoint.
func (h *Handlers) CreateRelay(c *gin.Context) {
	var relay pkg.Relay
	if err := c.ShouldBindJSON(&relay); err != nil {
		h.respondWithError(c, pkg.BadRequestError("Invalid request body"))
		return
	}

	if relay.Address == "" || relay.Port <= 0 {
		h.respondWithError(c, pkg.BadRequestError("Relay address and port required"))
		return
	}
	switch relay.Type {
	case pkg.RelayGeneral, pkg.RelayGatekeeper, pkg.RelayGateway:
	default:
		h.respondWithError(c, pkg.BadRequestError("Unknown relay type"))
		return
	}

	if err := h.db.CreateRelay(&relay); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, relay)
}

// ListRelays lists the registered relays.
func (h *Handlers) ListRelays(c *gin.Context) {
	relays, err := h.db.ListRelays()
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"relays": relays})
}

// GetRelay returns one relay by id.
func (h *Handlers) GetRelay(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	relay, err := h.db.GetRelayByID(id)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	if relay == nil {
		h.respondWithError(c, pkg.NotFoundError("Relay not found"))
		return
	}

	c.JSON(http.StatusOK, relay)
}

// DeleteRelay removes a relay.
func (h *Handlers) DeleteRelay(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	if err := h.db.DeleteRelay(id); err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Relay deleted successfully"})
}

// ===== SERVICE ENDPOINTS =====

// Echo is the liveness probe consumers use before orchestration.
func (h *Handlers) Echo(c *gin.Context) {
	c.String(http.StatusOK, "Got it!")
}

// HealthCheck reports subsystem availability.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"gatekeeper": h.gatekeeper != nil,
		"gateway":    h.gateway != nil,
		"qos":        h.qos != nil,
	})
}

func (h *Handlers) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondWithError(c, pkg.BadRequestError("Invalid ID"))
		return 0, false
	}
	return id, true
}

// Format and send an error response to the client.
func (h *Handlers) respondWithError(c *gin.Context, err error) {
	appErr := pkg.AsAppError(err)

	h.logger.WithFields(logrus.Fields{
		"error":  appErr.Message,
		"code":   appErr.Code,
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
	}).Error("Request failed")

	c.JSON(appErr.Code, gin.H{
		"error":   appErr.Message,
		"details": appErr.Details,
		"code":    appErr.Code,
	})
	c.Abort()
}
