package handlers

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/database"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/orchestration"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ownCloud = pkg.Cloud{Operator: "acme", Name: "plant-a", OwnCloud: true}

type fakeRegistry struct {
	instances []pkg.ServiceInstance
}

func (f *fakeRegistry) Query(ctx context.Context, query *pkg.ServiceQuery) ([]pkg.ServiceInstance, error) {
	var out []pkg.ServiceInstance
	for _, inst := range f.instances {
		if inst.ServiceDefinition == query.ServiceDefinitionRequirement {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Ping(ctx context.Context, provider pkg.System) bool {
	return true
}

type allowAllAuthz struct{}

func (allowAllAuthz) Authorize(ctx context.Context, consumer pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	return candidates, map[string]map[string]string{}, nil
}

func (allowAllAuthz) AuthorizeInterCloud(ctx context.Context, requesterCloud pkg.Cloud, requesterSystem pkg.System, serviceDefinition string, candidates []pkg.ServiceInstance) ([]pkg.ServiceInstance, map[string]map[string]string, error) {
	return candidates, map[string]map[string]string{}, nil
}

type fixture struct {
	router *gin.Engine
	db     database.Database
	qos    *orchestration.Monitor
}

func newFixture(t *testing.T, registry *fakeRegistry) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	qos := orchestration.NewMonitor(time.Minute, logger)
	t.Cleanup(qos.Shutdown)

	engine := orchestration.NewEngine(db, registry, allowAllAuthz{}, qos, false, "average", logger)
	coordinator := orchestration.NewCoordinator(ownCloud, engine, nil, db, false, false, logger)

	h := New(coordinator, nil, nil, qos, db, logger)

	router := gin.New()
	router.GET("/health", h.HealthCheck)
	router.GET("/echo", h.Echo)
	router.POST("/orchestrator/orchestration", h.Orchestrate)
	router.POST("/gatekeeper/init_gsd", h.InitGSD)
	router.POST("/gatekeeper/init_icn", h.InitICN)
	router.POST("/gateway/connect_consumer", h.ConnectConsumer)
	router.POST("/qos/measurements", h.RecordMeasurement)

	mgmt := router.Group("/mgmt")
	mgmt.POST("/store", h.CreateStoreEntry)
	mgmt.GET("/store", h.ListStoreEntries)
	mgmt.DELETE("/store/:id", h.DeleteStoreEntry)
	mgmt.POST("/clouds", h.CreateCloud)
	mgmt.GET("/clouds", h.ListClouds)
	mgmt.DELETE("/clouds/:id", h.DeleteCloud)
	mgmt.POST("/clouds/:id/relays", h.AssignRelay)
	mgmt.GET("/clouds/:id/relays", h.ListCloudRelays)
	mgmt.POST("/relays", h.CreateRelay)
	mgmt.GET("/relays", h.ListRelays)
	mgmt.DELETE("/relays/:id", h.DeleteRelay)

	return &fixture{router: router, db: db, qos: qos}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestOrchestrateReturnsProviders(t *testing.T) {
	registry := &fakeRegistry{instances: []pkg.ServiceInstance{{
		ServiceDefinition: "temperature",
		Provider:          pkg.System{SystemName: "sensor-1", Address: "10.0.0.1", Port: 8080},
		ServiceURI:        "/temperature",
		Interfaces:        []string{"HTTP-SECURE-JSON"},
		Version:           1,
	}}}
	f := newFixture(t, registry)

	recorder := f.do(t, http.MethodPost, "/orchestrator/orchestration", gin.H{
		"requesterSystem": gin.H{"systemName": "dashboard", "address": "10.0.0.5", "port": 9090},
		"requestedService": gin.H{
			"serviceDefinitionRequirement": "temperature",
		},
		"orchestrationFlags": gin.H{"overrideStore": true},
	})

	require.Equal(t, http.StatusOK, recorder.Code)

	var response pkg.OrchestrationResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Response, 1)
	assert.Equal(t, "sensor-1", response.Response[0].Provider.SystemName)
}

func TestOrchestrateRejectsMissingRequester(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/orchestrator/orchestration", gin.H{
		"requestedService": gin.H{"serviceDefinitionRequirement": "temperature"},
	})

	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestOrchestrateEmptyResultIsOK(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/orchestrator/orchestration", gin.H{
		"requesterSystem":    gin.H{"systemName": "dashboard", "address": "10.0.0.5", "port": 9090},
		"requestedService":   gin.H{"serviceDefinitionRequirement": "humidity"},
		"orchestrationFlags": gin.H{"overrideStore": true},
	})

	require.Equal(t, http.StatusOK, recorder.Code)

	var response pkg.OrchestrationResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Empty(t, response.Response)
}

func TestGatekeeperEndpointsUnavailableWhenDisabled(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/gatekeeper/init_gsd", gin.H{
		"requestedService": gin.H{"serviceDefinitionRequirement": "temperature"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	recorder = f.do(t, http.MethodPost, "/gatekeeper/init_icn", gin.H{})
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestGatewayEndpointUnavailableWhenDisabled(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/gateway/connect_consumer", gin.H{})
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestStoreEntryManagement(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/mgmt/store", pkg.OrchestratorStoreEntry{
		ServiceDefinition:  "temperature",
		ConsumerSystemName: "dashboard",
		ProviderSystem:     pkg.System{SystemName: "sensor-1", Address: "10.0.0.1", Port: 8080},
		Priority:           1,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	var created pkg.OrchestratorStoreEntry
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	recorder = f.do(t, http.MethodGet, "/mgmt/store?consumer=dashboard", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var listed struct {
		Entries []pkg.OrchestratorStoreEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listed))
	assert.Len(t, listed.Entries, 1)

	recorder = f.do(t, http.MethodDelete, "/mgmt/store/1", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.do(t, http.MethodDelete, "/mgmt/store/1", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStoreEntryValidation(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/mgmt/store", pkg.OrchestratorStoreEntry{
		ServiceDefinition:  "temperature",
		ConsumerSystemName: "dashboard",
		ProviderSystem:     pkg.System{SystemName: "sensor-1", Address: "10.0.0.1", Port: 8080},
		Priority:           0,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCloudAndRelayManagement(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/mgmt/clouds", pkg.Cloud{
		Operator: "acme",
		Name:     "plant-b",
		Neighbor: true,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var cloud pkg.Cloud
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &cloud))
	require.NotZero(t, cloud.ID)

	recorder = f.do(t, http.MethodPost, "/mgmt/relays", pkg.Relay{
		Address: "relay.example.com",
		Port:    1883,
		Type:    pkg.RelayGatekeeper,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var relay pkg.Relay
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &relay))
	require.NotZero(t, relay.ID)

	recorder = f.do(t, http.MethodPost, "/mgmt/clouds/1/relays", gin.H{
		"relayId": relay.ID,
		"kind":    pkg.RelayGatekeeper,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/mgmt/clouds/1/relays?kind=GATEKEEPER_RELAY", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var assigned struct {
		Relays []pkg.Relay `json:"relays"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &assigned))
	assert.Len(t, assigned.Relays, 1)

	recorder = f.do(t, http.MethodDelete, "/mgmt/clouds/1", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestCreateRelayRejectsUnknownType(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/mgmt/relays", pkg.Relay{
		Address: "relay.example.com",
		Port:    1883,
		Type:    "CARRIER_PIGEON",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRecordMeasurement(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodPost, "/qos/measurements", pkg.QoSMeasurement{
		ProviderKey:  "sensor-1|10.0.0.1|8080",
		ResponseTime: 30 * time.Millisecond,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = f.do(t, http.MethodPost, "/qos/measurements", pkg.QoSMeasurement{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCertificateMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := New(nil, nil, nil, nil, nil, logger)
	router := gin.New()
	router.POST("/protected", h.CertificateMiddleware(ownCloud), func(c *gin.Context) {
		name, _ := c.Get("system_name")
		c.JSON(http.StatusOK, gin.H{"system": name})
	})

	send := func(commonName string, withCert bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/protected", nil)
		if withCert {
			req.TLS = &tls.ConnectionState{
				PeerCertificates: []*x509.Certificate{{
					Subject: pkix.Name{CommonName: commonName},
				}},
			}
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		return recorder
	}

	recorder := send("dashboard.plant-a.acme.arrowhead.eu", true)
	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "dashboard", body["system"])

	// CN from another cloud is rejected.
	recorder = send("dashboard.plant-b.acme.arrowhead.eu", true)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// Malformed CN is rejected.
	recorder = send("dashboard", true)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// No client certificate at all is rejected.
	recorder = send("", false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHealthAndEcho(t *testing.T) {
	f := newFixture(t, &fakeRegistry{})

	recorder := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["gatekeeper"])

	recorder = f.do(t, http.MethodGet, "/echo", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "Got it!", recorder.Body.String())
}
