package authz

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// HTTPDecisionPoint talks to the external authorization core system.
type HTTPDecisionPoint struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func NewHTTPDecisionPoint(baseURL string, timeout time.Duration, tlsConfig *tls.Config, logger *logrus.Logger) *HTTPDecisionPoint {
	transport := &http.Transport{}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &HTTPDecisionPoint{
		baseURL: baseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger,
	}
}

type intraCloudCheckRequest struct {
	Consumer          pkg.System   `json:"consumer"`
	ServiceDefinition string       `json:"serviceDefinition"`
	Providers         []pkg.System `json:"providers"`
}

type interCloudCheckRequest struct {
	Cloud             pkg.Cloud    `json:"cloud"`
	ServiceDefinition string       `json:"serviceDefinition"`
	Providers         []pkg.System `json:"providers"`
}

// checkResponse is the canonical verdict shape: provider key -> allowed.
type checkResponse struct {
	AuthorizedProviders map[string]bool `json:"authorizedProviders"`
}

func (d *HTTPDecisionPoint) CheckIntraCloud(ctx context.Context, consumer pkg.System, serviceDefinition string, providers []pkg.System) (map[string]bool, error) {
	body := intraCloudCheckRequest{
		Consumer:          consumer,
		ServiceDefinition: serviceDefinition,
		Providers:         providers,
	}
	return d.check(ctx, d.baseURL+"/intracloud/check", body)
}

func (d *HTTPDecisionPoint) CheckInterCloud(ctx context.Context, cloud pkg.Cloud, serviceDefinition string, providers []pkg.System) (map[string]bool, error) {
	body := interCloudCheckRequest{
		Cloud:             cloud,
		ServiceDefinition: serviceDefinition,
		Providers:         providers,
	}
	return d.check(ctx, d.baseURL+"/intercloud/check", body)
}

func (d *HTTPDecisionPoint) check(ctx context.Context, url string, body interface{}) (map[string]bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization check: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, pkg.TimeoutError("Authorization system unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, pkg.RelayError(fmt.Sprintf("Authorization system returned status %d", resp.StatusCode))
	}

	var decoded checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode authorization response: %w", err)
	}

	return decoded.AuthorizedProviders, nil
}
