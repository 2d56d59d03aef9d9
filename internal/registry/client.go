package registry

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

// Client queries the external Service Registry core system. Orchestration
// only ever reads: it works on per-request snapshots and never mutates
// registry state.
type Client struct {
	baseURL     string
	client      *http.Client
	pingTimeout time.Duration
	logger      *logrus.Logger
}

func NewClient(baseURL string, timeout, pingTimeout time.Duration, tlsConfig *tls.Config, logger *logrus.Logger) *Client {
	transport := &http.Transport{}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		pingTimeout: pingTimeout,
		logger:      logger,
	}
}

type queryResponse struct {
	ServiceQueryData []pkg.ServiceInstance `json:"serviceQueryData"`
	UnfilteredHits   int                   `json:"unfilteredHits"`
}

// Query asks the registry for instances matching the form. The registry
// applies its own filtering; the matcher re-checks locally so that
// orchestration semantics do not depend on registry version skew.
func (c *Client) Query(ctx context.Context, query *pkg.ServiceQuery) ([]pkg.ServiceInstance, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registry query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).Error("Service registry unreachable")
		return nil, pkg.TimeoutError("Service registry unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, pkg.RelayError(fmt.Sprintf("Service registry returned status %d", resp.StatusCode))
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	return decoded.ServiceQueryData, nil
}

// Ping issues an echo-style liveness probe against a provider with a
// bounded timeout. Probe failure is advisory, never a hard error.
func (c *Client) Ping(ctx context.Context, provider pkg.System) bool {
	scheme := "http"
	if provider.AuthenticationInfo != "" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d/echo", scheme, provider.Address, provider.Port)

	probeCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"provider": provider.SystemName,
			"address":  provider.Address,
			"port":     provider.Port,
		}).Debug("Provider liveness probe failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 400
}
