package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"
)

// HTTPClient drives a mixer via its REST endpoints. A mix is provisioned in
// two steps: create the mix, then attach each destination. Destinations are
// attached concurrently; the first failure tears the mix down again so a
// half-provisioned mix never lingers.
type HTTPClient struct {
	config Config
	logger *slog.Logger
}

type mixRequest struct {
	SessionID      string  `json:"sessionId"`
	ActiveSourceID *string `json:"activeSourceId,omitempty"`
}

type destinationRequest struct {
	URL string `json:"url"`
}

type layoutRequest struct {
	ActiveSourceID *string `json:"activeSourceId"`
}

func (c *HTTPClient) StartMix(ctx context.Context, params StartParams) error {
	if params.SessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	if len(params.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}

	payload := mixRequest{SessionID: params.SessionID, ActiveSourceID: params.ActiveSourceID}
	if err := c.post(ctx, fmt.Sprintf("%s/v1/mixes", c.baseURL()), payload, nil); err != nil {
		return fmt.Errorf("create mix: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, destination := range params.Destinations {
		dest := destination
		group.Go(func() error {
			if err := c.post(groupCtx, fmt.Sprintf("%s/v1/mixes/%s/destinations", c.baseURL(), url.PathEscape(params.SessionID)), destinationRequest{URL: dest}, nil); err != nil {
				return fmt.Errorf("attach destination %s: %w", dest, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		c.rollbackMix(params.SessionID)
		return err
	}
	return nil
}

func (c *HTTPClient) UpdateLayout(ctx context.Context, sessionID string, activeSourceID *string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	if err := c.post(ctx, fmt.Sprintf("%s/v1/mixes/%s/layout", c.baseURL(), url.PathEscape(sessionID)), layoutRequest{ActiveSourceID: activeSourceID}, nil); err != nil {
		return fmt.Errorf("update layout: %w", err)
	}
	return nil
}

func (c *HTTPClient) StopMix(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	if err := c.delete(ctx, fmt.Sprintf("%s/v1/mixes/%s", c.baseURL(), url.PathEscape(sessionID))); err != nil {
		return fmt.Errorf("stop mix: %w", err)
	}
	return nil
}

func (c *HTTPClient) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "mixer"}
	if c.config.MixerBaseURL == "" {
		status.Status = "unknown"
		status.Detail = "base URL not configured"
		return []HealthStatus{status}
	}
	endpoint := fmt.Sprintf("%s%s", c.baseURL(), c.config.HealthEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	c.authorize(req)
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return []HealthStatus{status}
}

func (c *HTTPClient) rollbackMix(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CallTimeout)
	defer cancel()
	if err := c.delete(ctx, fmt.Sprintf("%s/v1/mixes/%s", c.baseURL(), url.PathEscape(sessionID))); err != nil && c.logger != nil {
		c.logger.Warn("mix rollback failed", "session_id", sessionID, "error", err)
	}
}

func (c *HTTPClient) baseURL() string {
	return strings.TrimRight(c.config.MixerBaseURL, "/")
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.config.MixerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.MixerToken)
	}
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *HTTPClient) delete(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}
