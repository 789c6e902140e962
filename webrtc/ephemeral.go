package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/enesunal-m/rtrelay"
)

// DefaultSessionsAPIVersion is the API version of the sessions endpoint that
// mints ephemeral keys.
const DefaultSessionsAPIVersion = "2025-04-01-preview"

// SessionsURL is the endpoint that mints ephemeral keys for a resource.
func SessionsURL(resourceEndpoint, apiVersion string) string {
	if apiVersion == "" {
		apiVersion = DefaultSessionsAPIVersion
	}
	return fmt.Sprintf("%s/openai/realtimeapi/sessions?api-version=%s", strings.TrimRight(resourceEndpoint, "/"), apiVersion)
}

// RegionURL is the regional WebRTC SDP endpoint.
func RegionURL(region string) string {
	return fmt.Sprintf("https://%s.realtimeapi-preview.ai.azure.com/v1/realtimertc", region)
}

// MintRequest describes the session an ephemeral key is minted for.
type MintRequest struct {
	ResourceEndpoint string
	APIVersion       string
	Deployment       string
	APIKey           string
	Voice            string

	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
}

// EphemeralKey is a short-lived credential a browser or headless peer uses
// for the SDP exchange.
type EphemeralKey struct {
	SessionID string `json:"session_id"`
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type sessionsResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// MintEphemeralKey asks the resource for a new ephemeral key. The resource
// API key never leaves the server.
func MintEphemeralKey(ctx context.Context, req MintRequest) (EphemeralKey, error) {
	if req.ResourceEndpoint == "" || req.Deployment == "" || req.APIKey == "" {
		return EphemeralKey{}, rtrelay.NewConfigError("MintRequest", "", "resource endpoint, deployment and api key are required")
	}
	url := SessionsURL(req.ResourceEndpoint, req.APIVersion)

	payload := map[string]any{"model": req.Deployment}
	if req.Voice != "" {
		payload["voice"] = req.Voice
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return EphemeralKey{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return EphemeralKey{}, rtrelay.NewConnectionError(url, "mint_ephemeral", err)
	}
	httpReq.Header.Set("api-key", req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := req.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return EphemeralKey{}, rtrelay.NewConnectionError(url, "mint_ephemeral", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return EphemeralKey{}, rtrelay.NewConnectionError(url, "mint_ephemeral",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var sr sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return EphemeralKey{}, fmt.Errorf("decode sessions response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return EphemeralKey{}, fmt.Errorf("sessions response without client secret")
	}
	return EphemeralKey{SessionID: sr.ID, Value: sr.ClientSecret.Value, ExpiresAt: sr.ClientSecret.ExpiresAt}, nil
}
