package rtrelay

import (
	"net/http"
	"time"
)

// Credential authenticates requests to an Azure OpenAI resource.
type Credential interface{ apply(h http.Header) }

// APIKey authenticates with the resource key, sent as the "api-key" header.
type APIKey string

func (k APIKey) apply(h http.Header) {
	if k != "" {
		h.Set("api-key", string(k))
	}
}

// Bearer authenticates with an Entra ID or ephemeral token.
type Bearer string

func (b Bearer) apply(h http.Header) {
	if b != "" {
		h.Set("Authorization", "Bearer "+string(b))
	}
}

// DefaultAPIVersion is the realtime API version used when none is configured.
const DefaultAPIVersion = "2024-10-01-preview"

// Config holds the connection settings for a realtime Client.
type Config struct {
	// ResourceEndpoint is the base URL of the Azure OpenAI resource,
	// e.g. https://{resource-name}.openai.azure.com.
	// Required: Yes
	ResourceEndpoint string

	// Deployment is the name of the realtime model deployment.
	// Required: Yes
	Deployment string

	// APIVersion is the realtime API version.
	// Required: Yes (DefaultAPIVersion is a sensible value)
	APIVersion string

	// Credential provides authentication for the handshake.
	// Required: Yes
	Credential Credential

	// DialTimeout bounds the websocket handshake. Zero means no timeout.
	DialTimeout time.Duration

	// HandshakeHeaders are added to the websocket handshake request.
	HandshakeHeaders http.Header

	// Logger receives connection and decoding events. Nil disables logging.
	Logger *Logger

	// Retry, when set, makes Open retry the initial dial.
	Retry *RetryConfig
}
