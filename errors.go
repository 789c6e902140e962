package rtrelay

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrClosed is returned when a Client or Session is used after it has been
	// closed. Open a new Session to continue.
	ErrClosed = errors.New("rtrelay: connection is closed")

	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("rtrelay: invalid configuration")

	// ErrConnectionFailed is returned when the transport cannot be established.
	ErrConnectionFailed = errors.New("rtrelay: connection failed")

	// ErrSendTimeout is returned when writing a client event times out.
	ErrSendTimeout = errors.New("rtrelay: send timeout")

	// ErrInvalidEventData is returned when a server event cannot be decoded.
	ErrInvalidEventData = errors.New("rtrelay: invalid event data")

	// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker
	// rejects calls.
	ErrCircuitOpen = errors.New("rtrelay: circuit breaker is open")
)

// ConfigError reports which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("rtrelay: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("rtrelay: invalid config field %q: %s", e.Field, e.Message)
}

// Is reports ConfigError as ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ConnectionError wraps a transport failure with the URL and operation that
// failed.
type ConnectionError struct {
	URL       string // Endpoint that failed
	Cause     error  // Underlying error
	Operation string // "dial", "sdp_exchange", ...
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rtrelay: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("rtrelay: %s failed for %q", e.Operation, e.URL)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is reports ConnectionError as ErrConnectionFailed.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// SendError is returned when a client event cannot be written.
type SendError struct {
	EventType string // Type of the client event
	EventID   string // Event ID, when one was assigned
	Cause     error
}

func (e *SendError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("rtrelay: failed to send %s event %q: %v", e.EventType, e.EventID, e.Cause)
	}
	return fmt.Sprintf("rtrelay: failed to send %s event: %v", e.EventType, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether the write timed out.
func (e *SendError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrSendTimeout)
}

// EventError is returned when a server event cannot be decoded.
type EventError struct {
	EventType string
	RawData   []byte
	Cause     error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("rtrelay: failed to process %s event: %v", e.EventType, e.Cause)
}

func (e *EventError) Unwrap() error {
	return e.Cause
}

// Is reports EventError as ErrInvalidEventData.
func (e *EventError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(url, operation string, cause error) *ConnectionError {
	return &ConnectionError{URL: url, Operation: operation, Cause: cause}
}

// NewSendError creates a new send error.
func NewSendError(eventType, eventID string, cause error) *SendError {
	return &SendError{EventType: eventType, EventID: eventID, Cause: cause}
}

// NewEventError creates a new event decoding error.
func NewEventError(eventType string, rawData []byte, cause error) *EventError {
	return &EventError{EventType: eventType, RawData: rawData, Cause: cause}
}

// ValidateConfig checks the fields Dial needs before any network activity.
func ValidateConfig(cfg Config) error {
	if cfg.ResourceEndpoint == "" {
		return NewConfigError("ResourceEndpoint", "", "cannot be empty")
	}
	u, err := url.Parse(cfg.ResourceEndpoint)
	if err != nil {
		return NewConfigError("ResourceEndpoint", cfg.ResourceEndpoint, "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewConfigError("ResourceEndpoint", cfg.ResourceEndpoint, "scheme must be http or https")
	}
	if cfg.Deployment == "" {
		return NewConfigError("Deployment", "", "cannot be empty")
	}
	if cfg.APIVersion == "" {
		return NewConfigError("APIVersion", "", "cannot be empty")
	}
	if cfg.Credential == nil {
		return NewConfigError("Credential", "", "cannot be nil")
	}
	if cfg.DialTimeout < 0 {
		return NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}
	return nil
}
