package rtrelay

import (
	"context"
	"fmt"
	"slices"
)

// CreateResponseOptions is the payload of a response.create request. With
// server VAD enabled responses are created automatically; this is for manual
// turns.
type CreateResponseOptions struct {
	Modalities   []string       `json:"modalities,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Voice        string         `json:"voice,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	Tools        []any          `json:"tools,omitempty"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateResponse asks the model to respond and returns the client event id.
func (c *Client) CreateResponse(ctx context.Context, opts CreateResponseOptions) (string, error) {
	if err := ValidateCreateResponseOptions(opts); err != nil {
		return "", NewSendError("response.create", "", err)
	}
	return c.send(ctx, "response.create", map[string]any{"response": opts})
}

// ValidateCreateResponseOptions validates response creation options.
func ValidateCreateResponseOptions(opts CreateResponseOptions) error {
	for _, m := range opts.Modalities {
		if !slices.Contains(validModalities, m) {
			return fmt.Errorf("invalid modality %q, must be 'text' or 'audio'", m)
		}
	}
	if opts.Temperature < 0.0 || opts.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", opts.Temperature)
	}
	if len(opts.Instructions) > 10000 {
		return fmt.Errorf("instructions too long (%d characters), maximum is 10000", len(opts.Instructions))
	}
	return nil
}

// CancelResponse cancels the in-progress response.
func (c *Client) CancelResponse(ctx context.Context) error {
	_, err := c.send(ctx, "response.cancel", map[string]any{})
	return err
}
