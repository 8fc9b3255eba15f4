package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandEnvelope is the JSON document published on relay/{external_id}/command.
//
// Firmware matches on the command name and treats data as command-specific
// parameters. The id allows devices to deduplicate QoS 1 redeliveries.
type CommandEnvelope struct {
	// Command is the action name (turn_on, turn_off, reset, config_update).
	Command string `json:"command"`

	// Data carries command-specific parameters. May be empty.
	Data map[string]any `json:"data,omitempty"`

	// Timestamp is when the command was issued (unix seconds).
	Timestamp int64 `json:"timestamp"`

	// ID is a unique identifier for this command instance.
	ID string `json:"id"`
}

// NewCommandEnvelope creates an envelope for the given command with a fresh
// ID and the current timestamp.
func NewCommandEnvelope(command string, data map[string]any) CommandEnvelope {
	return CommandEnvelope{
		Command:   command,
		Data:      data,
		Timestamp: time.Now().Unix(),
		ID:        uuid.New().String(),
	}
}

// Encode serialises the envelope to JSON for publishing.
func (e CommandEnvelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding command envelope: %w", err)
	}
	return payload, nil
}
