// SPDX-License-Identifier: MIT

// Package protocol decodes the push messages the backend sends over its
// WebSocket endpoints.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates push messages.
type Type string

const (
	TypeState             Type = "state"
	TypeLog               Type = "log"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeNavigationFailure Type = "navigation_failure"
)

// Endpoints served by the backend.
const (
	EndpointState = "/ws/state"
	EndpointLog   = "/ws/log"
)

// ErrMalformed is returned for payloads that are not a JSON object.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is one decoded push message. Raw keeps the full object so typed
// accessors can decode the fields they need.
type Message struct {
	Type Type
	Raw  json.RawMessage
}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Message{}, ErrMalformed
	}
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Message{Type: head.Type, Raw: raw}, nil
}

// StateMessage is the periodic state push from /ws/state.
// Absent fields decode to their zero value.
type StateMessage struct {
	CurrentState   string `json:"current_state"`
	IsRunning      bool   `json:"is_running"`
	LoopCount      int    `json:"loop_count"`
	DungeonState   string `json:"dungeon_state"`
	DungeonRunning bool   `json:"dungeon_running"`
	TaskRunning    bool   `json:"task_running"`
}

// Phase returns the dungeon phase, defaulting to idle.
func (m StateMessage) Phase() DungeonPhase {
	return ParseDungeonPhase(m.DungeonState)
}

// LogMessage is one backend log line pushed over /ws/log.
type LogMessage struct {
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	Logger    string `json:"logger"`
	Message   string `json:"message"`
}

// NavigationFailure is broadcast on /ws/state when the navigator gives up.
type NavigationFailure struct {
	Target  string `json:"target"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Outbound is the shape of client-to-backend frames.
type Outbound struct {
	Type Type `json:"type"`
}

// State decodes a state message.
func (m Message) State() (StateMessage, error) {
	var s StateMessage
	if err := m.decode(TypeState, &s); err != nil {
		return StateMessage{}, err
	}
	return s, nil
}

// Log decodes a log message.
func (m Message) Log() (LogMessage, error) {
	var l LogMessage
	if err := m.decode(TypeLog, &l); err != nil {
		return LogMessage{}, err
	}
	return l, nil
}

// NavigationFailure decodes a navigation failure event.
func (m Message) NavigationFailure() (NavigationFailure, error) {
	var n NavigationFailure
	if err := m.decode(TypeNavigationFailure, &n); err != nil {
		return NavigationFailure{}, err
	}
	return n, nil
}

func (m Message) decode(want Type, v any) error {
	if m.Type != want {
		return fmt.Errorf("protocol: expected %q message, got %q", want, m.Type)
	}
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
