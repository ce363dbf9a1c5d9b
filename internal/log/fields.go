// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService   = "service"
	FieldVersion   = "version"
	FieldRequestID = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Backend fields
	FieldOperation  = "op"
	FieldBaseURL    = "base_url"
	FieldEndpoint   = "endpoint"
	FieldDevice     = "device"
	FieldResolution = "resolution"
	FieldDungeonID  = "dungeon_id"
	FieldDifficulty = "difficulty"
	FieldSceneID    = "scene_id"
	FieldTaskName   = "task_name"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Timing fields
	FieldDelay    = "delay"
	FieldInterval = "interval"
)
