// SPDX-License-Identifier: MIT

package telemetry

import (
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to action spans.
const (
	ActionKey      = "zat.action"
	ActionParamKey = "zat.param."
	SuccessKey     = "zat.success"
	MessageKey     = "zat.message"

	DungeonKey    = "zat.dungeon"
	DifficultyKey = "zat.difficulty"
	SceneKey      = "zat.scene"
)

// ActionAttributes returns the action name plus one attribute per parameter,
// in key order. Well known parameters map to their dedicated keys.
func ActionAttributes(action string, params map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(params)+1)
	attrs = append(attrs, attribute.String(ActionKey, action))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(paramKey(k), params[k]))
	}
	return attrs
}

func paramKey(name string) string {
	switch name {
	case "dungeon_id":
		return DungeonKey
	case "difficulty":
		return DifficultyKey
	case "scene_id":
		return SceneKey
	default:
		return ActionParamKey + name
	}
}

// OutcomeAttributes describes how an action ended.
func OutcomeAttributes(success bool, message string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Bool(SuccessKey, success)}
	if message != "" {
		attrs = append(attrs, attribute.String(MessageKey, message))
	}
	return attrs
}
