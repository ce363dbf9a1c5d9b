// SPDX-License-Identifier: MIT

package protocol

// DungeonPhase is the stage of an in-progress dungeon run.
type DungeonPhase string

const (
	PhaseIdle       DungeonPhase = "idle"
	PhaseNavigating DungeonPhase = "navigating"
	PhaseMatching   DungeonPhase = "matching"
	PhaseBattling   DungeonPhase = "battling"
	PhaseFinished   DungeonPhase = "finished"
)

// ParseDungeonPhase maps a wire value to a phase. Empty and unknown values
// map to PhaseIdle so the phase is always one of the five named values.
func ParseDungeonPhase(s string) DungeonPhase {
	switch p := DungeonPhase(s); p {
	case PhaseIdle, PhaseNavigating, PhaseMatching, PhaseBattling, PhaseFinished:
		return p
	default:
		return PhaseIdle
	}
}

// Valid reports whether p is one of the named phases.
func (p DungeonPhase) Valid() bool {
	return ParseDungeonPhase(string(p)) == p
}
