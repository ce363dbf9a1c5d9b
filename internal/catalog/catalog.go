// SPDX-License-Identifier: MIT

// Package catalog is the static registry of dungeons and difficulties shown
// to operators. Identifiers match the backend's scene graph.
package catalog

import (
	"slices"
	"sort"

	"github.com/sylvester1001/zat/internal/backend"
)

// DifficultyID names a difficulty tier.
type DifficultyID string

const (
	Normal    DifficultyID = "normal"
	Hard      DifficultyID = "hard"
	Nightmare DifficultyID = "nightmare"
)

// Difficulty describes one tier.
type Difficulty struct {
	ID       DifficultyID `json:"id"`
	Name     string       `json:"name"`
	StyleTag string       `json:"styleTag"`
}

// Dungeon is one catalog entry.
type Dungeon struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	BackgroundTag string         `json:"backgroundTag"`
	Difficulties  []DifficultyID `json:"difficulties"`
}

var difficulties = map[DifficultyID]Difficulty{
	Normal:    {ID: Normal, Name: "普通", StyleTag: "difficulty-normal"},
	Hard:      {ID: Hard, Name: "困难", StyleTag: "difficulty-hard"},
	Nightmare: {ID: Nightmare, Name: "噩梦", StyleTag: "difficulty-nightmare"},
}

// New dungeons only need an entry here.
var dungeons = []Dungeon{
	{
		ID:            "world_tree",
		Name:          "世界之树",
		Description:   "魔物隐藏于树荫之下，唯有深入才能将其消灭",
		BackgroundTag: "world_tree-bg",
		Difficulties:  []DifficultyID{Normal, Hard},
	},
	{
		ID:            "mount_mechagod",
		Name:          "机神山",
		Description:   "向古老试炼之地发起挑战，只有胜者能获得一切",
		BackgroundTag: "mount_mechagod-bg",
		Difficulties:  []DifficultyID{Normal, Hard},
	},
	{
		ID:            "sea_palace",
		Name:          "海之宫遗迹",
		Description:   "原本只存在于传说中的古之宫殿，埋藏着无数珍宝",
		BackgroundTag: "sea_palace-bg",
		Difficulties:  []DifficultyID{Normal, Hard},
	},
	{
		ID:            "mizumoto_shrine",
		Name:          "源水大社",
		Description:   "供奉河川神明之所，最深处被强悍的古代构造体守护着",
		BackgroundTag: "mizumoto_shrine-bg",
		Difficulties:  []DifficultyID{Normal, Hard, Nightmare},
	},
}

// Dungeons returns every entry in display order.
func Dungeons() []Dungeon {
	out := make([]Dungeon, len(dungeons))
	for i, d := range dungeons {
		out[i] = clone(d)
	}
	return out
}

// Lookup returns the entry for id.
func Lookup(id string) (Dungeon, bool) {
	for _, d := range dungeons {
		if d.ID == id {
			return clone(d), true
		}
	}
	return Dungeon{}, false
}

// Difficulty returns the descriptor for id.
func Difficulty(id DifficultyID) (Difficulty, bool) {
	d, ok := difficulties[id]
	return d, ok
}

// DifficultiesFor returns the dungeon's tiers in declared order, or an empty
// slice for an unknown id.
func DifficultiesFor(dungeonID string) []Difficulty {
	d, ok := Lookup(dungeonID)
	if !ok {
		return []Difficulty{}
	}
	out := make([]Difficulty, 0, len(d.Difficulties))
	for _, id := range d.Difficulties {
		out = append(out, difficulties[id])
	}
	return out
}

func clone(d Dungeon) Dungeon {
	d.Difficulties = slices.Clone(d.Difficulties)
	return d
}

// Report lists identifier mismatches between the catalog and the backend.
type Report struct {
	OnlyLocal  []string `json:"onlyLocal"`
	OnlyRemote []string `json:"onlyRemote"`
	// DifficultyMismatch maps a shared id to the backend's tiers when they
	// differ from the catalog's.
	DifficultyMismatch map[string][]string `json:"difficultyMismatch,omitempty"`
}

// Consistent reports whether both sides agree.
func (r Report) Consistent() bool {
	return len(r.OnlyLocal) == 0 && len(r.OnlyRemote) == 0 && len(r.DifficultyMismatch) == 0
}

// Reconcile compares the catalog with the backend's dungeon list.
func Reconcile(remote []backend.Dungeon) Report {
	r := Report{OnlyLocal: []string{}, OnlyRemote: []string{}}
	byID := make(map[string]backend.Dungeon, len(remote))
	for _, d := range remote {
		byID[d.ID] = d
	}

	for _, local := range dungeons {
		rd, ok := byID[local.ID]
		if !ok {
			r.OnlyLocal = append(r.OnlyLocal, local.ID)
			continue
		}
		delete(byID, local.ID)

		want := make([]string, len(local.Difficulties))
		for i, id := range local.Difficulties {
			want[i] = string(id)
		}
		if !slices.Equal(want, rd.Difficulties) {
			if r.DifficultyMismatch == nil {
				r.DifficultyMismatch = make(map[string][]string)
			}
			r.DifficultyMismatch[local.ID] = slices.Clone(rd.Difficulties)
		}
	}
	for id := range byID {
		r.OnlyRemote = append(r.OnlyRemote, id)
	}
	sort.Strings(r.OnlyRemote)
	return r
}
