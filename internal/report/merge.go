package report

import "sort"

// World is the merged view of all factions for one turn.
type World struct {
	Regions []Region
	Units   []Unit
}

// Merge folds faction reports into one world view.
//
// Regions seen by several factions keep the entry with the highest Detail;
// on a tie the lowest faction number wins. Units keep the entry from their
// owner's report when present, otherwise the first sighting in faction
// order. Results are sorted so merging is deterministic.
func Merge(reports []Report) World {
	ordered := append([]Report(nil), reports...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Faction < ordered[j].Faction })

	regions := make(map[Coords]Region)
	units := make(map[int]Unit)
	fromOwner := make(map[int]bool)
	for _, r := range ordered {
		for _, reg := range r.Regions {
			if cur, ok := regions[reg.Coords]; !ok || reg.Detail > cur.Detail {
				regions[reg.Coords] = reg
			}
		}
		for _, u := range r.Units {
			own := u.Faction == r.Faction
			if _, ok := units[u.Number]; !ok || (own && !fromOwner[u.Number]) {
				units[u.Number] = u
				fromOwner[u.Number] = own
			}
		}
	}

	w := World{
		Regions: make([]Region, 0, len(regions)),
		Units:   make([]Unit, 0, len(units)),
	}
	for _, reg := range regions {
		w.Regions = append(w.Regions, reg)
	}
	for _, u := range units {
		w.Units = append(w.Units, u)
	}
	sort.Slice(w.Regions, func(i, j int) bool { return lessCoords(w.Regions[i].Coords, w.Regions[j].Coords) })
	sort.Slice(w.Units, func(i, j int) bool { return w.Units[i].Number < w.Units[j].Number })
	return w
}

func lessCoords(a, b Coords) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// Statistic summarises one faction for one turn.
type Statistic struct {
	Faction    int `json:"faction"`
	Units      int `json:"units"`
	Men        int `json:"men"`        // sum of unit sizes
	Regions    int `json:"regions"`    // distinct regions holding the faction's units
	Population int `json:"population"` // population of regions the faction owns
}

// Statistics computes per-faction statistics, sorted by faction.
func Statistics(w World) []Statistic {
	byFaction := make(map[int]*Statistic)
	get := func(f int) *Statistic {
		s, ok := byFaction[f]
		if !ok {
			s = &Statistic{Faction: f}
			byFaction[f] = s
		}
		return s
	}

	seen := make(map[int]map[Coords]bool)
	for _, u := range w.Units {
		s := get(u.Faction)
		s.Units++
		s.Men += u.Size
		if seen[u.Faction] == nil {
			seen[u.Faction] = make(map[Coords]bool)
		}
		if !seen[u.Faction][u.Region] {
			seen[u.Faction][u.Region] = true
			s.Regions++
		}
	}
	for _, reg := range w.Regions {
		if reg.Owner > 0 {
			get(reg.Owner).Population += reg.Population
		}
	}

	out := make([]Statistic, 0, len(byFaction))
	for _, s := range byFaction {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Faction < out[j].Faction })
	return out
}
