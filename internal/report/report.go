// Package report turns engine report documents into structured faction
// views and folds them into per-turn world state.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoFaction is returned for a report that does not name its faction.
var ErrNoFaction = errors.New("report has no faction number")

// Coords locate a region. Z is the plane or level.
type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (c Coords) String() string { return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z) }

// Region is one map cell as seen by a faction.
type Region struct {
	Coords
	Terrain    string `json:"terrain"`
	Name       string `json:"name,omitempty"`
	Population int    `json:"population"`
	Owner      int    `json:"owner,omitempty"`  // faction number, 0 = unowned
	Detail     int    `json:"detail,omitempty"` // how much of the region the faction could see
}

// Unit is one unit as seen by a faction.
type Unit struct {
	Number  int    `json:"number"`
	Faction int    `json:"faction"`
	Name    string `json:"name,omitempty"`
	Region  Coords `json:"region"`
	Size    int    `json:"size"`
}

// Report is the structured report of one faction.
type Report struct {
	Faction     int      `json:"faction"`
	FactionName string   `json:"faction_name,omitempty"`
	Turn        int      `json:"turn,omitempty"`
	Regions     []Region `json:"regions,omitempty"`
	Units       []Unit   `json:"units,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// Parser reads an engine report document.
type Parser interface {
	Parse(source []byte) (Report, error)
}

// JSONParser reads the JSON report format written by the engines.
type JSONParser struct{}

// Parse decodes source. Unknown fields are ignored so newer engines keep
// working.
func (JSONParser) Parse(source []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(source, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if r.Faction <= 0 {
		return Report{}, ErrNoFaction
	}
	for i, u := range r.Units {
		if u.Faction == 0 {
			r.Units[i].Faction = r.Faction
		}
	}
	return r, nil
}

// Encode writes r in the stored parsed form.
func Encode(r Report) ([]byte, error) {
	return json.Marshal(r)
}

// Decode reads a stored parsed report.
func Decode(parsed []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(parsed, &r); err != nil {
		return Report{}, fmt.Errorf("decode parsed report: %w", err)
	}
	return r, nil
}
