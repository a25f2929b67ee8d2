// Package engine is the boundary to the external turn-computation engine.
//
// An engine consumes the previous save-state, the faction roster and every
// faction's orders, and produces the next save-state, roster, per-faction
// reports and articles. Engines are opaque: a run either succeeds completely
// or fails, there is no partial result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/pbem-host/internal/game"
)

// DefaultTimeout bounds one engine run.
const DefaultTimeout = 10 * time.Minute

var (
	ErrTimeout       = errors.New("engine run timed out")
	ErrMissingOutput = errors.New("engine did not produce required output")
	ErrNoServer      = errors.New("remote game has no server address")
)

var log = slog.Default()

// Faction is one roster entry. Number is 0 for a faction that has joined
// but has not yet been created by the engine.
type Faction struct {
	Number   int    `yaml:"number" json:"number"`
	Name     string `yaml:"name" json:"name"`
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Roster is the faction list exchanged with the engine.
type Roster struct {
	Factions []Faction `yaml:"factions" json:"factions"`
}

// DecodeRoster reads a YAML roster. Empty input is an empty roster.
func DecodeRoster(raw []byte) (Roster, error) {
	var r Roster
	if len(raw) == 0 {
		return r, nil
	}
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	return r, nil
}

// EncodeRoster writes r as YAML.
func EncodeRoster(r Roster) ([]byte, error) {
	if r.Factions == nil {
		r.Factions = []Faction{}
	}
	return yaml.Marshal(r)
}

// Numbers returns the assigned faction numbers in ascending order.
func (r Roster) Numbers() []int {
	out := make([]int, 0, len(r.Factions))
	for _, f := range r.Factions {
		if f.Number > 0 {
			out = append(out, f.Number)
		}
	}
	sort.Ints(out)
	return out
}

// Diff compares two rosters by faction number. Created are factions present
// only in after; quit are numbers present only in before.
func Diff(before, after Roster) (created []Faction, quit []int) {
	had := make(map[int]bool)
	for _, n := range before.Numbers() {
		had[n] = true
	}
	has := make(map[int]bool)
	for _, f := range after.Factions {
		if f.Number <= 0 {
			continue
		}
		has[f.Number] = true
		if !had[f.Number] {
			created = append(created, f)
		}
	}
	for _, n := range before.Numbers() {
		if !has[n] {
			quit = append(quit, n)
		}
	}
	sort.Slice(created, func(i, j int) bool { return created[i].Number < created[j].Number })
	return created, quit
}

// FactionOrders are one faction's orders for the turn.
type FactionOrders struct {
	Number   int    `json:"number"`
	Password string `json:"password"`
	Text     string `json:"text"`
}

// Input is everything an engine run consumes.
type Input struct {
	GameID    game.ID         `json:"game_id"`
	Turn      int             `json:"turn"`
	SaveState []byte          `json:"save_state"`
	Roster    []byte          `json:"roster"`
	Orders    []FactionOrders `json:"orders"`
}

// Output is everything an engine run produces.
type Output struct {
	SaveState []byte         `json:"save_state"`
	Roster    []byte         `json:"roster"`
	Reports   map[int][]byte `json:"reports"`
	Articles  []string       `json:"articles"`

	// Filled by Complete from the rosters.
	Created []Faction `json:"-"`
	Quit    []int     `json:"-"`
}

// Complete validates out and fills the faction diff against the input
// roster.
func (out *Output) Complete(in Input) error {
	if len(out.SaveState) == 0 {
		return fmt.Errorf("%w: save-state", ErrMissingOutput)
	}
	before, err := DecodeRoster(in.Roster)
	if err != nil {
		return err
	}
	after, err := DecodeRoster(out.Roster)
	if err != nil {
		return err
	}
	out.Created, out.Quit = Diff(before, after)
	return nil
}

// Engine runs one turn.
type Engine interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// Selector picks the engine for a game.
type Selector interface {
	For(g game.Game) (Engine, error)
}

// ByType selects Local for LOCAL games and a Remote at the game's server
// address for REMOTE games.
type ByType struct {
	Local         Engine
	RemoteTimeout time.Duration
	Client        HTTPDoer
}

// For implements Selector.
func (b ByType) For(g game.Game) (Engine, error) {
	switch g.Type {
	case game.TypeLocal:
		if b.Local == nil {
			return nil, errors.New("no local engine configured")
		}
		return b.Local, nil
	case game.TypeRemote:
		if g.Options.ServerAddress == "" {
			return nil, ErrNoServer
		}
		return NewRemote(g.Options.ServerAddress, b.Client, b.RemoteTimeout), nil
	default:
		return nil, fmt.Errorf("unknown game type %q", g.Type)
	}
}

// RosterSource reads the live roster of a REMOTE game's server.
type RosterSource interface {
	Factions(ctx context.Context, g game.Game) (Roster, error)
}

// Factions implements RosterSource.
func (b ByType) Factions(ctx context.Context, g game.Game) (Roster, error) {
	if g.Type != game.TypeRemote {
		return Roster{}, fmt.Errorf("game %d is %s, not %s", g.ID, g.Type, game.TypeRemote)
	}
	if g.Options.ServerAddress == "" {
		return Roster{}, ErrNoServer
	}
	return NewRemote(g.Options.ServerAddress, b.Client, b.RemoteTimeout).Factions(ctx)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// timeoutErr turns a deadline hit into ErrTimeout.
func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
