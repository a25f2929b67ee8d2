// Package game holds the domain model of a hosted game and the pure
// transition rules over it: game status, turn state and turn selection.
package game

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

// ID identifies a game.
type ID int64

func (id ID) String() string { return fmt.Sprintf("%d", int64(id)) }

// Status is the lifecycle state of a game.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusRunning   Status = "RUNNING"
	StatusLocked    Status = "LOCKED" // a turn run is in progress
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusNew, StatusRunning, StatusLocked, StatusPaused, StatusCompleted}

// Type tells where the engine runs.
type Type string

const (
	TypeLocal  Type = "LOCAL"  // engine binary on this host
	TypeRemote Type = "REMOTE" // engine behind a remote server
)

// Types lists every game type.
var Types = []Type{TypeLocal, TypeRemote}

// Options is the operator-editable configuration of a game.
type Options struct {
	Schedule      string `json:"schedule" yaml:"schedule"`             // cron expression, empty = manual turns only
	TimeZone      string `json:"time_zone" yaml:"time_zone"`           // IANA zone name
	ServerAddress string `json:"server_address" yaml:"server_address"` // REMOTE games only
}

// Game is one hosted game.
type Game struct {
	ID       ID
	Name     string
	Status   Status
	Type     Type
	Options  Options
	LastTurn fx.Option[int] // most recent turn that began
	NextTurn fx.Option[int] // turn that accepts orders

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one simulated round of a game.
type Turn struct {
	GameID    ID
	Number    int
	State     TurnState
	SaveState []byte // engine save-state after this turn ran
	Roster    []byte // engine faction roster after this turn ran

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Player is a faction membership.
type Player struct {
	ID       int64
	GameID   ID
	Number   fx.Option[int] // assigned by the engine
	Name     string
	Email    string
	Password string
	IsQuit   bool
	LastTurn fx.Option[int]
	NextTurn fx.Option[int]

	CreatedAt time.Time
}

// Active reports whether the player still takes part in turns.
func (p Player) Active() bool { return !p.IsQuit }

// Orders are a player's orders for one turn.
type Orders struct {
	PlayerID    int64
	GameID      ID
	TurnNumber  int
	Text        string
	SubmittedAt fx.Option[time.Time]
}

// Report is the raw and parsed report of one faction for one turn.
type Report struct {
	GameID        ID
	TurnNumber    int
	FactionNumber int
	Source        []byte
	Parsed        []byte // JSON of the structured report, empty until parsed
}

// Article is a piece of narrative text produced by the engine.
type Article struct {
	GameID     ID
	TurnNumber int
	Seq        int
	Text       string
}
