package game

// CommandType tags the command variants the engine understands.
type CommandType string

const (
	CmdStartGame CommandType = "START_GAME"
	CmdPick      CommandType = "PICK"
	CmdSteal     CommandType = "STEAL"
	CmdEndTurn   CommandType = "END_TURN"
	CmdEndGame   CommandType = "END_GAME"
	CmdResetGame CommandType = "RESET_GAME"
)

// Command is a proposed action against a party. Implementations are plain
// value structs so commands can cross mailboxes and be logged safely.
type Command interface {
	Type() CommandType
	Actor() string
}

// StartGame transitions a lobby to ACTIVE. Admin only. Seed pins the turn
// order shuffle; when HasSeed is false the engine seeds from the command
// timestamp.
type StartGame struct {
	ActorID string
	Seed    int64
	HasSeed bool
}

func (c StartGame) Type() CommandType { return CmdStartGame }
func (c StartGame) Actor() string     { return c.ActorID }

// Pick unwraps a wrapped gift for the active player.
type Pick struct {
	ActorID string
	GiftID  string
}

func (c Pick) Type() CommandType { return CmdPick }
func (c Pick) Actor() string     { return c.ActorID }

// Steal takes an unwrapped gift from its current owner.
type Steal struct {
	ActorID string
	GiftID  string
}

func (c Steal) Type() CommandType { return CmdSteal }
func (c Steal) Actor() string     { return c.ActorID }

// EndTurn skips: the active player keeps what they hold and time advances.
type EndTurn struct {
	ActorID string
}

func (c EndTurn) Type() CommandType { return CmdEndTurn }
func (c EndTurn) Actor() string     { return c.ActorID }

// EndGame is the admin override that finalizes ownership immediately.
type EndGame struct {
	ActorID string
}

func (c EndGame) Type() CommandType { return CmdEndGame }
func (c EndGame) Actor() string     { return c.ActorID }

// ResetGame is the admin override that returns a party to LOBBY, discarding
// the game state and any assigned winners.
type ResetGame struct {
	ActorID string
}

func (c ResetGame) Type() CommandType { return CmdResetGame }
func (c ResetGame) Actor() string     { return c.ActorID }
