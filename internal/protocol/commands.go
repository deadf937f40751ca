package protocol

import "time"

// Command is the closed set of controller commands the bridge understands.
type Command int

const (
	CommandUnknown Command = iota
	CommandPing
	CommandFilterEvents
	CommandUserList
	CommandAPList
	CommandEvents
	CommandAddCard
	CommandEditCard
	CommandLoadCard
	CommandDelCard
	CommandCardStateList
)

var commandNames = map[Command]string{
	CommandPing:          "ping",
	CommandFilterEvents:  "filterevents",
	CommandUserList:      "userlist",
	CommandAPList:        "aplist",
	CommandEvents:        "events",
	CommandAddCard:       "addcard",
	CommandEditCard:      "editcard",
	CommandLoadCard:      "loadcard",
	CommandDelCard:       "delcard",
	CommandCardStateList: "cardstatelist",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		m[name] = c
	}
	return m
}()

// ParseCommand maps a wire command name to a Command. Unrecognized names
// yield CommandUnknown.
func ParseCommand(name string) Command {
	return commandsByName[name]
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Constants are the controller-specific values stamped into card commands.
type Constants struct {
	Version        int
	TemplateID     int
	DataID         int
	ActionIssue    int
	ActionWithdraw int
}

// Builder produces outbound controller requests.
type Builder struct {
	c Constants
}

func NewBuilder(c Constants) *Builder {
	return &Builder{c: c}
}

func (b *Builder) Ping() Request {
	return Request{Command: CommandPing.String(), ID: 1, Version: b.c.Version}
}

func (b *Builder) FilterEvents() Request {
	return Request{Command: CommandFilterEvents.String(), ID: 1, Version: b.c.Version, Filter: 1}
}

func (b *Builder) UserList() Request {
	return Request{Command: CommandUserList.String(), ID: 1, Version: b.c.Version}
}

func (b *Builder) APList() Request {
	return Request{Command: CommandAPList.String(), ID: 1, Version: b.c.Version}
}

// Startup returns the commands sent after every (re)connect.
func (b *Builder) Startup() []Request {
	return []Request{b.FilterEvents(), b.UserList(), b.APList()}
}

func (b *Builder) AddCard(eventID, cardNum int64, start, end time.Time) Request {
	return b.cardRequest(CommandAddCard, eventID, cardNum, start, end)
}

func (b *Builder) EditCard(eventID, cardNum int64, start, end time.Time) Request {
	return b.cardRequest(CommandEditCard, eventID, cardNum, start, end)
}

func (b *Builder) cardRequest(cmd Command, eventID, cardNum int64, start, end time.Time) Request {
	return Request{
		Command: cmd.String(),
		ID:      eventID,
		Version: b.c.Version,
		Data: CardData{
			ID:         b.c.DataID,
			CardNum:    cardNum,
			TemplateID: b.c.TemplateID,
			StartDate:  FormatDate(start),
			EndDate:    FormatDate(end),
			Action:     b.c.ActionIssue,
		},
	}
}

// LoadCard blocks the card on the controller.
func (b *Builder) LoadCard(eventID, cardNum int64) Request {
	return Request{
		Command: CommandLoadCard.String(),
		ID:      eventID,
		Version: b.c.Version,
		Data:    LoadCardData{CardNum: cardNum, Action: b.c.ActionWithdraw},
	}
}

func (b *Builder) DelCard(eventID, cardNum int64) Request {
	return Request{Command: CommandDelCard.String(), ID: eventID, Version: b.c.Version, CardNum: cardNum}
}

func (b *Builder) CardStateList(eventID, cardNum int64) Request {
	return Request{Command: CommandCardStateList.String(), ID: eventID, Version: b.c.Version, CardNum: []int64{cardNum}}
}

// NativeCardNumber recodes a raw Wiegand-26 card value into the
// series*100000+number form the controller stores.
func NativeCardNumber(raw int64) int64 {
	series := (raw >> 16) & 0xFF
	number := raw & 0xFFFF
	return series*100000 + number
}
