package protocol

import (
	"encoding/json"
	"time"
)

// DateLayout is the controller's dd.MM.yyyy HH:mm:ss timestamp format.
const DateLayout = "02.01.2006 15:04:05"

// Message is a decoded controller frame payload.
type Message struct {
	Command string          `json:"Command"`
	ID      int64           `json:"Id,omitempty"`
	Version int             `json:"Version,omitempty"`
	Data    json.RawMessage `json:"Data,omitempty"`
}

// Request is an outbound controller command. CardNum sits at the top level
// for delcard and cardstatelist, everything else carries its body in Data.
type Request struct {
	Command string `json:"Command"`
	ID      int64  `json:"Id"`
	Version int    `json:"Version"`
	Filter  int    `json:"Filter,omitempty"`
	CardNum any    `json:"CardNum,omitempty"`
	Data    any    `json:"Data,omitempty"`
}

type CardData struct {
	ID         int    `json:"Id"`
	CardNum    int64  `json:"CardNum"`
	TemplateID int    `json:"TemplateId"`
	StartDate  string `json:"StartDate"`
	EndDate    string `json:"EndDate"`
	Action     int    `json:"Action"`
}

type LoadCardData struct {
	CardNum int64 `json:"CardNum"`
	Action  int   `json:"Action"`
}

// EventItem is one entry of an events frame. Pointer fields distinguish a
// missing key from a zero value.
type EventItem struct {
	EvTime *string `json:"EvTime"`
	EvAddr *int64  `json:"EvAddr"`
	EvUser *int64  `json:"EvUser"`
	EvCard *int64  `json:"EvCard"`
	EvCode *int64  `json:"EvCode"`
}

type UserItem struct {
	ID         *int64 `json:"Id"`
	FirstName  string `json:"FirstName"`
	SecondName string `json:"SecondName"`
	LastName   string `json:"LastName"`
}

type AccessPointItem struct {
	ID   *int64 `json:"Id"`
	Name string `json:"Name"`
}

// CardCommand is the broker message asking the bridge to issue or withdraw a card.
type CardCommand struct {
	EventID    int64  `json:"event_id"`
	CardNumber int64  `json:"card_number"`
	EventType  string `json:"event_type"`
}

// EventNotification is published for every stored controller event.
type EventNotification struct {
	NewPacsEventID string `json:"new_pacs_event_id"`
}

// Envelope is pushed to diagnostics panels.
type Envelope struct {
	MsgID     string          `json:"msg_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FormatDate renders t in the controller date format.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a controller timestamp in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, s, loc)
}
