package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// whose payload does not match their declared kind.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownKind is returned for well-formed frames with a type this
	// client does not know about.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Kind is the discriminant carried in the "type" field of every frame
type Kind string

const (
	KindUsersUpdate Kind = "users_update"
	KindLeaderboard Kind = "leaderboard"
	KindMessage     Kind = "message"
	KindPinned      Kind = "pinned"
	KindPinRemoved  Kind = "pin_removed"
	KindCoinsUpdate Kind = "coins_update"
	KindTimerUpdate Kind = "timer_update"
)

// Event is implemented by every decoded frame type
type Event interface {
	Kind() Kind
}

// User is a roster row as sent by users_update
type User struct {
	UserID   string  `json:"user_id"`
	Username *string `json:"username"`
	IsAdmin  bool    `json:"is_admin"`
	Balance  int64   `json:"esh"`
}

// LeaderboardUser is a leaderboard row
type LeaderboardUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"esh"`
}

// TimerState mirrors the server's timer object. Times are unix seconds.
type TimerState struct {
	EndTime   *float64 `json:"end_time"`
	Duration  float64  `json:"duration"`
	PausedAt  *float64 `json:"paused_at"`
	IsRunning bool     `json:"is_running"`
	// ServerTime is optional; when present it is used to correct for clock skew.
	ServerTime *float64 `json:"server_time,omitempty"`
}

type UsersUpdate struct {
	Users []User `json:"users"`
}

type Leaderboard struct {
	Users []LeaderboardUser `json:"users"`
}

type Message struct {
	From    string `json:"from"`
	Text    string `json:"text"`
	IsAdmin bool   `json:"is_admin"`
}

// Pinned sets the announcement. A null text is treated as a clear.
type Pinned struct {
	Text *string `json:"text"`
}

type PinRemoved struct{}

type CoinsUpdate struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"esh"`
}

type TimerUpdate struct {
	State TimerState `json:"state"`
}

func (UsersUpdate) Kind() Kind { return KindUsersUpdate }
func (Leaderboard) Kind() Kind { return KindLeaderboard }
func (Message) Kind() Kind     { return KindMessage }
func (Pinned) Kind() Kind      { return KindPinned }
func (PinRemoved) Kind() Kind  { return KindPinRemoved }
func (CoinsUpdate) Kind() Kind { return KindCoinsUpdate }
func (TimerUpdate) Kind() Kind { return KindTimerUpdate }

// Kinds lists every kind the decoder understands
func Kinds() []Kind {
	return []Kind{
		KindUsersUpdate,
		KindLeaderboard,
		KindMessage,
		KindPinned,
		KindPinRemoved,
		KindCoinsUpdate,
		KindTimerUpdate,
	}
}

// Decode parses a raw text frame into a typed event.
// The returned error wraps ErrMalformed or ErrUnknownKind.
func Decode(frame []byte) (Event, error) {
	var header struct {
		Type *Kind `json:"type"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if header.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *header.Type {
	case KindUsersUpdate:
		return decodeAs[UsersUpdate](frame)
	case KindLeaderboard:
		return decodeAs[Leaderboard](frame)
	case KindMessage:
		return decodeAs[Message](frame)
	case KindPinned:
		return decodeAs[Pinned](frame)
	case KindPinRemoved:
		return PinRemoved{}, nil
	case KindCoinsUpdate:
		var ev CoinsUpdate
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("%w: coins_update payload: %v", ErrMalformed, err)
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("%w: coins_update without user_id", ErrMalformed)
		}
		return ev, nil
	case KindTimerUpdate:
		return decodeAs[TimerUpdate](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(*header.Type))
	}
}

func decodeAs[T Event](frame []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, ev.Kind(), err)
	}
	return ev, nil
}

// Encode renders an event back into its wire form, including the type field.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal %s fields: %w", ev.Kind(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	kind, _ := json.Marshal(ev.Kind())
	fields["type"] = kind

	return json.Marshal(fields)
}
