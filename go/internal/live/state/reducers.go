package state

import (
	"github.com/mcdev12/eshlive/go/internal/live/events"
)

// reducer is a pure projection update. It must not retain or mutate its input.
type reducer func(State, events.Event) State

// effect hands an event to a manager the store owns (chat feed, countdown)
type effect func(*Store, events.Event)

type handler struct {
	reduce reducer
	effect effect
}

var handlers = map[events.Kind]handler{
	events.KindUsersUpdate: {reduce: reduceUsersUpdate},
	events.KindLeaderboard: {reduce: reduceLeaderboard},
	events.KindMessage:     {effect: appendMessage},
	events.KindPinned:      {reduce: reducePinned},
	events.KindPinRemoved:  {reduce: reducePinRemoved},
	events.KindCoinsUpdate: {reduce: reduceCoinsUpdate},
	events.KindTimerUpdate: {reduce: reduceTimerUpdate, effect: resetCountdown},
}

// valueOf unwraps pointer events into the value types the reducers match on.
// A nil pointer yields nil.
func valueOf(ev events.Event) events.Event {
	switch e := ev.(type) {
	case *events.UsersUpdate:
		return deref(e)
	case *events.Leaderboard:
		return deref(e)
	case *events.Message:
		return deref(e)
	case *events.Pinned:
		return deref(e)
	case *events.PinRemoved:
		return deref(e)
	case *events.CoinsUpdate:
		return deref(e)
	case *events.TimerUpdate:
		return deref(e)
	}
	return ev
}

func deref[T events.Event](p *T) events.Event {
	if p == nil {
		return nil
	}
	return *p
}

func reduceUsersUpdate(s State, ev events.Event) State {
	e, ok := ev.(events.UsersUpdate)
	if !ok {
		return s
	}
	out := s.clone()
	out.Roster = make(map[string]User, len(e.Users))
	for _, u := range e.Users {
		if u.UserID == "" {
			continue
		}
		out.Roster[u.UserID] = User{
			UserID:   u.UserID,
			Username: u.Username,
			IsAdmin:  u.IsAdmin,
			Balance:  clampBalance(u.Balance),
		}
	}
	return out
}

func reduceLeaderboard(s State, ev events.Event) State {
	e, ok := ev.(events.Leaderboard)
	if !ok {
		return s
	}
	out := s.clone()
	out.Leaderboard = make([]LeaderboardEntry, 0, len(e.Users))
	for _, u := range e.Users {
		out.Leaderboard = append(out.Leaderboard, LeaderboardEntry{
			UserID:   u.UserID,
			Username: u.Username,
			Balance:  clampBalance(u.Balance),
		})
	}
	SortLeaderboard(out.Leaderboard)
	return out
}

func reducePinned(s State, ev events.Event) State {
	e, ok := ev.(events.Pinned)
	if !ok {
		return s
	}
	out := s.clone()
	if e.Text == nil {
		out.Pinned = nil
		return out
	}
	text := *e.Text
	out.Pinned = &text
	return out
}

func reducePinRemoved(s State, _ events.Event) State {
	out := s.clone()
	out.Pinned = nil
	return out
}

// reduceCoinsUpdate patches one user's balance wherever that user appears
func reduceCoinsUpdate(s State, ev events.Event) State {
	e, ok := ev.(events.CoinsUpdate)
	if !ok {
		return s
	}
	out := s.clone()
	balance := clampBalance(e.Balance)

	if u, ok := out.Roster[e.UserID]; ok {
		u.Balance = balance
		out.Roster[e.UserID] = u
	}

	patched := false
	for i := range out.Leaderboard {
		if out.Leaderboard[i].UserID == e.UserID {
			out.Leaderboard[i].Balance = balance
			patched = true
		}
	}
	if patched {
		SortLeaderboard(out.Leaderboard)
	}
	return out
}

func reduceTimerUpdate(s State, ev events.Event) State {
	e, ok := ev.(events.TimerUpdate)
	if !ok {
		return s
	}
	out := s.clone()
	out.Timer = cloneTimer(e.State)
	return out
}

func appendMessage(s *Store, ev events.Event) {
	e, ok := ev.(events.Message)
	if !ok {
		return
	}
	s.feed.Append(e.From, e.Text, e.IsAdmin)
}

func resetCountdown(s *Store, ev events.Event) {
	e, ok := ev.(events.TimerUpdate)
	if !ok {
		return
	}
	s.countdown.Reset(e.State)
}
