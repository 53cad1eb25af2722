package state

import (
	"cmp"
	"slices"

	"github.com/mcdev12/eshlive/go/internal/live/countdown"
	"github.com/mcdev12/eshlive/go/internal/live/events"
	"github.com/mcdev12/eshlive/go/internal/live/feed"
)

// User is a roster entry
type User struct {
	UserID   string  `json:"user_id"`
	Username *string `json:"username,omitempty"`
	IsAdmin  bool    `json:"is_admin"`
	Balance  int64   `json:"balance"`
}

// LeaderboardEntry is one ranked row
type LeaderboardEntry struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// State holds the projections that reducers own. The chat feed and the
// countdown display live in their own managers and are joined in Snapshot.
type State struct {
	Roster      map[string]User
	Leaderboard []LeaderboardEntry
	Pinned      *string
	Timer       events.TimerState
}

// Snapshot is a consistent, caller-owned copy of everything a surface renders
type Snapshot struct {
	Roster      map[string]User    `json:"roster"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	ChatFeed    []feed.Message     `json:"chat_feed"`
	Pinned      *string            `json:"pinned,omitempty"`
	Timer       events.TimerState  `json:"timer"`
	Countdown   countdown.Display  `json:"countdown"`
	Connected   bool               `json:"connected"`
	Version     uint64             `json:"version"`
}

// SortLeaderboard orders entries by balance, highest first. Equal balances are
// ordered by user id so the ranking does not depend on arrival order.
func SortLeaderboard(entries []LeaderboardEntry) {
	slices.SortStableFunc(entries, func(a, b LeaderboardEntry) int {
		if c := cmp.Compare(b.Balance, a.Balance); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

func clampBalance(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func (s State) clone() State {
	out := State{
		Roster:      make(map[string]User, len(s.Roster)),
		Leaderboard: slices.Clone(s.Leaderboard),
		Timer:       cloneTimer(s.Timer),
	}
	for id, u := range s.Roster {
		out.Roster[id] = u
	}
	if s.Pinned != nil {
		p := *s.Pinned
		out.Pinned = &p
	}
	return out
}

func cloneTimer(t events.TimerState) events.TimerState {
	t.EndTime = copyFloat(t.EndTime)
	t.PausedAt = copyFloat(t.PausedAt)
	t.ServerTime = copyFloat(t.ServerTime)
	return t
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
