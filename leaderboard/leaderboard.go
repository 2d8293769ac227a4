// Package leaderboard keeps a population ordered by value for percentile ranking.
package leaderboard

import "rewardkit/core"

// Entry is one ranked user. Seq is the record sequence used to break ties;
// lower sequences rank first.
type Entry struct {
	User  core.UserID
	Score float64
	Seq   int64
}

// Board abstracts ranking operations.
type Board interface {
	Update(e Entry)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Rank(user core.UserID) (int, bool)
	Len() int
}
