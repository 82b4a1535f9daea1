package raft

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestQuorumMatchIndex(t *testing.T) {
	tests := []struct {
		name    string
		matches []uint64
		want    uint64
	}{
		{"no voters", nil, 0},
		{"single voter", []uint64{7}, 7},
		{"three voters", []uint64{5, 9, 3}, 5},
		{"four voters need three", []uint64{10, 10, 4, 2}, 4},
		{"five voters", []uint64{1, 8, 8, 6, 2}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quorumMatchIndex(tt.matches); got != tt.want {
				t.Errorf("quorumMatchIndex(%v) = %d, want %d", tt.matches, got, tt.want)
			}
		})
	}
}

// TestQuorumMatchIndex_Property checks that the result is stored on a
// majority and that no larger index is.
func TestQuorumMatchIndex_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		matches := rapid.SliceOfN(rapid.Uint64Range(0, 100), 1, 9).Draw(t, "matches")
		got := quorumMatchIndex(matches)
		quorum := calculateQuorum(len(matches))

		count := func(idx uint64) int {
			n := 0
			for _, m := range matches {
				if m >= idx {
					n++
				}
			}
			return n
		}
		if count(got) < quorum {
			t.Fatalf("index %d is on %d of %d voters, below quorum %d", got, count(got), len(matches), quorum)
		}
		for _, m := range matches {
			if m > got && count(m) >= quorum {
				t.Fatalf("index %d is on a majority but %d was returned", m, got)
			}
		}
		before := append([]uint64(nil), matches...)
		quorumMatchIndex(matches)
		for i := range matches {
			if matches[i] != before[i] {
				t.Fatal("quorumMatchIndex reordered its input")
			}
		}
	})
}

func TestBackoff(t *testing.T) {
	r := &Raft{config: Config{HeartbeatTimeout: 50 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{5, 100 * time.Millisecond},
		{60, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := r.backoff(tt.failures); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
