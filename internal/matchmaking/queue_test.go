package matchmaking_test

import (
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/matchmaking"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, opts ...matchmaking.Option) *matchmaking.Queue {
	t.Helper()
	q := matchmaking.New(logger.Discard(), append([]matchmaking.Option{matchmaking.WithSweepInterval(0)}, opts...)...)
	t.Cleanup(q.Stop)
	return q
}

// TestFindOpponent 兩人同題型配對後隊列清空，再找一次找不到
func TestFindOpponent(t *testing.T) {
	for _, caller := range []string{"alice", "bob"} {
		t.Run(caller, func(t *testing.T) {
			q := newQueue(t)
			q.Add("alice", "Alice", question.OpAddition)
			q.Add("bob", "Bob", question.OpAddition)

			opp, ok := q.FindOpponent(caller, question.OpAddition)
			require.True(t, ok)
			assert.NotEqual(t, caller, opp.PlayerID)
			assert.Zero(t, q.Len())

			_, ok = q.FindOpponent(caller, question.OpAddition)
			assert.False(t, ok)
		})
	}
}

func TestFindOpponent_Rules(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(q *matchmaking.Queue)
		caller  string
		op      question.Operation
		wantID  string
		wantOK  bool
		wantLen int
	}{
		{
			name:    "empty queue",
			setup:   func(q *matchmaking.Queue) {},
			caller:  "alice",
			op:      question.OpAddition,
			wantOK:  false,
			wantLen: 0,
		},
		{
			name: "never matches self",
			setup: func(q *matchmaking.Queue) {
				q.Add("alice", "Alice", question.OpAddition)
			},
			caller:  "alice",
			op:      question.OpAddition,
			wantOK:  false,
			wantLen: 1,
		},
		{
			name: "operation must match",
			setup: func(q *matchmaking.Queue) {
				q.Add("bob", "Bob", question.OpDivision)
			},
			caller:  "alice",
			op:      question.OpAddition,
			wantOK:  false,
			wantLen: 1,
		},
		{
			name: "first in insertion order wins",
			setup: func(q *matchmaking.Queue) {
				q.Add("bob", "Bob", question.OpAddition)
				q.Add("carol", "Carol", question.OpDivision)
				q.Add("dave", "Dave", question.OpAddition)
			},
			caller:  "alice",
			op:      question.OpAddition,
			wantID:  "bob",
			wantOK:  true,
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			tt.setup(q)

			opp, ok := q.FindOpponent(tt.caller, tt.op)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, opp.PlayerID)
			assert.Equal(t, tt.wantLen, q.Len())
		})
	}
}

// TestAdd_Upsert 重複加入覆蓋舊項目並移到隊尾
func TestAdd_Upsert(t *testing.T) {
	q := newQueue(t)
	q.Add("alice", "Alice", question.OpAddition)
	q.Add("bob", "Bob", question.OpAddition)
	q.Add("alice", "Alice 2", question.OpMultiplication)

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].PlayerID)
	assert.Equal(t, "alice", entries[1].PlayerID)
	assert.Equal(t, "Alice 2", entries[1].PlayerName)
	assert.Equal(t, question.OpMultiplication, entries[1].Operation)
}

func TestRemove(t *testing.T) {
	q := newQueue(t)
	q.Add("alice", "Alice", question.OpAddition)

	assert.True(t, q.Remove("alice"))
	assert.False(t, q.Remove("alice"))
	assert.Zero(t, q.Len())
}

// TestSweep 超過 5 分鐘的項目被清除
func TestSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	q := newQueue(t, matchmaking.WithClock(clock))
	q.Add("alice", "Alice", question.OpAddition)
	advance(3 * time.Minute)
	q.Add("bob", "Bob", question.OpAddition)
	advance(3 * time.Minute)

	assert.Equal(t, 1, q.Sweep())
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].PlayerID)
}

// TestConcurrentMatching 同時配對時每個玩家最多被配對一次
func TestConcurrentMatching(t *testing.T) {
	q := newQueue(t)
	const n = 100
	for i := range n {
		q.Add(string(rune('A'+i%26))+string(rune('a'+i/26)), "P", question.OpAddition)
	}

	var (
		mu      sync.Mutex
		matched = map[string]int{}
		wg      sync.WaitGroup
	)
	for _, e := range q.Entries() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if opp, ok := q.FindOpponent(id, question.OpAddition); ok {
				mu.Lock()
				matched[opp.PlayerID]++
				mu.Unlock()
			}
		}(e.PlayerID)
	}
	wg.Wait()

	for id, count := range matched {
		assert.Equal(t, 1, count, id)
	}
}
