package aiopponent_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/aiopponent"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func questions(t *testing.T, op question.Operation, n int) []question.Question {
	t.Helper()
	qs, err := question.NewSeededGenerator(1).Generate(op, nil, n)
	require.NoError(t, err)
	return qs
}

// TestSimulate_PerfectAccuracy 準確率 1.0 時全對
func TestSimulate_PerfectAccuracy(t *testing.T) {
	qs := questions(t, question.OpMultiplication, 15)
	profile := aiopponent.Profile{Accuracy: 1.0, MinThink: time.Second, MaxThink: 2 * time.Second}

	pt := aiopponent.Simulate(profile, qs, rand.New(rand.NewPCG(1, 2)))

	assert.Equal(t, len(qs), pt.Score)
	require.Len(t, pt.Answers, len(qs))
	for i, q := range qs {
		assert.True(t, pt.Answers[i].Equal(q.Answer), "question %d", i)
	}
}

// TestSimulate_ZeroAccuracy 準確率 0 時全錯，且錯誤答案與正確答案不同
func TestSimulate_ZeroAccuracy(t *testing.T) {
	for _, op := range []question.Operation{question.OpAddition, question.OpDecimalToFraction, question.OpPercentToFraction} {
		t.Run(string(op), func(t *testing.T) {
			qs := questions(t, op, 20)
			pt := aiopponent.Simulate(aiopponent.Profile{Accuracy: 0}, qs, rand.New(rand.NewPCG(3, 4)))

			assert.Zero(t, pt.Score)
			for i, q := range qs {
				assert.False(t, pt.Answers[i].Equal(q.Answer), "question %d", i)
				if q.Answer.IsNumeric() {
					diff := pt.Answers[i].Number() - q.Answer.Number()
					if diff < 0 {
						diff = -diff
					}
					assert.GreaterOrEqual(t, diff, 1.0)
					assert.LessOrEqual(t, diff, 3.0)
				}
			}
		})
	}
}

// TestSimulate_ThinkTime 測試思考時間落在設定範圍內且單調累加
func TestSimulate_ThinkTime(t *testing.T) {
	qs := questions(t, question.OpAddition, 10)
	profile, ok := aiopponent.ProfileFor(aiopponent.Medium)
	require.True(t, ok)

	pt := aiopponent.Simulate(profile, qs, nil)

	var prev time.Duration
	for _, e := range pt.Elapsed {
		step := e - prev
		assert.GreaterOrEqual(t, step, profile.MinThink)
		assert.LessOrEqual(t, step, profile.MaxThink)
		prev = e
	}
	assert.Equal(t, prev, pt.TotalTime)
	assert.LessOrEqual(t, pt.Score, len(qs))
}

// TestPlaythrough_ProgressAt 測試進度估算
func TestPlaythrough_ProgressAt(t *testing.T) {
	pt := aiopponent.Playthrough{
		Correct: []bool{true, false, true},
		Elapsed: []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second},
	}

	assert.Equal(t, 0, pt.ProgressAt(time.Second))
	assert.Equal(t, 1, pt.ProgressAt(2*time.Second))
	assert.Equal(t, 2, pt.ProgressAt(5*time.Second))
	assert.Equal(t, 3, pt.ProgressAt(time.Minute))

	assert.Equal(t, 1, pt.ScoreAt(5*time.Second))
	assert.Equal(t, 2, pt.ScoreAt(time.Minute))
}

// TestProfileFor 測試未知難度
func TestProfileFor(t *testing.T) {
	_, ok := aiopponent.ProfileFor("impossible")
	assert.False(t, ok)

	hard, ok := aiopponent.ProfileFor(aiopponent.Hard)
	require.True(t, ok)
	assert.Greater(t, hard.Accuracy, 0.9)
}
