// Package aiopponent 模擬 AI 對手的完整作答過程
//
// 純函數、無狀態、無 I/O：給定難度設定與題目，
// 逐題以 Bernoulli 試驗決定答對與否，並累加均勻取樣的思考時間。
// 只在建立 AI 對戰房間（或估算 AI 進度）時呼叫。
package aiopponent

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/question"
)

// Difficulty AI 難度
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// Profile 難度設定
type Profile struct {
	Difficulty Difficulty    `json:"difficulty"`
	Accuracy   float64       `json:"accuracy"` // 每題答對機率 0..1
	MinThink   time.Duration `json:"minThink"`
	MaxThink   time.Duration `json:"maxThink"`
}

var profiles = map[Difficulty]Profile{
	Easy:   {Difficulty: Easy, Accuracy: 0.6, MinThink: 3 * time.Second, MaxThink: 6 * time.Second},
	Medium: {Difficulty: Medium, Accuracy: 0.8, MinThink: 2 * time.Second, MaxThink: 4 * time.Second},
	Hard:   {Difficulty: Hard, Accuracy: 0.95, MinThink: 1 * time.Second, MaxThink: 2500 * time.Millisecond},
}

// ProfileFor 取得難度設定
func ProfileFor(d Difficulty) (Profile, bool) {
	p, ok := profiles[d]
	return p, ok
}

// Playthrough 一次完整的 AI 作答
type Playthrough struct {
	Answers   []question.Answer `json:"answers"`
	Correct   []bool            `json:"correct"`
	Elapsed   []time.Duration   `json:"elapsed"` // 每題作答完成時的累計時間
	TotalTime time.Duration     `json:"totalTime"`
	Score     int               `json:"score"`
}

// Simulate 模擬 AI 作答全部題目
//
// rng 為 nil 時使用隨機種子。
func Simulate(p Profile, questions []question.Question, rng *rand.Rand) Playthrough {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	pt := Playthrough{
		Answers: make([]question.Answer, 0, len(questions)),
		Correct: make([]bool, 0, len(questions)),
		Elapsed: make([]time.Duration, 0, len(questions)),
	}

	for _, q := range questions {
		pt.TotalTime += thinkTime(p, rng)

		correct := rng.Float64() < p.Accuracy
		if correct {
			pt.Answers = append(pt.Answers, q.Answer)
			pt.Score++
		} else {
			pt.Answers = append(pt.Answers, wrongAnswer(q, rng))
		}
		pt.Correct = append(pt.Correct, correct)
		pt.Elapsed = append(pt.Elapsed, pt.TotalTime)
	}

	return pt
}

// ProgressAt 估算開局後 elapsed 時已完成的題數
func (pt Playthrough) ProgressAt(elapsed time.Duration) int {
	// Elapsed 單調遞增，二分搜尋第一個 > elapsed 的位置
	return sort.Search(len(pt.Elapsed), func(i int) bool {
		return pt.Elapsed[i] > elapsed
	})
}

// ScoreAt 估算開局後 elapsed 時的得分
func (pt Playthrough) ScoreAt(elapsed time.Duration) int {
	score := 0
	for i := range pt.ProgressAt(elapsed) {
		if pt.Correct[i] {
			score++
		}
	}
	return score
}

// thinkTime 在 [MinThink, MaxThink] 內均勻取樣（毫秒精度）
func thinkTime(p Profile, rng *rand.Rand) time.Duration {
	minMS := p.MinThink.Milliseconds()
	spread := p.MaxThink.Milliseconds() - minMS
	if spread <= 0 {
		return p.MinThink
	}
	return time.Duration(minMS+rng.Int64N(spread+1)) * time.Millisecond
}

// wrongAnswer 產生看起來合理的錯誤答案
//
// 數字答案偏移 ±1..3（結果為負時改為正向偏移）；
// 文字答案（分數換算）按題目家族使用固定的錯誤值。
func wrongAnswer(q question.Question, rng *rand.Rand) question.Answer {
	if q.Answer.IsNumeric() {
		delta := float64(rng.IntN(3) + 1)
		v := q.Answer.Number()
		if rng.IntN(2) == 0 && v-delta >= 0 {
			return question.NumberAnswer(v - delta)
		}
		return question.NumberAnswer(v + delta)
	}

	fallback := fallbackWrong[q.Operation.Family()]
	if fallback == "" {
		fallback = "0"
	}
	wrong := question.TextAnswer(fallback)
	if wrong.Equal(q.Answer) {
		return question.TextAnswer(alternateWrong)
	}
	return wrong
}

var fallbackWrong = map[question.Family]string{
	question.FamilyConversion: "1/2",
	question.FamilyArithmetic: "0",
	question.FamilyPowers:     "0",
}

// 備用錯誤值與正確答案相同時的替代值
const alternateWrong = "1/3"
