package question

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
)

const (
	// MaxCount 單局最多題數
	MaxCount = 50

	// 第二個運算元的範圍（1-12，乘法表）
	maxFactor = 12
)

// 換算題使用的分母（結果都是有限小數）
var conversionDenominators = []int{2, 4, 5, 8, 10, 20, 25}

// Generator 題目產生器介面
type Generator interface {
	Generate(op Operation, selectedOperands []int, count int) ([]Question, error)
}

// RandomGenerator 隨機題目產生器
//
// *rand.Rand 不是並發安全的，用 mutex 保護（多個房間可能同時開局）。
type RandomGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator 創建隨機題目產生器
func NewGenerator() *RandomGenerator {
	return &RandomGenerator{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeededGenerator 創建固定種子的產生器（測試用，結果可重現）
func NewSeededGenerator(seed uint64) *RandomGenerator {
	return &RandomGenerator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Generate 產生 count 道題目
//
// selectedOperands 為玩家選擇的第一運算元集合（如乘法表的 2、5、9）；
// 空集合時使用 1-12。換算題的運算元視為分母，僅接受能整除成有限小數的分母。
func (g *RandomGenerator) Generate(op Operation, selectedOperands []int, count int) ([]Question, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unsupported operation: %q", op)
	}
	if count < 1 || count > MaxCount {
		return nil, fmt.Errorf("question count must be between 1 and %d", MaxCount)
	}

	operands := normalizeOperands(op, selectedOperands)

	g.mu.Lock()
	defer g.mu.Unlock()

	questions := make([]Question, 0, count)
	for range count {
		a := operands[g.rng.IntN(len(operands))]
		b := g.rng.IntN(maxFactor) + 1
		questions = append(questions, build(op, a, b, g.rng))
	}
	return questions, nil
}

// normalizeOperands 過濾不合法的運算元
func normalizeOperands(op Operation, selected []int) []int {
	if op.Family() == FamilyConversion {
		allowed := make(map[int]bool, len(conversionDenominators))
		for _, d := range conversionDenominators {
			allowed[d] = true
		}
		var out []int
		for _, v := range selected {
			if allowed[v] {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			return conversionDenominators
		}
		return out
	}

	var out []int
	for _, v := range selected {
		if v >= 1 && v <= 100 {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = make([]int, maxFactor)
		for i := range out {
			out[i] = i + 1
		}
	}
	return out
}

// build 依題目類型組裝題目
func build(op Operation, a, b int, rng *rand.Rand) Question {
	q := Question{Operation: op, Num1: a, Num2: b}

	switch op {
	case OpAddition:
		q.Display = fmt.Sprintf("%d + %d", a, b)
		q.Answer = NumberAnswer(float64(a + b))
	case OpSubtraction:
		// 被減數 = a + b，保證結果非負
		q.Num1 = a + b
		q.Num2 = a
		q.Display = fmt.Sprintf("%d - %d", a+b, a)
		q.Answer = NumberAnswer(float64(b))
	case OpMultiplication:
		q.Display = fmt.Sprintf("%d × %d", a, b)
		q.Answer = NumberAnswer(float64(a * b))
	case OpDivision:
		// 被除數 = a × b，保證整除
		q.Num1 = a * b
		q.Num2 = a
		q.Display = fmt.Sprintf("%d ÷ %d", a*b, a)
		q.Answer = NumberAnswer(float64(b))
	case OpSquares:
		q.Num2 = 0
		q.Display = fmt.Sprintf("%d²", a)
		q.Answer = NumberAnswer(float64(a * a))
	case OpSquareRoots:
		q.Num1 = a * a
		q.Num2 = 0
		q.Display = fmt.Sprintf("√%d", a*a)
		q.Answer = NumberAnswer(float64(a))
	default:
		// 換算題：a 為分母，分子取 1..a-1
		num := rng.IntN(a-1) + 1
		q.Num1 = num
		q.Num2 = a
		decimal := float64(num) / float64(a)
		percent := float64(num*100) / float64(a)
		fraction := reduce(num, a)

		switch op {
		case OpFractionToDecimal:
			q.Display = fmt.Sprintf("%d/%d = ? (decimal)", num, a)
			q.Answer = NumberAnswer(decimal)
		case OpDecimalToFraction:
			q.Display = fmt.Sprintf("%s = ? (fraction)", strconv.FormatFloat(decimal, 'f', -1, 64))
			q.Answer = TextAnswer(fraction)
		case OpFractionToPercent:
			q.Display = fmt.Sprintf("%d/%d = ?%%", num, a)
			q.Answer = NumberAnswer(percent)
		case OpPercentToFraction:
			q.Display = fmt.Sprintf("%s%% = ? (fraction)", strconv.FormatFloat(percent, 'f', -1, 64))
			q.Answer = TextAnswer(fraction)
		}
	}

	return q
}

// reduce 約分並輸出 "n/d"
func reduce(num, den int) string {
	g := gcd(num, den)
	return fmt.Sprintf("%d/%d", num/g, den/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
