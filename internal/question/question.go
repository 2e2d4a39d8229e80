// Package question 產生算術題目
//
// 對房間核心而言這是一個黑盒協作者：
//
//	Generate(operation, selectedOperands, count) → []Question
//
// 題目產生後不再修改（房間、AI 模擬器只讀取）。
package question

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operation 題目類型
type Operation string

const (
	OpAddition          Operation = "addition"
	OpSubtraction       Operation = "subtraction"
	OpMultiplication    Operation = "multiplication"
	OpDivision          Operation = "division"
	OpSquares           Operation = "squares"
	OpSquareRoots       Operation = "square-roots"
	OpFractionToDecimal Operation = "fraction-to-decimal"
	OpDecimalToFraction Operation = "decimal-to-fraction"
	OpFractionToPercent Operation = "fraction-to-percent"
	OpPercentToFraction Operation = "percent-to-fraction"
)

// Family 題目家族（AI 答錯時的備用答案按家族區分）
type Family string

const (
	FamilyArithmetic Family = "arithmetic"
	FamilyPowers     Family = "powers"
	FamilyConversion Family = "conversion"
)

// Valid 檢查是否為支援的題目類型
func (op Operation) Valid() bool {
	switch op {
	case OpAddition, OpSubtraction, OpMultiplication, OpDivision,
		OpSquares, OpSquareRoots,
		OpFractionToDecimal, OpDecimalToFraction, OpFractionToPercent, OpPercentToFraction:
		return true
	}
	return false
}

// Family 返回題目所屬家族
func (op Operation) Family() Family {
	switch op {
	case OpSquares, OpSquareRoots:
		return FamilyPowers
	case OpFractionToDecimal, OpDecimalToFraction, OpFractionToPercent, OpPercentToFraction:
		return FamilyConversion
	default:
		return FamilyArithmetic
	}
}

// Question 單一題目
type Question struct {
	Operation Operation `json:"operation"`
	Display   string    `json:"question"`
	Answer    Answer    `json:"answer"`
	Num1      int       `json:"num1,omitempty"`
	Num2      int       `json:"num2,omitempty"`
}

// Answer 題目答案：數字（如 42、0.75）或文字（如 "3/4"）
//
// JSON 編碼保持原始型別：數字編碼為 number，文字編碼為 string。
type Answer struct {
	number  float64
	text    string
	numeric bool
}

// NumberAnswer 建立數字答案
func NumberAnswer(v float64) Answer {
	return Answer{number: v, numeric: true}
}

// TextAnswer 建立文字答案
func TextAnswer(s string) Answer {
	return Answer{text: s}
}

// IsNumeric 是否為數字答案
func (a Answer) IsNumeric() bool { return a.numeric }

// Number 數字值（文字答案返回 0）
func (a Answer) Number() float64 { return a.number }

// String 答案的顯示字串
func (a Answer) String() string {
	if a.numeric {
		return strconv.FormatFloat(a.number, 'f', -1, 64)
	}
	return a.text
}

// Equal 比較兩個答案
//
// 數字答案與可解析為相同數字的文字答案視為相等（玩家輸入 "12" 對 12）。
func (a Answer) Equal(b Answer) bool {
	if a.numeric && b.numeric {
		return a.number == b.number
	}
	if a.numeric != b.numeric {
		n, t := a, b
		if b.numeric {
			n, t = b, a
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(t.text), 64)
		return err == nil && v == n.number
	}
	return strings.EqualFold(strings.TrimSpace(a.text), strings.TrimSpace(b.text))
}

// MarshalJSON 實現 json.Marshaler
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.numeric {
		if math.IsNaN(a.number) || math.IsInf(a.number, 0) {
			return nil, fmt.Errorf("answer is not a finite number")
		}
		return []byte(a.String()), nil
	}
	return json.Marshal(a.text)
}

// UnmarshalJSON 實現 json.Unmarshaler（接受 number 或 string）
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Answer{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = TextAnswer(s)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("answer must be a number or string: %w", err)
	}
	*a = NumberAnswer(v)
	return nil
}
