// Package dice evaluates arithmetic dice expressions of the form "NdM±K".
//
// Modifier terms may be integer literals or symbolic identifiers resolved
// from a character's stat block ("1d20 + warmth"). An identifier that does
// not resolve falls back to a neutral modifier of 0 instead of failing the
// roll; callers are expected to surface the fallback in their event log.
//
// Rolling is deterministic with respect to an explicit seed: the same seed
// and expression always produce the same Result. Without a seed a fresh
// random source is used per call.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	ErrEmptyExpression = errors.New("dice: empty expression")
	ErrInvalidSpec     = errors.New("dice: invalid dice specification")
)

// Maximum dice per expression, guards against runaway model output.
const maxDiceCount = 100

// Result records one evaluated expression.
type Result struct {
	Expression string   `json:"expression"`
	Rolls      []int    `json:"rolls"`
	Modifier   int      `json:"modifier"`
	Total      int      `json:"total"`
	// Fallbacks lists identifiers that did not resolve against the stat
	// block and were treated as 0.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

type term struct {
	negative bool
	text     string
}

// Roll evaluates expr. stats resolves symbolic modifier identifiers; seed, if
// non-nil, makes the roll deterministic.
func Roll(expr string, seed *int64, stats map[string]int) (Result, error) {
	terms, err := splitTerms(expr)
	if err != nil {
		return Result{}, err
	}
	if len(terms) == 0 {
		return Result{}, ErrEmptyExpression
	}

	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	res := Result{Expression: expr}
	for _, t := range terms {
		sign := 1
		if t.negative {
			sign = -1
		}
		if count, sides, ok := parseDiceTerm(t.text); ok {
			if count <= 0 || sides <= 0 || count > maxDiceCount {
				return Result{}, fmt.Errorf("%w: %q", ErrInvalidSpec, t.text)
			}
			for i := 0; i < count; i++ {
				v := rng.Intn(sides) + 1
				res.Rolls = append(res.Rolls, v)
				res.Total += sign * v
			}
			continue
		}
		if n, err := strconv.Atoi(t.text); err == nil {
			res.Modifier += sign * n
			res.Total += sign * n
			continue
		}
		if isIdentifier(t.text) {
			v, ok := stats[t.text]
			if !ok {
				res.Fallbacks = append(res.Fallbacks, t.text)
				v = 0
			}
			res.Modifier += sign * v
			res.Total += sign * v
			continue
		}
		return Result{}, fmt.Errorf("%w: unparseable term %q", ErrInvalidSpec, t.text)
	}
	return res, nil
}

// splitTerms breaks "1d20 + warmth - 2" into signed terms.
func splitTerms(expr string) ([]term, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, ErrEmptyExpression
	}
	var terms []term
	cur := strings.Builder{}
	negative := false
	flush := func() error {
		text := strings.TrimSpace(cur.String())
		cur.Reset()
		if text == "" {
			return fmt.Errorf("%w: dangling operator in %q", ErrInvalidSpec, expr)
		}
		terms = append(terms, term{negative: negative, text: text})
		return nil
	}
	for _, r := range s {
		switch r {
		case '+', '-':
			if err := flush(); err != nil {
				return nil, err
			}
			negative = r == '-'
		default:
			cur.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return terms, nil
}

// parseDiceTerm recognizes "NdM" with optional N (default 1), case-insensitive.
func parseDiceTerm(text string) (count, sides int, ok bool) {
	lower := strings.ToLower(text)
	idx := strings.IndexByte(lower, 'd')
	if idx < 0 {
		return 0, 0, false
	}
	countPart := strings.TrimSpace(lower[:idx])
	sidesPart := strings.TrimSpace(lower[idx+1:])
	if countPart == "" {
		count = 1
	} else {
		n, err := strconv.Atoi(countPart)
		if err != nil {
			return 0, 0, false
		}
		count = n
	}
	n, err := strconv.Atoi(sidesPart)
	if err != nil {
		return 0, 0, false
	}
	return count, n, true
}

func isIdentifier(text string) bool {
	if text == "" {
		return false
	}
	for i, r := range text {
		if unicode.IsLetter(r) || r == '_' {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
