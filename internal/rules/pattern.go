package rules

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidPattern = errors.New("invalid rule pattern")

type PatternKind int

const (
	PatternLiteral PatternKind = iota + 1
	PatternRegex
)

func (k PatternKind) String() string {
	if k == PatternRegex {
		return "regex"
	}
	return "literal"
}

// Pattern is either an exact literal or a compiled regular expression.
// It is resolved once when the rule is loaded.
type Pattern struct {
	kind    PatternKind
	literal string
	re      *regexp.Regexp
}

func Literal(s string) Pattern {
	return Pattern{kind: PatternLiteral, literal: s}
}

func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return Pattern{kind: PatternRegex, re: re}, nil
}

// ParsePattern builds a pattern of the named kind ("literal" or "regex").
func ParsePattern(kind, expr string) (Pattern, error) {
	switch kind {
	case "", "literal":
		return Literal(expr), nil
	case "regex":
		return Regex(expr)
	default:
		return Pattern{}, fmt.Errorf("%w: unknown pattern type %q", ErrInvalidPattern, kind)
	}
}

func (p Pattern) Kind() PatternKind { return p.kind }

func (p Pattern) IsZero() bool { return p.kind == 0 }

func (p Pattern) Match(s string) bool {
	switch p.kind {
	case PatternLiteral:
		return s == p.literal
	case PatternRegex:
		return p.re.MatchString(s)
	default:
		return false
	}
}

func (p Pattern) String() string {
	switch p.kind {
	case PatternLiteral:
		return p.literal
	case PatternRegex:
		return p.re.String()
	default:
		return ""
	}
}
