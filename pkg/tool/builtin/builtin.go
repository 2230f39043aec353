// Package builtin provides the tools bundled with the server: a safe
// arithmetic calculator, a text analyzer and a clock.
package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/functiontool"
)

// Register adds all builtin tools to the registry.
func Register(reg *tool.Registry) error {
	for _, build := range []func() (tool.CallableTool, error){
		newCalculator,
		newTextAnalyzer,
		newCurrentTime,
	} {
		t, err := build()
		if err != nil {
			return err
		}
		if err := reg.Register(tool.Descriptor{Category: "builtin", Version: "1.0.0", Author: "maestro"}, t); err != nil {
			return err
		}
	}
	return nil
}

type calculatorArgs struct {
	Expression string `json:"expression" jsonschema:"required,description=Arithmetic expression to evaluate\\, e.g. (2+3)*4"`
}

func newCalculator() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "custom_calculator",
			Description: "Evaluate an arithmetic expression with +, -, *, /, parentheses and decimal numbers",
		},
		func(ctx context.Context, args calculatorArgs) (map[string]any, error) {
			value, err := evalExpression(args.Expression)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"expression": args.Expression,
				"result":     formatNumber(value),
			}, nil
		},
	)
}

type textAnalyzerArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to analyze"`
}

func newTextAnalyzer() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "text_analyzer",
			Description: "Analyze text: character, word and sentence counts plus average word length",
		},
		func(ctx context.Context, args textAnalyzerArgs) (map[string]any, error) {
			return analyzeText(args.Text), nil
		},
	)
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name\\, defaults to UTC"`
}

func newCurrentTime() (tool.CallableTool, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "current_time",
			Description: "Return the current date and time, optionally in a given timezone",
		},
		func(ctx context.Context, args currentTimeArgs) (map[string]any, error) {
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			now := time.Now().In(loc)
			return map[string]any{
				"timezone": loc.String(),
				"iso8601":  now.Format(time.RFC3339),
				"unix":     now.Unix(),
			}, nil
		},
	)
}

func analyzeText(text string) map[string]any {
	words := strings.Fields(text)

	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}

	totalWordLen := 0
	for _, w := range words {
		totalWordLen += len([]rune(w))
	}
	avgWordLen := 0.0
	if len(words) > 0 {
		avgWordLen = float64(totalWordLen) / float64(len(words))
	}

	return map[string]any{
		"characters":      len([]rune(text)),
		"words":           len(words),
		"sentences":       sentences,
		"avg_word_length": avgWordLen,
	}
}

// formatNumber renders integers without a decimal point so "2+2" yields "4".
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// evalExpression evaluates +, -, *, /, unary minus and parentheses with a
// small recursive descent parser. No identifiers, no function calls.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	value, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.input) {
			c := p.input[p.pos]
			if (c < '0' || c > '9') && c != '.' {
				break
			}
			p.pos++
		}
		v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
		}
		return v, nil
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}
