package backtest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/quantdesk/quantdesk/internal/marketdata"
)

// The indicator script is a small expression language over candle
// columns. Each line assigns a named series:
//
//	fast = EMA(close, 5)
//	slow = EMA(close, 20)
//	buy  = CROSSOVER(fast, slow) AND RSI(close, 14) < 70
//	sell = CROSSUNDER(fast, slow)
//
// The produced signal columns are either buy/sell or the 4-way set
// open_long/close_long/open_short/close_short. Evaluation is bounded
// by a wall-clock budget.

// DefaultScriptBudget bounds a single signal-generation pass
const DefaultScriptBudget = 15 * time.Second

// Signals are per-bar entry/exit triggers aligned to the candle array
type Signals struct {
	OpenLong   []bool
	CloseLong  []bool
	OpenShort  []bool
	CloseShort []bool
}

// Len returns the number of bars the signals cover
func (s *Signals) Len() int { return len(s.OpenLong) }

// GenerateSignals runs the indicator script against the candles and
// extracts the signal columns
func GenerateSignals(code string, bars []marketdata.Bar, budget time.Duration) (*Signals, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty indicator script")
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no candles to evaluate")
	}
	if budget <= 0 {
		budget = DefaultScriptBudget
	}

	stmts, err := parseScript(code)
	if err != nil {
		return nil, err
	}

	ev := newEvaluator(bars, time.Now().Add(budget))
	for _, st := range stmts {
		v, err := ev.eval(st.expr)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", st.line, err)
		}
		ev.vars[st.name] = v
	}
	return ev.extractSignals(len(bars))
}

type statement struct {
	name string
	line int
	expr node
}

type node interface{}

type numNode struct{ value float64 }

type identNode struct{ name string }

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op    string
	child node
}

type binaryNode struct {
	op          string
	left, right node
}

// lexer

type token struct {
	kind string // ident, number, op, lparen, rparen, comma, eol, eof
	text string
	line int
}

func lexScript(code string) ([]token, error) {
	var tokens []token
	line := 1
	i := 0
	src := []rune(code)
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			tokens = append(tokens, token{kind: "eol", line: line})
			line++
			i++
		case c == ';':
			tokens = append(tokens, token{kind: "eol", line: line})
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case unicode.IsDigit(c) || c == '.':
			start := i
			for i < len(src) && (unicode.IsDigit(src[i]) || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: "number", text: string(src[start:i]), line: line})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(src) && (unicode.IsLetter(src[i]) || unicode.IsDigit(src[i]) || src[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: "ident", text: string(src[start:i]), line: line})
		case c == '(':
			tokens = append(tokens, token{kind: "lparen", line: line})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: "rparen", line: line})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: "comma", line: line})
			i++
		case strings.ContainsRune("><=!&|+-*/", c):
			start := i
			i++
			if i < len(src) && strings.ContainsRune("=&|", src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: "op", text: string(src[start:i]), line: line})
		default:
			return nil, fmt.Errorf("line %d: unexpected character %q", line, c)
		}
	}
	tokens = append(tokens, token{kind: "eof", line: line})
	return tokens, nil
}

// parser

type parser struct {
	tokens []token
	pos    int
}

func parseScript(code string) ([]statement, error) {
	tokens, err := lexScript(code)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}

	var stmts []statement
	for {
		for p.peek().kind == "eol" {
			p.next()
		}
		if p.peek().kind == "eof" {
			break
		}
		name := p.peek()
		if name.kind != "ident" {
			return nil, fmt.Errorf("line %d: expected assignment, got %q", name.line, name.text)
		}
		p.next()
		eq := p.next()
		if eq.kind != "op" || eq.text != "=" {
			return nil, fmt.Errorf("line %d: expected '=' after %s", name.line, name.text)
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		end := p.next()
		if end.kind != "eol" && end.kind != "eof" {
			return nil, fmt.Errorf("line %d: unexpected %q after expression", end.line, end.text)
		}
		stmts = append(stmts, statement{name: strings.ToLower(name.text), line: name.line, expr: expr})
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("script has no assignments")
	}
	return stmts, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != "eof" {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchWord("or") || p.matchOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchWord("and") || p.matchOp("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.matchWord("not") || p.matchOp("!") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", child: child}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == "op" {
		switch t.text {
		case ">", "<", ">=", "<=", "==", "!=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != "op" || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != "op" || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.matchOp("-") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "neg", child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case "number":
		p.next()
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad number %q", t.line, t.text)
		}
		return numNode{value: v}, nil
	case "ident":
		p.next()
		if p.peek().kind == "lparen" {
			p.next()
			var args []node
			if p.peek().kind != "rparen" {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind != "comma" {
						break
					}
					p.next()
				}
			}
			if p.peek().kind != "rparen" {
				return nil, fmt.Errorf("line %d: missing ')' in %s(...)", t.line, t.text)
			}
			p.next()
			return callNode{name: strings.ToUpper(t.text), args: args}, nil
		}
		return identNode{name: strings.ToLower(t.text)}, nil
	case "lparen":
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != "rparen" {
			return nil, fmt.Errorf("line %d: missing ')'", t.line)
		}
		p.next()
		return expr, nil
	}
	return nil, fmt.Errorf("line %d: unexpected %q", t.line, t.text)
}

func (p *parser) matchOp(op string) bool {
	t := p.peek()
	if t.kind == "op" && t.text == op {
		p.next()
		return true
	}
	return false
}

func (p *parser) matchWord(word string) bool {
	t := p.peek()
	if t.kind == "ident" && strings.EqualFold(t.text, word) {
		p.next()
		return true
	}
	return false
}

// evaluator

type value struct {
	series []float64 // nil means scalar
	scalar float64
}

type evaluator struct {
	open, high, low, close, volume []float64
	vars                           map[string]value
	deadline                       time.Time
	ops                            int
}

func newEvaluator(bars []marketdata.Bar, deadline time.Time) *evaluator {
	n := len(bars)
	ev := &evaluator{
		open:     make([]float64, n),
		high:     make([]float64, n),
		low:      make([]float64, n),
		close:    make([]float64, n),
		volume:   make([]float64, n),
		vars:     make(map[string]value),
		deadline: deadline,
	}
	for i, b := range bars {
		ev.open[i] = b.Open
		ev.high[i] = b.High
		ev.low[i] = b.Low
		ev.close[i] = b.Close
		ev.volume[i] = b.Volume
	}
	return ev
}

func (ev *evaluator) checkBudget() error {
	ev.ops++
	if ev.ops%64 == 0 && time.Now().After(ev.deadline) {
		return fmt.Errorf("script evaluation budget exceeded")
	}
	return nil
}

func (ev *evaluator) eval(n node) (value, error) {
	if err := ev.checkBudget(); err != nil {
		return value{}, err
	}
	switch t := n.(type) {
	case numNode:
		return value{scalar: t.value}, nil
	case identNode:
		return ev.resolve(t.name)
	case unaryNode:
		child, err := ev.eval(t.child)
		if err != nil {
			return value{}, err
		}
		if t.op == "neg" {
			return mapValue(child, func(v float64) float64 { return -v }), nil
		}
		return mapValue(child, func(v float64) float64 {
			if truthy(v) {
				return 0
			}
			return 1
		}), nil
	case binaryNode:
		left, err := ev.eval(t.left)
		if err != nil {
			return value{}, err
		}
		right, err := ev.eval(t.right)
		if err != nil {
			return value{}, err
		}
		return combine(left, right, t.op)
	case callNode:
		return ev.call(t)
	}
	return value{}, fmt.Errorf("unsupported expression")
}

func (ev *evaluator) resolve(name string) (value, error) {
	switch name {
	case "open":
		return value{series: ev.open}, nil
	case "high":
		return value{series: ev.high}, nil
	case "low":
		return value{series: ev.low}, nil
	case "close":
		return value{series: ev.close}, nil
	case "volume":
		return value{series: ev.volume}, nil
	}
	if v, ok := ev.vars[name]; ok {
		return v, nil
	}
	return value{}, fmt.Errorf("unknown identifier %q", name)
}

func (ev *evaluator) call(c callNode) (value, error) {
	switch c.name {
	case "SMA", "EMA", "RSI":
		src, period, err := ev.seriesAndPeriod(c)
		if err != nil {
			return value{}, err
		}
		switch c.name {
		case "SMA":
			return value{series: seriesSMA(src, period)}, nil
		case "EMA":
			return value{series: seriesEMA(src, period)}, nil
		default:
			return value{series: seriesRSI(src, period)}, nil
		}
	case "MACD", "MACD_SIGNAL", "MACD_HIST":
		src, fast, slow, signal, err := ev.macdArgs(c)
		if err != nil {
			return value{}, err
		}
		macd, sig, hist := seriesMACD(src, fast, slow, signal)
		switch c.name {
		case "MACD":
			return value{series: macd}, nil
		case "MACD_SIGNAL":
			return value{series: sig}, nil
		default:
			return value{series: hist}, nil
		}
	case "BOLL_UPPER", "BOLL_MIDDLE", "BOLL_LOWER":
		src, period, k, err := ev.bollArgs(c)
		if err != nil {
			return value{}, err
		}
		upper, middle, lower := seriesBollinger(src, period, k)
		switch c.name {
		case "BOLL_UPPER":
			return value{series: upper}, nil
		case "BOLL_MIDDLE":
			return value{series: middle}, nil
		default:
			return value{series: lower}, nil
		}
	case "ATR":
		if len(c.args) != 1 {
			return value{}, fmt.Errorf("ATR takes one period argument")
		}
		period, err := ev.intArg(c.args[0], "ATR period")
		if err != nil {
			return value{}, err
		}
		return value{series: seriesATR(ev.high, ev.low, ev.close, period)}, nil
	case "CROSSOVER", "CROSSUNDER":
		if len(c.args) != 2 {
			return value{}, fmt.Errorf("%s takes two series arguments", c.name)
		}
		a, err := ev.seriesArg(c.args[0], c.name)
		if err != nil {
			return value{}, err
		}
		b, err := ev.seriesArg(c.args[1], c.name)
		if err != nil {
			return value{}, err
		}
		return value{series: seriesCross(a, b, c.name == "CROSSOVER")}, nil
	}
	return value{}, fmt.Errorf("unknown function %s", c.name)
}

func (ev *evaluator) seriesAndPeriod(c callNode) ([]float64, int, error) {
	if len(c.args) != 2 {
		return nil, 0, fmt.Errorf("%s takes (series, period)", c.name)
	}
	src, err := ev.seriesArg(c.args[0], c.name)
	if err != nil {
		return nil, 0, err
	}
	period, err := ev.intArg(c.args[1], c.name+" period")
	if err != nil {
		return nil, 0, err
	}
	return src, period, nil
}

func (ev *evaluator) macdArgs(c callNode) ([]float64, int, int, int, error) {
	if len(c.args) != 1 && len(c.args) != 4 {
		return nil, 0, 0, 0, fmt.Errorf("%s takes (series) or (series, fast, slow, signal)", c.name)
	}
	src, err := ev.seriesArg(c.args[0], c.name)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	fast, slow, signal := 12, 26, 9
	if len(c.args) == 4 {
		if fast, err = ev.intArg(c.args[1], "fast period"); err != nil {
			return nil, 0, 0, 0, err
		}
		if slow, err = ev.intArg(c.args[2], "slow period"); err != nil {
			return nil, 0, 0, 0, err
		}
		if signal, err = ev.intArg(c.args[3], "signal period"); err != nil {
			return nil, 0, 0, 0, err
		}
	}
	return src, fast, slow, signal, nil
}

func (ev *evaluator) bollArgs(c callNode) ([]float64, int, float64, error) {
	if len(c.args) != 2 && len(c.args) != 3 {
		return nil, 0, 0, fmt.Errorf("%s takes (series, period[, stddev])", c.name)
	}
	src, err := ev.seriesArg(c.args[0], c.name)
	if err != nil {
		return nil, 0, 0, err
	}
	period, err := ev.intArg(c.args[1], c.name+" period")
	if err != nil {
		return nil, 0, 0, err
	}
	k := 2.0
	if len(c.args) == 3 {
		kv, err := ev.eval(c.args[2])
		if err != nil {
			return nil, 0, 0, err
		}
		if kv.series != nil {
			return nil, 0, 0, fmt.Errorf("%s stddev must be a number", c.name)
		}
		k = kv.scalar
	}
	return src, period, k, nil
}

func (ev *evaluator) seriesArg(n node, what string) ([]float64, error) {
	v, err := ev.eval(n)
	if err != nil {
		return nil, err
	}
	if v.series == nil {
		return nil, fmt.Errorf("%s needs a series argument", what)
	}
	return v.series, nil
}

func (ev *evaluator) intArg(n node, what string) (int, error) {
	v, err := ev.eval(n)
	if err != nil {
		return 0, err
	}
	if v.series != nil || v.scalar != math.Trunc(v.scalar) || v.scalar < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", what)
	}
	return int(v.scalar), nil
}

func (ev *evaluator) extractSignals(n int) (*Signals, error) {
	if buy, ok := ev.vars["buy"]; ok {
		sell, ok := ev.vars["sell"]
		if !ok {
			return nil, fmt.Errorf("script defines buy without sell")
		}
		return &Signals{
			OpenLong:   boolColumn(buy, n),
			CloseLong:  boolColumn(sell, n),
			OpenShort:  boolColumn(sell, n),
			CloseShort: boolColumn(buy, n),
		}, nil
	}

	openLong, haveOL := ev.vars["open_long"]
	closeLong, haveCL := ev.vars["close_long"]
	openShort, haveOS := ev.vars["open_short"]
	closeShort, haveCS := ev.vars["close_short"]
	if !haveOL && !haveOS {
		return nil, fmt.Errorf("script must define buy/sell or open_long/open_short columns")
	}
	out := &Signals{
		OpenLong:   make([]bool, n),
		CloseLong:  make([]bool, n),
		OpenShort:  make([]bool, n),
		CloseShort: make([]bool, n),
	}
	if haveOL {
		out.OpenLong = boolColumn(openLong, n)
	}
	if haveCL {
		out.CloseLong = boolColumn(closeLong, n)
	}
	if haveOS {
		out.OpenShort = boolColumn(openShort, n)
	}
	if haveCS {
		out.CloseShort = boolColumn(closeShort, n)
	}
	return out, nil
}

func boolColumn(v value, n int) []bool {
	out := make([]bool, n)
	if v.series == nil {
		for i := range out {
			out[i] = truthy(v.scalar)
		}
		return out
	}
	for i := 0; i < n && i < len(v.series); i++ {
		out[i] = truthy(v.series[i])
	}
	return out
}

func truthy(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}

func mapValue(v value, f func(float64) float64) value {
	if v.series == nil {
		return value{scalar: f(v.scalar)}
	}
	out := make([]float64, len(v.series))
	for i, x := range v.series {
		out[i] = f(x)
	}
	return value{series: out}
}

func combine(left, right value, op string) (value, error) {
	f, err := binaryFunc(op)
	if err != nil {
		return value{}, err
	}
	if left.series == nil && right.series == nil {
		return value{scalar: f(left.scalar, right.scalar)}, nil
	}

	n := len(left.series)
	if left.series == nil || (right.series != nil && len(right.series) < n) {
		n = len(right.series)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		a, b := left.scalar, right.scalar
		if left.series != nil {
			a = left.series[i]
		}
		if right.series != nil {
			b = right.series[i]
		}
		out[i] = f(a, b)
	}
	return value{series: out}, nil
}

func binaryFunc(op string) (func(a, b float64) float64, error) {
	switch op {
	case "+":
		return func(a, b float64) float64 { return a + b }, nil
	case "-":
		return func(a, b float64) float64 { return a - b }, nil
	case "*":
		return func(a, b float64) float64 { return a * b }, nil
	case "/":
		return func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return a / b
		}, nil
	case ">":
		return cmpFunc(func(a, b float64) bool { return a > b }), nil
	case "<":
		return cmpFunc(func(a, b float64) bool { return a < b }), nil
	case ">=":
		return cmpFunc(func(a, b float64) bool { return a >= b }), nil
	case "<=":
		return cmpFunc(func(a, b float64) bool { return a <= b }), nil
	case "==":
		return cmpFunc(func(a, b float64) bool { return a == b }), nil
	case "!=":
		return cmpFunc(func(a, b float64) bool { return a != b }), nil
	case "and":
		return func(a, b float64) float64 {
			if truthy(a) && truthy(b) {
				return 1
			}
			return 0
		}, nil
	case "or":
		return func(a, b float64) float64 {
			if truthy(a) || truthy(b) {
				return 1
			}
			return 0
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

// NaN comparisons are false rather than poisoning downstream booleans
func cmpFunc(pred func(a, b float64) bool) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return 0
		}
		if pred(a, b) {
			return 1
		}
		return 0
	}
}
