package regex

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DefaultTerminal matches the terminals accepted by Parse.
var DefaultTerminal = regexp.MustCompile(`\w+`)

// Parse reads an expression in the rendered syntax, with word terminals.
func Parse(input string) (Expr[string], error) {
	return ParseWith(input, DefaultTerminal)
}

// MustParse is like Parse but panics on error.
func MustParse(input string) Expr[string] {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// ParseWith reads an expression in the rendered syntax. Terminals are the
// longest match of terminal at the current position. A parenthesized group
// is kept as an explicit concatenation unless it holds a union.
func ParseWith(input string, terminal *regexp.Regexp) (Expr[string], error) {
	p := &parser{
		input:    input,
		terminal: regexp.MustCompile(`^(?:` + terminal.String() + `)`),
	}
	e, err := p.union(false)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, p.errorf("unexpected %q", p.input[p.pos:])
	}
	return e, nil
}

type parser struct {
	input    string
	pos      int
	terminal *regexp.Regexp
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.Errorf("regex: offset %d: "+format, append([]any{p.pos}, args...)...)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) {
		r, n := utf8.DecodeRuneInString(p.input[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += n
	}
}

func (p *parser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeRuneInString(p.input[p.pos:])
	return r
}

// union parses alternatives separated by '|'. A group keeps a lone sequence
// as a Concat.
func (p *parser) union(grouped bool) (Expr[string], error) {
	var alts [][]Expr[string]
	for {
		seq, err := p.sequence()
		if err != nil {
			return nil, err
		}
		alts = append(alts, seq)
		if p.peek() != '|' {
			break
		}
		p.pos++
	}
	if len(alts) == 1 {
		if grouped || len(alts[0]) != 1 {
			return Concat[string]{Members: alts[0]}, nil
		}
		return alts[0][0], nil
	}
	or := Or[string]{}
	for _, seq := range alts {
		var e Expr[string] = Concat[string]{Members: seq}
		if len(seq) == 1 {
			e = seq[0]
		}
		or.Alternatives = append(or.Alternatives, e)
	}
	return or, nil
}

func (p *parser) sequence() ([]Expr[string], error) {
	var members []Expr[string]
	for {
		switch r := p.peek(); r {
		case utf8.RuneError, '|', ')':
			return members, nil
		default:
			e, err := p.postfix()
			if err != nil {
				return nil, err
			}
			members = append(members, e)
		}
	}
}

func (p *parser) postfix() (Expr[string], error) {
	e, err := p.atom()
	if err != nil {
		return nil, err
	}
	for {
		// Suffixes bind to the preceding atom without whitespace.
		if p.pos >= len(p.input) {
			return e, nil
		}
		switch p.input[p.pos] {
		case '?':
			p.pos++
			e = Rep(e, 0, 1)
		case '*':
			p.pos++
			e = Rep(e, 0, Unbounded)
		case '+':
			p.pos++
			e = Rep(e, 1, Unbounded)
		case '{':
			min, max, err := p.bounds()
			if err != nil {
				return nil, err
			}
			e = Rep(e, min, max)
		default:
			return e, nil
		}
	}
}

func (p *parser) bounds() (int, int, error) {
	end := strings.IndexByte(p.input[p.pos:], '}')
	if end < 0 {
		return 0, 0, p.errorf("unterminated bound")
	}
	body := p.input[p.pos+1 : p.pos+end]
	p.pos += end + 1

	lo, hi, ranged := strings.Cut(body, ",")
	min, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, p.errorf("bad bound %q", body)
	}
	if !ranged {
		return min, min, nil
	}
	if strings.TrimSpace(hi) == "" {
		return min, Unbounded, nil
	}
	max, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil || max < min {
		return 0, 0, p.errorf("bad bound %q", body)
	}
	return min, max, nil
}

func (p *parser) atom() (Expr[string], error) {
	rest := p.input[p.pos:]
	switch {
	case strings.HasPrefix(rest, "("):
		p.pos++
		e, err := p.union(true)
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, p.errorf("expected ')'")
		}
		p.pos++
		return e, nil
	case strings.HasPrefix(rest, EmptyMarker):
		p.pos += len(EmptyMarker)
		return Empty[string](), nil
	case strings.HasPrefix(rest, NothingMarker):
		p.pos += len(NothingMarker)
		return Nothing[string](), nil
	}
	loc := p.terminal.FindStringIndex(rest)
	if loc == nil || loc[1] == 0 {
		return nil, p.errorf("unexpected %q", rest)
	}
	p.pos += loc[1]
	return Term(rest[:loc[1]]), nil
}
