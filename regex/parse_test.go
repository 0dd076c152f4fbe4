package regex_test

import (
	"regexp"
	"testing"

	"github.com/maxgio92/callsig/regex"
)

func term(v string) regex.Expr[string] { return regex.Term(v) }

func TestParse(t *testing.T) {
	x, y := term("x"), term("y")

	tests := []struct {
		name  string
		input string
		want  regex.Expr[string]
	}{
		{name: "Terminal", input: "x", want: x},
		{name: "ExplicitConcat", input: "(x)", want: regex.Concat[string]{Members: []regex.Expr[string]{x}}},
		{name: "TerminalConcat", input: "x y", want: regex.Seq(x, y)},
		{name: "TerminalOr", input: "x | y", want: regex.Alt(x, y)},
		{name: "Epsilon", input: "ε", want: regex.Empty[string]()},
		{name: "EmptyInput", input: "", want: regex.Empty[string]()},
		{name: "EpsilonTerminal", input: "ε x", want: regex.Concat[string]{Members: []regex.Expr[string]{regex.Empty[string](), x}}},
		{name: "Nothing", input: "∅", want: regex.Nothing[string]()},
		{name: "OrConcatNoParentheses", input: "x y | y", want: regex.Alt(regex.Seq(x, y), y)},
		{name: "OrConcatParentheses", input: "(x y) | y", want: regex.Alt(regex.Seq(x, y), y)},
		{name: "ZeroOrMore", input: "x*", want: regex.Rep(x, 0, regex.Unbounded)},
		{name: "OneOrMore", input: "x+", want: regex.Rep(x, 1, regex.Unbounded)},
		{name: "ZeroOrOne", input: "x?", want: regex.Rep(x, 0, 1)},
		{name: "LowerBound", input: "x{2,}", want: regex.Rep(x, 2, regex.Unbounded)},
		{name: "DoubleBound", input: "x{2,5}", want: regex.Rep(x, 2, 5)},
		{name: "ExactBound", input: "x{2}", want: regex.Rep(x, 2, 2)},
		{name: "StackedSuffixes", input: "x+*", want: regex.Rep[string](regex.Rep(x, 1, regex.Unbounded), 0, regex.Unbounded)},
		{name: "EmptyAlternative", input: " | x", want: regex.Or[string]{Alternatives: []regex.Expr[string]{regex.Empty[string](), x}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := regex.Parse(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !regex.Equal(got, tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	inputs := []string{"(x", "x)", "x{2", "x{a}", "x{3,1}", "*"}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			if _, err := regex.Parse(input); err == nil {
				t.Fatalf("expected error for %q, got nil", input)
			}
		})
	}
}

func TestParseWith(t *testing.T) {
	terminal := regexp.MustCompile(`[\w:]+(\[[^\]]*\])?`)
	got, err := regex.ParseWith("abc[rax=0] DYN+ | ns::f[]", terminal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := regex.Alt(
		regex.Seq(term("abc[rax=0]"), regex.Rep(term("DYN"), 1, regex.Unbounded)),
		term("ns::f[]"),
	)
	if !regex.Equal(got, want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestFormat(t *testing.T) {
	x, y, z := term("x"), term("y"), term("z")

	tests := []struct {
		name string
		expr regex.Expr[string]
		want string
	}{
		{name: "Empty", expr: regex.Empty[string](), want: ""},
		{name: "Nothing", expr: regex.Nothing[string](), want: "∅"},
		{name: "NestedEmpty", expr: regex.Alt(regex.Empty[string](), regex.Seq(x, y)), want: "x y | ε"},
		{name: "ConcatInOr", expr: regex.Alt(regex.Seq(x, y), z), want: "x y | z"},
		{name: "OrInConcat", expr: regex.Seq(x, regex.Alt(y, z)), want: "x (y | z)"},
		{name: "ConcatInRepeat", expr: regex.Rep(regex.Seq(x, y), 1, regex.Unbounded), want: "(x y)+"},
		{name: "RepeatInConcat", expr: regex.Seq(regex.Rep(x, 0, 1), y), want: "x? y"},
		{name: "RepeatInRepeat", expr: regex.Rep[string](regex.Rep(x, 2, 2), 0, regex.Unbounded), want: "(x{2})*"},
		{name: "LowerBound", expr: regex.Rep(x, 3, regex.Unbounded), want: "x{3,}"},
		{name: "Range", expr: regex.Rep(x, 1, 3), want: "x{1,3}"},
		{name: "SortedAlternatives", expr: regex.Alt(z, x, y), want: "x | y | z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.expr.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"x x* x",
		"x{2,} y | x z",
		"(x y)* x y",
		"a (b | c)* d",
		"(a | b c)? d{2,5}",
		"((a b)+ c)*",
		"(a{2})*",
		"∅",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			simplified := regex.Simplify(regex.MustParse(input))
			parsed, err := regex.Parse(simplified.String())
			if err != nil {
				t.Fatalf("failed to parse %q: %v", simplified, err)
			}
			if !regex.Equal(parsed, simplified) {
				t.Errorf("expected %s, got %s", simplified, parsed)
			}
		})
	}
}
