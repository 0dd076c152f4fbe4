package callsig

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

var registerPlaceholder = regexp.MustCompile(`<([a-z][a-z0-9]*)>`)

// compileFull compiles pattern so that it only matches whole strings.
func compileFull(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, errors.Wrapf(err, "pattern %q", pattern)
	}
	return re, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compileFull(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

type terminalRule struct {
	re       *regexp.Regexp
	template string
	clean    bool
}

// Terminals maps callees to the terminal names of a signature.
type Terminals struct {
	rules []terminalRule
}

// NewTerminals compiles rules.
func NewTerminals(rules []TerminalRule) (*Terminals, error) {
	t := &Terminals{}
	for _, r := range rules {
		re, err := compileFull(r.Pattern)
		if err != nil {
			return nil, errors.Wrap(err, "terminal rule")
		}
		t.rules = append(t.rules, terminalRule{re: re, template: r.Template, clean: r.Clean})
	}
	return t, nil
}

// Lookup returns the terminal for a call to sym made in state. The first
// matching rule wins.
func (t *Terminals) Lookup(sym backend.Symbol, state esil.State) (string, bool) {
	for _, r := range t.rules {
		for _, name := range []string{sym.DisplayName(), sym.Name} {
			m := r.re.FindStringSubmatchIndex(name)
			if m == nil {
				continue
			}
			template := registerPlaceholder.ReplaceAllStringFunc(r.template, func(p string) string {
				if v, ok := state.Get(p[1 : len(p)-1]); ok {
					return strconv.FormatUint(v, 10)
				}
				return "?"
			})
			out := string(r.re.ExpandString(nil, template, name, m))
			if r.clean {
				out = CleanTypeName(out)
			}
			return out, true
		}
	}
	return "", false
}

// CleanTypeName strips libc++ noise from a demangled type name: the
// std::__1:: namespace, allocator and default_delete template arguments
// and a surrounding Type<...>.
func CleanTypeName(name string) string {
	name = strings.ReplaceAll(name, "std::__1::", "")
	name = removeTemplateArgument(name, "allocator")
	name = removeTemplateArgument(name, "default_delete")
	if inner, ok := strings.CutPrefix(name, "Type<"); ok && strings.HasSuffix(inner, ">") {
		name = strings.TrimSpace(inner[:len(inner)-1])
	}
	return name
}

// removeTemplateArgument drops every ",component<...>" argument, keeping
// nested angle brackets balanced.
func removeTemplateArgument(name, component string) string {
	marker := component + "<"
	for {
		start, end := -1, 0
		for _, sep := range []string{",", ", "} {
			if i := strings.Index(name, sep+marker); i >= 0 && (start < 0 || i < start) {
				start, end = i, i+len(sep)+len(marker)
			}
		}
		if start < 0 {
			return name
		}
		i := end
		for depth := 1; depth > 0 && i < len(name); i++ {
			switch name[i] {
			case '<':
				depth++
			case '>':
				depth--
			}
		}
		if strings.HasPrefix(name[i:], " >") {
			i++
		}
		name = name[:start] + name[i:]
	}
}
