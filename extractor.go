package callsig

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/graph"
	"github.com/maxgio92/callsig/regex"
)

// DynamicTerminal stands for a call whose target is not known statically.
const DynamicTerminal = "DYN"

type signatureRule struct {
	kind Kind
	re   *regexp.Regexp
}

// Extractor computes call signatures of the functions selected by a Config.
// It is safe for concurrent use.
type Extractor struct {
	cfg        Config
	signatures []signatureRule
	terminals  *Terminals
	skipInline []*regexp.Regexp
	noReturn   []*regexp.Regexp
	packetID   *regexp.Regexp
	warnings   *rate.Limiter
	ignored    sync.Map
}

// NewExtractor validates and compiles cfg.
func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		cfg:      cfg,
		warnings: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, r := range cfg.Signatures {
		re, err := compileFull(r.Pattern)
		if err != nil {
			return nil, errors.Wrap(err, "signature rule")
		}
		e.signatures = append(e.signatures, signatureRule{kind: r.Kind, re: re})
	}
	var err error
	if e.terminals, err = NewTerminals(cfg.Terminals); err != nil {
		return nil, err
	}
	if e.skipInline, err = compileAll(cfg.SkipInline); err != nil {
		return nil, errors.Wrap(err, "skip inline")
	}
	if e.noReturn, err = compileAll(cfg.NoReturn); err != nil {
		return nil, errors.Wrap(err, "no return")
	}
	if cfg.PacketID != "" {
		if e.packetID, err = compileFull(cfg.PacketID); err != nil {
			return nil, errors.Wrap(err, "packet id")
		}
	}
	return e, nil
}

type job struct {
	kind   Kind
	name   string
	symbol backend.Symbol
}

// match returns the name the first group of re gives to sym.
func match(re *regexp.Regexp, sym backend.Symbol) (string, bool) {
	m := re.FindStringSubmatch(sym.DisplayName())
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

func (e *Extractor) jobs(info *backend.Info) []job {
	var jobs []job
	for _, sym := range info.Symbols() {
		for _, r := range e.signatures {
			if name, ok := match(r.re, sym); ok {
				jobs = append(jobs, job{kind: r.kind, name: name, symbol: sym})
			}
		}
	}
	return jobs
}

// Extract analyzes every function selected by the configuration. Sessions
// are opened with open, at most one per worker. A function that cannot be
// analyzed gets ErrorSignature; only failures to open or query a session
// abort the extraction.
func (e *Extractor) Extract(ctx context.Context, open Opener) (*Report, error) {
	start := time.Now()
	p := newPool(open, e.cfg.Workers)
	defer func() {
		if err := p.close(); err != nil {
			log.WithError(err).Warn("closing backend sessions")
		}
	}()

	b, err := p.get()
	if err != nil {
		return nil, err
	}
	info, err := backend.Load(b)
	p.put(b)
	if err != nil {
		return nil, errors.Wrap(err, "load binary info")
	}

	jobs := e.jobs(info)
	log.WithFields(log.Fields{
		"arch":      info.Architecture(),
		"symbols":   len(info.Symbols()),
		"functions": len(jobs),
		"workers":   e.cfg.Workers,
	}).Info("extracting signatures")

	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := p.get()
			if err != nil {
				return err
			}
			defer p.put(b)
			results[i] = e.extract(b, info, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids, err := e.packetIDs(ctx, p, info)
	if err != nil {
		return nil, err
	}

	report := NewReport(results, ids)
	log.WithFields(log.Fields{
		"packets":  len(report.Packets),
		"types":    len(report.Types),
		"failures": len(report.Failures()),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("extraction finished")
	return report, nil
}

func (e *Extractor) extract(b backend.Backend, info *backend.Info, j job) Result {
	res := Result{Kind: j.kind, Name: j.name, Symbol: j.symbol.Name, Address: j.symbol.Address}
	sig, err := e.Signature(b, info, j.symbol)
	if err != nil {
		log.WithError(err).WithField("symbol", j.symbol.Name).Warnf("failure in %s", j.name)
		res.Signature, res.Err = ErrorSignature, err
		return res
	}
	log.WithField("kind", j.kind).Debugf("%s: %s", j.name, sig)
	res.Signature = sig
	return res
}

// Signature returns the simplified signature of the function at sym.
// Panics raised while analyzing it are returned as errors.
func (e *Extractor) Signature(b backend.Backend, info *backend.Info, sym backend.Symbol) (sig string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("symbol", sym.Name).Errorf("panic: %v\n%s", r, debug.Stack())
			err = errors.Errorf("panic analyzing %s: %v", sym.DisplayName(), r)
		}
	}()

	expr, err := e.Expression(b, info, sym)
	if err != nil {
		return "", err
	}
	return expr.String(), nil
}

// Expression builds the call automaton of the function at sym, reduces it
// and maps its calls to terminals.
func (e *Extractor) Expression(b backend.Backend, info *backend.Info, sym backend.Symbol) (regex.Expr[string], error) {
	g, err := graph.Build(b, info, graph.Position{Address: sym.Address, Arch: info.Architecture()}, graph.Options{
		EnterCall:       e.enterCall,
		NoReturn:        e.isNoReturn,
		Attempts:        e.cfg.Attempts,
		ZeroRelocations: e.cfg.ZeroRelocations,
		Warnings:        e.warnings,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "build graph of %s", sym.DisplayName())
	}
	mapped := regex.Map(g.Regex(), e.terminal)
	log.Debugf("raw %s: %s", sym.DisplayName(), mapped)
	return regex.Simplify(mapped), nil
}

func (e *Extractor) enterCall(c graph.Static) bool {
	if matchAny(e.skipInline, c.Symbol.Name) {
		return false
	}
	_, ok := e.terminals.Lookup(c.Symbol, c.State)
	return !ok
}

func (e *Extractor) isNoReturn(s backend.Symbol) bool {
	return matchAny(e.noReturn, s.Name)
}

// terminal maps a call to its part of a signature. Static calls without a
// terminal rule contribute nothing and are logged once.
func (e *Extractor) terminal(c graph.Call) regex.Expr[string] {
	switch c := c.(type) {
	case graph.Static:
		if name, ok := e.terminals.Lookup(c.Symbol, c.State); ok {
			return regex.Term(name)
		}
		name := c.Symbol.DisplayName()
		if _, loaded := e.ignored.LoadOrStore(name, struct{}{}); !loaded {
			log.Infof("ignoring call symbol %s", name)
		}
		return regex.Empty[string]()
	case graph.Dynamic:
		return regex.Term(DynamicTerminal)
	case graph.NoReturn:
		return regex.Nothing[string]()
	default:
		panic(fmt.Sprintf("callsig: unhandled call %T", c))
	}
}

// packetIDs emulates the packet ID getters. Backends that cannot emulate
// yield no IDs.
func (e *Extractor) packetIDs(ctx context.Context, p *pool, info *backend.Info) (map[string]uint64, error) {
	ids := make(map[string]uint64)
	if e.packetID == nil {
		return ids, nil
	}
	b, err := p.get()
	if err != nil {
		return nil, err
	}
	_, ok := b.(backend.Emulator)
	p.put(b)
	if !ok {
		log.WithError(backend.ErrNoEmulator).Warn("skipping packet IDs")
		return ids, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, sym := range info.Symbols() {
		name, ok := match(e.packetID, sym)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := p.get()
			if err != nil {
				return err
			}
			defer p.put(b)
			log.Debugf("reading packet ID for %s", name)
			id, err := PacketID(b, info.Architecture(), sym)
			if err != nil {
				log.WithError(err).Warnf("packet ID of %s", name)
				return nil
			}
			mu.Lock()
			ids[name] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// PacketID runs the function at sym from its entry to its last
// instruction and returns the 32-bit value left in the return register.
func PacketID(b backend.Backend, a arch.Architecture, sym backend.Symbol) (uint64, error) {
	em, ok := b.(backend.Emulator)
	if !ok {
		return 0, backend.ErrNoEmulator
	}
	end, err := em.FunctionEnd(sym.Address)
	if err != nil {
		return 0, errors.Wrap(err, "function end")
	}
	if err := em.EmulateUntil(sym.Address, end, a); err != nil {
		return 0, errors.Wrap(err, "emulate")
	}
	v, err := em.Register(a.ReturnRegister())
	if err != nil {
		return 0, err
	}
	return v & 0xffffffff, nil
}
