// Package scriptguard validates generated CAD scripts against the
// execution policy before they reach the kernel: an import whitelist,
// deny lists for builtin calls, global names, and attributes, a lambda
// ban, and structural caps on nesting depth, token count, and scan
// time. The walk is purely structural; nothing is ever evaluated.
package scriptguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgevault/forgevault/pkg/resilience"
)

// Violation codes carried on the resulting security errors.
const (
	CodeForbiddenImport = "forbidden_import"
	CodeBlockedCall     = "blocked_call"
	CodeBlockedName     = "blocked_name"
	CodeBlockedAttr     = "blocked_attribute"
	CodeLambdaBanned    = "lambda_banned"
	CodeDepthExceeded   = "depth_exceeded"
	CodeNodeBudget      = "node_budget_exceeded"
	CodeParseTimeout    = "parse_timeout"
	CodeMalformed       = "malformed_script"
)

// Config is the script policy. Zero-valued fields take the defaults.
type Config struct {
	// AllowedImports are the module roots a script may import.
	AllowedImports []string

	// DeniedCalls are builtins whose mere mention is rejected, call or
	// not, so aliasing cannot smuggle them past call-site checks.
	DeniedCalls []string

	// DeniedNames are globals (typically module names) a script may
	// not reference even without importing them.
	DeniedNames []string

	// DeniedAttrs are attributes rejected on any object. Dunder
	// attributes are always rejected regardless of this list.
	DeniedAttrs []string

	// MaxDepth caps bracket plus interpolation nesting.
	MaxDepth int

	// MaxNodes caps the token count.
	MaxNodes int

	// MaxScriptBytes caps the raw source size.
	MaxScriptBytes int

	// ParseTimeout bounds one validation walk.
	ParseTimeout time.Duration
}

// Defaults returns the production policy: the FreeCAD scripting surface
// plus math, and the introspection/process/filesystem surface denied.
func Defaults() Config {
	return Config{
		AllowedImports: []string{
			"FreeCAD", "App", "Part", "PartDesign", "Sketcher",
			"Draft", "Mesh", "MeshPart", "Spreadsheet", "math",
		},
		DeniedCalls: []string{
			"exec", "eval", "compile", "__import__", "open", "input",
			"getattr", "setattr", "delattr", "globals", "locals",
			"vars", "dir", "breakpoint", "exit", "quit", "help",
			"memoryview", "super",
		},
		DeniedNames: []string{
			"os", "sys", "subprocess", "shutil", "socket", "importlib",
			"builtins", "__builtins__", "pickle", "marshal", "ctypes",
			"signal", "threading", "multiprocessing", "__loader__",
			"__spec__",
		},
		DeniedAttrs:    []string{"system", "popen", "load_module", "exec_module"},
		MaxDepth:       25,
		MaxNodes:       10000,
		MaxScriptBytes: 1 << 20,
		ParseTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.AllowedImports == nil {
		c.AllowedImports = d.AllowedImports
	}
	if c.DeniedCalls == nil {
		c.DeniedCalls = d.DeniedCalls
	}
	if c.DeniedNames == nil {
		c.DeniedNames = d.DeniedNames
	}
	if c.DeniedAttrs == nil {
		c.DeniedAttrs = d.DeniedAttrs
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = d.MaxScriptBytes
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = d.ParseTimeout
	}
	return c
}

// Guard validates scripts against one policy. Safe for concurrent use.
type Guard struct {
	cfg     Config
	imports map[string]bool
	calls   map[string]bool
	names   map[string]bool
	attrs   map[string]bool
}

// New builds a guard from the policy.
func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		cfg:     cfg,
		imports: toSet(cfg.AllowedImports),
		calls:   toSet(cfg.DeniedCalls),
		names:   toSet(cfg.DeniedNames),
		attrs:   toSet(cfg.DeniedAttrs),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// import statement scanning states.
type impState uint8

const (
	impNone      impState = iota
	impFromPath           // after "from", collecting the module path
	impFromNames          // after "from X import", consuming names
	impPlain              // after "import", collecting module groups
)

const timeoutCheckEvery = 256

// Validate walks the script and returns the first policy violation as a
// *resilience.SecurityError, or nil when the script passes.
func (g *Guard) Validate(ctx context.Context, script string) error {
	if len(script) > g.cfg.MaxScriptBytes {
		return violation(CodeNodeBudget, 0, "script is %d bytes, cap is %d", len(script), g.cfg.MaxScriptBytes)
	}

	sc := newScanner(script)
	deadline := time.Now().Add(g.cfg.ParseTimeout)

	var (
		prev    token
		nodes   int
		state   impState
		impRoot string
	)
	for {
		if nodes%timeoutCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if time.Now().After(deadline) {
				return violation(CodeParseTimeout, 0, "scan exceeded %s", g.cfg.ParseTimeout)
			}
		}

		tok, serr := sc.next()
		if serr != nil {
			return violation(CodeMalformed, serr.line, "%s", serr.msg)
		}
		if tok.kind == tokEOF {
			return nil
		}
		nodes++
		if nodes > g.cfg.MaxNodes {
			return violation(CodeNodeBudget, tok.line, "script exceeds %d nodes", g.cfg.MaxNodes)
		}
		if d := sc.depth(); d > g.cfg.MaxDepth {
			return violation(CodeDepthExceeded, tok.line, "nesting depth %d exceeds %d", d, g.cfg.MaxDepth)
		}

		// Import statements end at a top-level newline or semicolon.
		if state != impNone && (tok.kind == tokOp && tok.text == ";" ||
			tok.kind == tokNewline && sc.depth() == 0) {
			state = impNone
			impRoot = ""
			prev = tok
			continue
		}

		switch state {
		case impFromPath:
			if err := g.checkFromPath(tok, &state, &impRoot); err != nil {
				return err
			}
		case impFromNames:
			// Imported members of an allowed module; nothing to check.
		case impPlain:
			if err := g.checkPlainImport(tok, &impRoot); err != nil {
				return err
			}
		default:
			if err := g.checkToken(tok, prev, &state, &impRoot); err != nil {
				return err
			}
		}
		prev = tok
	}
}

// checkToken applies the generic policy to one token outside import
// statements.
func (g *Guard) checkToken(tok, prev token, state *impState, impRoot *string) error {
	if tok.kind != tokIdent {
		return nil
	}

	// Attribute access: the name after a dot.
	if prev.kind == tokOp && prev.text == "." {
		if isDunder(tok.text) {
			return violation(CodeBlockedAttr, tok.line, "dunder attribute %q", tok.text)
		}
		if g.attrs[tok.text] {
			return violation(CodeBlockedAttr, tok.line, "attribute %q is not allowed", tok.text)
		}
		return nil
	}

	switch tok.text {
	case "lambda":
		return violation(CodeLambdaBanned, tok.line, "lambda expressions are not allowed")
	case "import":
		*state = impPlain
		*impRoot = ""
		return nil
	case "from":
		*state = impFromPath
		*impRoot = ""
		return nil
	}

	if !isASCII(tok.text) {
		return violation(CodeBlockedName, tok.line, "non-ascii identifier %q", tok.text)
	}
	if g.calls[tok.text] {
		return violation(CodeBlockedCall, tok.line, "use of %q is not allowed", tok.text)
	}
	if g.names[tok.text] {
		return violation(CodeBlockedName, tok.line, "reference to %q is not allowed", tok.text)
	}
	return nil
}

// checkFromPath collects the module path of a from-import and verifies
// its root once the "import" keyword arrives.
func (g *Guard) checkFromPath(tok token, state *impState, impRoot *string) error {
	switch {
	case tok.kind == tokOp && tok.text == ".":
		if *impRoot == "" {
			return violation(CodeForbiddenImport, tok.line, "relative imports are not allowed")
		}
	case tok.kind == tokIdent && tok.text == "import":
		if !g.imports[*impRoot] {
			return violation(CodeForbiddenImport, tok.line, "import of %q is not allowed", *impRoot)
		}
		*state = impFromNames
	case tok.kind == tokIdent:
		if *impRoot == "" {
			if !isASCII(tok.text) {
				return violation(CodeBlockedName, tok.line, "non-ascii identifier %q", tok.text)
			}
			*impRoot = tok.text
		}
	}
	return nil
}

// checkPlainImport verifies each comma-separated module group of a
// plain import by its root segment. Aliases after "as" are skipped.
func (g *Guard) checkPlainImport(tok token, impRoot *string) error {
	switch {
	case tok.kind == tokOp && tok.text == ",":
		*impRoot = ""
	case tok.kind == tokIdent && tok.text == "as":
		// Alias follows; impRoot stays set so it is skipped.
	case tok.kind == tokIdent:
		if *impRoot == "" {
			if !isASCII(tok.text) {
				return violation(CodeBlockedName, tok.line, "non-ascii identifier %q", tok.text)
			}
			if !g.imports[tok.text] {
				return violation(CodeForbiddenImport, tok.line, "import of %q is not allowed", tok.text)
			}
			*impRoot = tok.text
		}
	}
	return nil
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func isASCII(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return false
		}
	}
	return true
}

func violation(code string, line int, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if line > 0 {
		detail = fmt.Sprintf("line %d: %s", line, detail)
	}
	return &resilience.SecurityError{Code: code, Detail: detail}
}
