package lint

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"udfhost/internal/errs"
)

// Scanner enforces deny-level lints on the user-controlled portion of a
// generated unit. It parses the wrapped user source and walks imports and
// comments; each named lint maps to a closed rule. Unknown lint names are a
// configuration error, not a silent no-op.
type Scanner struct {
	lang *sitter.Language
}

func NewScanner() *Scanner {
	return &Scanner{lang: golang.GetLanguage()}
}

const importQuery = `(import_spec path: (interpreted_string_literal) @path)`
const commentQuery = `(comment) @comment`

// Check scans a complete Go source buffer against the given lint set and
// returns a PolicyError on the first violation.
func (s *Scanner) Check(src []byte, lints Set) error {
	for name := range lints {
		if _, ok := rules[name]; !ok {
			return errs.Policyf("unknown lint %q", name)
		}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(s.lang)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return fmt.Errorf("parsing unit for lint scan: %w", err)
	}
	defer tree.Close()

	if tree.RootNode().HasError() {
		return errs.Policyf("user source does not parse")
	}

	imports, err := s.capture(tree, src, importQuery)
	if err != nil {
		return err
	}
	comments, err := s.capture(tree, src, commentQuery)
	if err != nil {
		return err
	}

	for name := range lints {
		if detail := rules[name](imports, comments); detail != "" {
			return errs.Policyf("lint %s: %s", name, detail)
		}
	}
	return nil
}

func (s *Scanner) capture(tree *sitter.Tree, src []byte, query string) ([]string, error) {
	q, err := sitter.NewQuery([]byte(query), s.lang)
	if err != nil {
		return nil, fmt.Errorf("building lint query: %w", err)
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.RootNode())

	var out []string
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		for _, c := range m.Captures {
			out = append(out, c.Node.Content(src))
		}
	}
	return out, nil
}

// rule inspects captured import paths and comments; a non-empty return is
// the violation detail.
type rule func(imports, comments []string) string

var rules = map[string]rule{
	"unsafe_code":         unsafeCode,
	"compiler_directives": compilerDirectives,
	"process_exec":        denyImports("os/exec", "syscall"),
	"network_access":      networkAccess,
}

func unsafeCode(imports, _ []string) string {
	for _, imp := range imports {
		switch unquote(imp) {
		case "unsafe":
			return `import of "unsafe"`
		case "C":
			return "cgo is not permitted in user functions"
		}
	}
	return ""
}

func compilerDirectives(_, comments []string) string {
	for _, c := range comments {
		if strings.HasPrefix(c, "//go:") {
			return fmt.Sprintf("compiler directive %q", firstLine(c))
		}
	}
	return ""
}

func denyImports(paths ...string) rule {
	return func(imports, _ []string) string {
		for _, imp := range imports {
			p := unquote(imp)
			for _, deny := range paths {
				if p == deny {
					return fmt.Sprintf("import of %q", p)
				}
			}
		}
		return ""
	}
}

func networkAccess(imports, _ []string) string {
	for _, imp := range imports {
		p := unquote(imp)
		if p == "net" || strings.HasPrefix(p, "net/") {
			return fmt.Sprintf("import of %q", p)
		}
	}
	return ""
}

func unquote(s string) string {
	return strings.Trim(s, "`\"")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
