// Command sqllint checks that every inline SQL constant starts with a unique
// `--sql <uuid>` marker line. It defaults to internal/sqlinline.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Only strings whose first statement line opens with a keyword count as
	// SQL, so chat texts mentioning "update" are skipped.
	statementRe = regexp.MustCompile(`(?is)^\s*(--[^\n]*\n\s*)?(select|insert|update|delete|with|create|alter|drop)\b`)
	markerRe    = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

func main() {
	flag.Parse()
	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"internal/sqlinline"}
	}

	seen := map[string]string{}
	var found []violation
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") {
				return err
			}
			vs, err := lintFile(path, seen)
			found = append(found, vs...)
			return err
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
			os.Exit(1)
		}
	}

	if len(found) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "sqllint: inline SQL marker problems")
	for _, v := range found {
		fmt.Fprintln(os.Stderr, "  "+v.String())
	}
	os.Exit(1)
}

// lintFile checks the string constants and variables of one file. Markers
// already recorded in seen are reported as duplicates.
func lintFile(path string, seen map[string]string) ([]violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, err
	}

	var out []violation
	ast.Inspect(file, func(n ast.Node) bool {
		spec, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range spec.Values {
			lit, ok := value.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING || i >= len(spec.Names) {
				continue
			}
			text, err := strconv.Unquote(lit.Value)
			if err != nil || !statementRe.MatchString(text) {
				continue
			}
			name := spec.Names[i].Name
			line := fset.Position(lit.Pos()).Line
			marker, _, _ := strings.Cut(strings.TrimLeft(text, " \t\r\n"), "\n")
			marker = strings.TrimSpace(marker)

			switch prev, dup := seen[marker]; {
			case !markerRe.MatchString(marker):
				out = append(out, violation{path, name, line, "missing or invalid --sql <uuid> marker"})
			case dup:
				out = append(out, violation{path, name, line, "marker already used by " + prev})
			default:
				seen[marker] = name
			}
		}
		return true
	})
	return out, nil
}
