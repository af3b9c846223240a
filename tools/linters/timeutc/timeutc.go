// Package timeutc flags time.Now() calls that are not immediately chained
// with .UTC().
//
// Job state is shared through MongoDB between instances in unknown time
// zones, so every timestamp must be UTC before it is stored or compared.
package timeutc

import (
	"go/ast"
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/types/typeutil"
)

// Analyzer reports time.Now() calls whose result is used without .UTC().
var Analyzer = &analysis.Analyzer{
	Name:     "timeutc",
	Doc:      "reports time.Now() calls that are not immediately chained with .UTC()",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
}

// Run is assigned in init to break the initialization cycle between Analyzer
// and run, which reads Analyzer.Name through suppressed.
func init() {
	Analyzer.Run = run
}

func run(pass *analysis.Pass) (any, error) {
	in := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	in.WithStack([]ast.Node{(*ast.CallExpr)(nil)}, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		call := n.(*ast.CallExpr)
		if !isTimeNow(pass, call) {
			return true
		}
		if chainedWithUTC(call, stack) {
			return true
		}
		if suppressed(pass, stack[0].(*ast.File), call.Pos()) {
			return true
		}

		pass.Report(analysis.Diagnostic{
			Pos:     call.Pos(),
			End:     call.End(),
			Message: "time.Now() without .UTC(): timestamps must be UTC before they reach the store",
			SuggestedFixes: []analysis.SuggestedFix{{
				Message: "Chain .UTC() onto the call",
				TextEdits: []analysis.TextEdit{{
					Pos:     call.End(),
					End:     call.End(),
					NewText: []byte(".UTC()"),
				}},
			}},
		})
		return true
	})

	return nil, nil
}

// isTimeNow resolves the callee through the type checker, so a local
// identifier that happens to be named time does not trip the check.
func isTimeNow(pass *analysis.Pass, call *ast.CallExpr) bool {
	fn, ok := typeutil.Callee(pass.TypesInfo, call).(*types.Func)
	return ok && fn.FullName() == "time.Now"
}

// chainedWithUTC reports whether call is the receiver of an immediate .UTC()
// selection, as in time.Now().UTC().
func chainedWithUTC(call *ast.CallExpr, stack []ast.Node) bool {
	if len(stack) < 2 {
		return false
	}
	sel, ok := stack[len(stack)-2].(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "UTC" && sel.X == call
}

// suppressed reports whether a nolint comment on the same line or the line
// above covers this analyzer. A bare //nolint suppresses everything; a
// scoped //nolint:name list suppresses only the analyzers it names.
func suppressed(pass *analysis.Pass, file *ast.File, pos token.Pos) bool {
	line := pass.Fset.Position(pos).Line
	for _, group := range file.Comments {
		for _, comment := range group.List {
			commentLine := pass.Fset.Position(comment.Pos()).Line
			if commentLine != line && commentLine != line-1 {
				continue
			}
			text := comment.Text
			if !strings.Contains(text, "nolint") {
				continue
			}
			if !strings.Contains(text, ":") || strings.Contains(text, Analyzer.Name) {
				return true
			}
		}
	}
	return false
}
