// Package bsonop flags misspelled MongoDB operators in bson literals.
//
// A typo in an operator key ("$setoninsert", "$exits") is not a compile
// error. It surfaces at runtime as a server error, or as a filter that
// silently matches nothing. The analyzer checks every $-prefixed key in a
// bson.M, bson.D or bson.E literal against the operators MongoDB defines.
package bsonop

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/token"
	"go/types"
	"strconv"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer reports $-prefixed keys in bson literals that are not MongoDB
// operators. Case typos come with a suggested fix.
var Analyzer = &analysis.Analyzer{
	Name:     "bsonop",
	Doc:      "checks $-prefixed keys in bson literals against the set of MongoDB operators",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
}

// Run is assigned in init to break the initialization cycle between Analyzer
// and run, which reads Analyzer.Name through suppressed.
func init() {
	Analyzer.Run = run
}

// operators holds the query and update operators plus the aggregation stages
// and expressions this codebase can reasonably meet. Extend it when a new
// operator shows up; //nolint:bsonop covers the gap until then.
var operators = stringSet(
	// Query: comparison, logical, element, evaluation, array.
	"$eq", "$gt", "$gte", "$in", "$lt", "$lte", "$ne", "$nin",
	"$and", "$nor", "$not", "$or",
	"$exists", "$type",
	"$expr", "$jsonSchema", "$mod", "$options", "$regex", "$text", "$where",
	"$all", "$elemMatch", "$size",
	// Update: field and array operators, modifiers.
	"$currentDate", "$inc", "$max", "$min", "$mul", "$rename", "$set", "$setOnInsert", "$unset",
	"$addToSet", "$pop", "$pull", "$pullAll", "$push",
	"$each", "$position", "$slice", "$sort",
	// Aggregation stages.
	"$addFields", "$bucket", "$count", "$facet", "$group", "$limit", "$lookup",
	"$match", "$merge", "$out", "$project", "$redact", "$replaceRoot",
	"$replaceWith", "$sample", "$skip", "$sortByCount", "$unionWith", "$unwind",
	// Aggregation expressions and accumulators.
	"$abs", "$add", "$avg", "$ceil", "$concat", "$cond", "$dateToString",
	"$divide", "$first", "$floor", "$ifNull", "$last", "$literal", "$map",
	"$mergeObjects", "$multiply", "$round", "$subtract", "$sum", "$switch",
	"$toLower", "$toUpper", "$trunc",
	// Misc.
	"$comment", "$natural",
)

// recased maps the lowercase form of every operator back to its canonical
// spelling, for suggesting fixes to case typos.
var recased = func() map[string]string {
	m := make(map[string]string, len(operators))
	for op := range operators {
		m[strings.ToLower(op)] = op
	}
	return m
}()

func stringSet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func run(pass *analysis.Pass) (any, error) {
	in := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	in.WithStack([]ast.Node{(*ast.CompositeLit)(nil)}, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		lit := n.(*ast.CompositeLit)
		file := stack[0].(*ast.File)

		switch {
		case isBsonType(pass.TypesInfo.TypeOf(lit), "M"):
			for _, elt := range lit.Elts {
				if kv, ok := elt.(*ast.KeyValueExpr); ok {
					checkKey(pass, file, kv.Key)
				}
			}
		case isBsonType(pass.TypesInfo.TypeOf(lit), "E"):
			checkKey(pass, file, elementKey(lit))
		}
		return true
	})

	return nil, nil
}

// elementKey returns the expression holding an E literal's Key, whether the
// literal is keyed or positional. Nil when the literal carries no key.
func elementKey(lit *ast.CompositeLit) ast.Expr {
	for _, elt := range lit.Elts {
		if kv, ok := elt.(*ast.KeyValueExpr); ok {
			if id, ok := kv.Key.(*ast.Ident); ok && id.Name == "Key" {
				return kv.Value
			}
			continue
		}
		// Positional literal: the first field is Key.
		return elt
	}
	return nil
}

// checkKey reports expr when it is a constant $-prefixed string that is not
// a known operator. Keys only reachable through variables are left alone.
func checkKey(pass *analysis.Pass, file *ast.File, expr ast.Expr) {
	if expr == nil {
		return
	}
	tv, ok := pass.TypesInfo.Types[expr]
	if !ok || tv.Value == nil || tv.Value.Kind() != constant.String {
		return
	}
	key := constant.StringVal(tv.Value)
	if !strings.HasPrefix(key, "$") {
		return
	}
	if _, known := operators[key]; known {
		return
	}
	if suppressed(pass, file, expr.Pos()) {
		return
	}

	diag := analysis.Diagnostic{
		Pos:     expr.Pos(),
		End:     expr.End(),
		Message: fmt.Sprintf("unknown MongoDB operator %q", key),
	}
	if fixed, ok := recased[strings.ToLower(key)]; ok {
		diag.Message = fmt.Sprintf("unknown MongoDB operator %q (did you mean %q?)", key, fixed)
		if lit, isLit := expr.(*ast.BasicLit); isLit && lit.Kind == token.STRING {
			diag.SuggestedFixes = []analysis.SuggestedFix{{
				Message: fmt.Sprintf("Replace with %q", fixed),
				TextEdits: []analysis.TextEdit{{
					Pos:     lit.Pos(),
					End:     lit.End(),
					NewText: []byte(strconv.Quote(fixed)),
				}},
			}}
		}
	}
	pass.Report(diag)
}

// isBsonType reports whether t is the named bson document type (M, D or E)
// from the official driver. bson.M and friends are aliases for the primitive
// package's types, so both paths are accepted.
func isBsonType(t types.Type, name string) bool {
	named, ok := unalias(t).(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	if obj.Name() != name || obj.Pkg() == nil {
		return false
	}
	path := obj.Pkg().Path()
	return strings.HasSuffix(path, "mongo-driver/bson") || strings.HasSuffix(path, "mongo-driver/bson/primitive")
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
