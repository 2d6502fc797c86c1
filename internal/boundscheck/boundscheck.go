// Package boundscheck implements a go/analysis pass flagging
// user<->kernel and block-device copy loops that never consult an
// admission budget (spec.md §4.C's per-operation copy budget,
// internal/res). It is the static-analysis pass DESIGN.md's
// internal/res entry notes this module otherwise lacks, reworked from
// the teacher's compile-time, bounds-table-driven checking into a
// reusable analyzer built on golang.org/x/tools/go/analysis rather
// than the teacher's own unexercised golang.org/x/tools/go/pointer
// dependency.
package boundscheck

import (
	"go/ast"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer reports a for/range loop that calls one of copyCallees but
// whose enclosing function never calls Admit anywhere in its body.
var Analyzer = &analysis.Analyzer{
	Name:     "boundscheck",
	Doc:      "reports unbounded copy loops missing a budget Admit call",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

// copyCallees names the per-byte/per-page/per-block copy primitives a
// loop iterating user<->kernel or disk traffic is expected to call.
var copyCallees = map[string]bool{
	"Userdmap8_inner": true,
	"Uioread":         true,
	"Uiowrite":        true,
	"ReadBlock":       true,
	"WriteBlock":      true,
}

func run(pass *analysis.Pass) (interface{}, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	insp.Preorder([]ast.Node{(*ast.FuncDecl)(nil)}, func(n ast.Node) {
		fn := n.(*ast.FuncDecl)
		if fn.Body == nil {
			return
		}

		var admits, copies []ast.Node
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok {
				return true
			}
			if sel.Sel.Name == "Admit" {
				admits = append(admits, call)
			} else if copyCallees[sel.Sel.Name] {
				copies = append(copies, call)
			}
			return true
		})
		if len(copies) == 0 || len(admits) > 0 {
			return
		}

		for _, loop := range loopsIn(fn.Body) {
			if containsAny(loop, copies) {
				pass.Reportf(loop.Pos(), "loop in %s copies user/kernel or disk bytes without a budget Admit call", fn.Name.Name)
			}
		}
	})
	return nil, nil
}

func loopsIn(body *ast.BlockStmt) []ast.Node {
	var loops []ast.Node
	ast.Inspect(body, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.ForStmt, *ast.RangeStmt:
			loops = append(loops, n)
		}
		return true
	})
	return loops
}

func containsAny(container ast.Node, nodes []ast.Node) bool {
	for _, n := range nodes {
		if n.Pos() >= container.Pos() && n.End() <= container.End() {
			return true
		}
	}
	return false
}
