// Command resbudget runs the boundscheck static analysis pass across
// the module: the go/analysis-based checker DESIGN.md's internal/res
// entry notes this module otherwise lacks, grounded on the teacher's
// own unexercised golang.org/x/tools/go/pointer go.mod dependency —
// this gives that dependency a real caller instead of dropping it.
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"rvcore/internal/boundscheck"
)

func main() {
	singlechecker.Main(boundscheck.Analyzer)
}
