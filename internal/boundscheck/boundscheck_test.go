package boundscheck_test

import (
	"testing"

	"golang.org/x/tools/go/analysis/analysistest"

	"rvcore/internal/boundscheck"
)

func TestBoundscheck(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), boundscheck.Analyzer, "a")
}
