// Package risk computes a deterministic risk score from cheap static
// signals and evaluates the quality gate over a completed attempt's
// evidence. The score is advisory metadata; it never vetoes on its own.
package risk

import (
	"strings"
)

// Score combines four bounded sub-scores into a 0-100 total
type Score struct {
	ChangeSize   int `json:"change_size"`
	CriticalPath int `json:"critical_path"`
	TestCoverage int `json:"test_coverage"`
	Hygiene      int `json:"hygiene"`
	Total        int `json:"total"`
}

// criticalPathMarkers flag files whose modification is inherently risky
var criticalPathMarkers = []string{
	"auth", "login", "session", "token", "password", "crypto", "secret",
	"migration", "schema", "payment", "billing",
}

// hygieneMarkers flag left-over debug or disabled-test artifacts in a patch
var hygieneMarkers = []string{
	"TODO", "FIXME", "XXX", "console.log", "fmt.Println(", "t.Skip(",
	"DO NOT MERGE",
}

// ScoreChange computes the risk score for a proposed change. patch is the
// unified-diff text; files is the list of touched paths.
func ScoreChange(patch string, files []string) Score {
	var s Score

	// Change size: scale added/removed lines into 0-25.
	lines := 0
	for _, line := range strings.Split(patch, "\n") {
		if len(line) == 0 {
			continue
		}
		if (line[0] == '+' || line[0] == '-') && !strings.HasPrefix(line, "+++") && !strings.HasPrefix(line, "---") {
			lines++
		}
	}
	s.ChangeSize = boundScale(lines, 400)

	// Critical paths: each touched risky file adds weight.
	critical := 0
	for _, f := range files {
		lower := strings.ToLower(f)
		for _, marker := range criticalPathMarkers {
			if strings.Contains(lower, marker) {
				critical++
				break
			}
		}
	}
	s.CriticalPath = boundScale(critical*8, 25)

	// Test coverage: a change that touches no test file at all scores the
	// full 25; partial coverage scales down.
	touchesTest := false
	for _, f := range files {
		if strings.Contains(f, "_test.go") || strings.Contains(f, "/test") || strings.HasSuffix(f, ".test.ts") {
			touchesTest = true
			break
		}
	}
	if !touchesTest && len(files) > 0 {
		s.TestCoverage = 25
	}

	// Hygiene: leftover debug markers in the patch body.
	hygiene := 0
	for _, marker := range hygieneMarkers {
		hygiene += strings.Count(patch, marker)
	}
	s.Hygiene = boundScale(hygiene*5, 25)

	s.Total = s.ChangeSize + s.CriticalPath + s.TestCoverage + s.Hygiene
	return s
}

// boundScale maps v linearly into 0-25, saturating at max
func boundScale(v, max int) int {
	if v <= 0 {
		return 0
	}
	if v >= max {
		return 25
	}
	return v * 25 / max
}
