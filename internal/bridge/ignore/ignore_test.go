package ignore

import "testing"

func TestIsIgnoredLastMatchWins(t *testing.T) {
	patterns := []string{"build/", "!build/keep.txt"}

	if !IsIgnored("build/out.js", patterns) {
		t.Fatal("expected build/out.js to be ignored")
	}
	if IsIgnored("build/keep.txt", patterns) {
		t.Fatal("expected build/keep.txt to be re-included by negation")
	}
}

func TestIsIgnoredAnchoring(t *testing.T) {
	patterns := []string{"/vendor"}
	if !IsIgnored("vendor/pkg/a.go", patterns) {
		t.Fatal("expected anchored /vendor to match vendor/pkg/a.go")
	}
	if IsIgnored("src/vendor/pkg/a.go", patterns) {
		t.Fatal("expected anchored /vendor to NOT match nested src/vendor")
	}
}

func TestIsIgnoredDoubleStar(t *testing.T) {
	patterns := []string{"**/*.log"}
	if !IsIgnored("a/b/c/debug.log", patterns) {
		t.Fatal("expected **/*.log to match nested log file")
	}
	if !IsIgnored("debug.log", patterns) {
		t.Fatal("expected **/*.log to also match a top-level log file")
	}
	if IsIgnored("debug.logx", patterns) {
		t.Fatal("did not expect partial suffix match")
	}
}

func TestShouldSkipDirImplementsTraversalSkip(t *testing.T) {
	m := Compile([]string{"node_modules/"})
	if !m.ShouldSkipDir("node_modules") {
		t.Fatal("expected node_modules directory itself to be skipped")
	}
	if !m.IsIgnored("node_modules/pkg/index.js") {
		t.Fatal("expected files under node_modules to be ignored too")
	}
}

func TestIsIgnoredDeterministicOrdering(t *testing.T) {
	patterns := []string{"*.tmp", "!keep.tmp", "keep.tmp"}
	// Re-ignored by the final rule; last-match-wins must land on "true".
	if !IsIgnored("keep.tmp", patterns) {
		t.Fatal("expected final rule to re-ignore keep.tmp")
	}
}
