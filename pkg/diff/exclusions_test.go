package diff

import "testing"

func TestExclusionSetMatches(t *testing.T) {
	testCases := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"Basename Literal Anywhere", []string{"node_modules"}, "a/b/node_modules", true},
		{"Basename Literal Case Insensitive", []string{".DS_Store"}, "photos/.ds_store", true},
		{"Full Path Literal", []string{"docs/config.json"}, "docs/config.json", true},
		{"Full Path Literal Elsewhere", []string{"docs/config.json"}, "other/docs/config.json", false},
		{"Suffix", []string{"*.tmp"}, "a/b/file.tmp", true},
		{"Suffix No Match", []string{"*.tmp"}, "a/b/file.tmpx", false},
		{"Basename Prefix", []string{"~*"}, "a/~lock.docx", true},
		{"Directory Prefix Slash", []string{"build/"}, "build/out/bin", true},
		{"Directory Prefix Slash Exact", []string{"build/"}, "build", true},
		{"Directory Prefix Slash Sibling", []string{"build/"}, "build-tools/x", false},
		{"Directory Contents Star", []string{"build/*"}, "build/x", true},
		{"Glob Basename", []string{"*.[ch]"}, "src/main.c", true},
		{"Glob Full Path", []string{"src/*/gen.go"}, "src/a/gen.go", true},
		{"Glob Full Path No Match", []string{"src/*/gen.go"}, "src/a/b/gen.go", false},
		{"No Patterns", nil, "anything", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			set, err := newExclusionSet(tc.patterns)
			if err != nil {
				t.Fatalf("newExclusionSet failed: %v", err)
			}
			if got := set.matches(tc.path); got != tc.want {
				t.Errorf("matches(%q) with %v = %v, want %v", tc.path, tc.patterns, got, tc.want)
			}
		})
	}
}

func TestValidatePatterns(t *testing.T) {
	if err := ValidatePatterns([]string{"*.tmp", "build/", "a?c"}); err != nil {
		t.Errorf("expected valid patterns, got %v", err)
	}
	if err := ValidatePatterns([]string{"ok", "[bad"}); err == nil {
		t.Error("expected an error for an unterminated character class")
	}
}
