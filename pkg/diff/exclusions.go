package diff

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

type matchType int

const (
	literalMatch matchType = iota
	prefixMatch
	suffixMatch
	globMatch
)

// pattern is one pre-analyzed exclusion pattern.
type pattern struct {
	raw      string    // As configured, for logging.
	clean    string    // Wildcards stripped for prefix/suffix matches; the full glob otherwise.
	match    matchType // How clean is compared.
	basename bool      // Compare against the entry's name instead of its relative path.
	dirOnly  bool      // Trailing "/" form: only an exact directory or its contents match.
}

// exclusionSet splits patterns by cost so the common literal cases are map lookups.
type exclusionSet struct {
	literals         map[string]struct{} // Full relative path, e.g. "docs/config.json".
	basenameLiterals map[string]struct{} // Entry name anywhere in the tree, e.g. "node_modules".
	patterns         []pattern
}

// ValidatePatterns reports the first pattern that is not a valid glob.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(normalizePattern(p), ""); err != nil {
			return fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
	}
	return nil
}

// newExclusionSet analyzes patterns. Matching is case-insensitive and uses forward slashes.
// A pattern without a "/" matches an entry name anywhere in the tree, like .gitignore.
func newExclusionSet(patterns []string) (exclusionSet, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return exclusionSet{}, err
	}

	set := exclusionSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
	}

	for _, raw := range patterns {
		p := normalizePattern(raw)
		if p == "" {
			continue
		}
		onName := !strings.Contains(p, "/")

		if !strings.ContainsAny(p, "*?[") {
			switch {
			case strings.HasSuffix(p, "/"):
				set.patterns = append(set.patterns, pattern{raw: raw, clean: strings.TrimSuffix(p, "/"), match: prefixMatch, dirOnly: true})
			case onName:
				set.basenameLiterals[p] = struct{}{}
			default:
				set.literals[p] = struct{}{}
			}
			continue
		}

		head, tail := p[:len(p)-1], p[1:]
		switch {
		case strings.HasSuffix(p, "/*") && !strings.ContainsAny(p[:len(p)-2], "*?["):
			// "build/*" excludes everything below build.
			set.patterns = append(set.patterns, pattern{raw: raw, clean: strings.TrimSuffix(p, "*"), match: prefixMatch})
		case strings.HasSuffix(p, "*") && !strings.ContainsAny(head, "*?["):
			// "~*", "temp_*"
			set.patterns = append(set.patterns, pattern{raw: raw, clean: head, match: prefixMatch, basename: onName})
		case strings.HasPrefix(p, "*") && !strings.ContainsAny(tail, "*?["):
			// "*.tmp"
			set.patterns = append(set.patterns, pattern{raw: raw, clean: tail, match: suffixMatch, basename: onName})
		default:
			set.patterns = append(set.patterns, pattern{raw: raw, clean: p, match: globMatch, basename: onName})
		}
	}
	return set, nil
}

// empty reports whether the set can never match.
func (es *exclusionSet) empty() bool {
	return len(es.literals) == 0 && len(es.basenameLiterals) == 0 && len(es.patterns) == 0
}

// matches reports whether the entry at relPathKey is excluded.
func (es *exclusionSet) matches(relPathKey string) bool {
	if es.empty() {
		return false
	}
	key := normalizePattern(relPathKey)
	name := path.Base(key)

	if _, ok := es.literals[key]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[name]; ok {
		return true
	}

	for _, p := range es.patterns {
		subject := key
		if p.basename {
			subject = name
		}
		switch p.match {
		case prefixMatch:
			if p.dirOnly {
				if subject == p.clean || strings.HasPrefix(subject, p.clean+"/") {
					return true
				}
				continue
			}
			if strings.HasPrefix(subject, p.clean) {
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(subject, p.clean) {
				return true
			}
		case globMatch:
			// Patterns were validated in newExclusionSet.
			if ok, _ := path.Match(p.clean, subject); ok {
				return true
			}
		}
	}
	return false
}

func normalizePattern(p string) string {
	return strings.ToLower(filepath.ToSlash(strings.TrimSpace(p)))
}
