package pool

import (
	"strings"

	"github.com/gobwas/glob"
)

// exactPrefix marks a tag filter that is matched literally, so tags holding
// glob metacharacters can still be selected.
const exactPrefix = "="

// Filter selects sessions for RunningBrowsers. Zero values match everything.
type Filter struct {
	// BrowserName, if set, must equal the session's browser name exactly
	BrowserName string

	// Tags must each match at least one session tag. A tag is a glob pattern
	// such as "logged-*" or "region-{eu,us}", unless it starts with "=", in
	// which case the rest is compared literally ("=a*b" matches only "a*b").
	Tags []string

	// Reserved, if set, must equal the session's reservation state
	Reserved *bool
}

// compile builds the predicate for f.
func (f Filter) compile() (func(Session) bool, error) {
	patterns := make([]glob.Glob, 0, len(f.Tags))
	for _, tag := range f.Tags {
		pattern := tag
		if literal, ok := strings.CutPrefix(tag, exactPrefix); ok {
			pattern = glob.QuoteMeta(literal)
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, invalidRequest("invalid tag pattern %q: %v", tag, err)
		}
		patterns = append(patterns, g)
	}

	return func(s Session) bool {
		if f.BrowserName != "" && s.BrowserName != f.BrowserName {
			return false
		}
		if f.Reserved != nil && s.Reserved != *f.Reserved {
			return false
		}
		for _, g := range patterns {
			if !anyTagMatches(g, s.Tags) {
				return false
			}
		}
		return true
	}, nil
}

func anyTagMatches(g glob.Glob, tags []string) bool {
	for _, t := range tags {
		if g.Match(t) {
			return true
		}
	}
	return false
}
