// Package profiles implements the profile-driven route switch from
// spec.md §4.6: an ordered table of RequestMatch predicates, each
// bound to a route-building Make, rebuilt wholesale whenever a new
// profile arrives, falling back to a default route when nothing
// matches.
//
// RequestMatch's PathRegex matching is grounded on
// invalidation/patterns.go's PatternMatcher: a sync.Map-backed compiled
// regex cache keyed by pattern string, here keyed by the match's own
// regex source so repeated rebuilds of the same profile never
// recompile a pattern twice. pkg/utils/pattern.go implements the same
// cache-a-compiled-regex-in-a-sync.Map technique over the same
// glob-to-regex problem; it is not adapted separately, since doing so
// would just be this package's matcher copied under a different name
// (see DESIGN.md).
package profiles

import (
	"context"
	"regexp"
	"sync"

	"encore.app/telemetry"
)

var regexCache sync.Map // pattern string -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// MatchInput is the subset of a request RequestMatch evaluates
// against. It is decoupled from stack.Request so profile matching can
// be unit tested without constructing real HTTP requests.
type MatchInput struct {
	Path   string
	Method string
}

// RequestMatch decides whether a request falls into one route.
type RequestMatch interface {
	Matches(in MatchInput) bool
}

type allMatch struct{ of []RequestMatch }

// All matches when every child matcher matches (logical AND). An
// empty All matches everything.
func All(of ...RequestMatch) RequestMatch { return allMatch{of: of} }

func (m allMatch) Matches(in MatchInput) bool {
	for _, c := range m.of {
		if !c.Matches(in) {
			return false
		}
	}
	return true
}

type anyMatch struct{ of []RequestMatch }

// Any matches when at least one child matcher matches (logical OR).
// An empty Any matches nothing.
func Any(of ...RequestMatch) RequestMatch { return anyMatch{of: of} }

func (m anyMatch) Matches(in MatchInput) bool {
	for _, c := range m.of {
		if c.Matches(in) {
			return true
		}
	}
	return false
}

type notMatch struct{ of RequestMatch }

// Not inverts a matcher.
func Not(of RequestMatch) RequestMatch { return notMatch{of: of} }

func (m notMatch) Matches(in MatchInput) bool { return !m.of.Matches(in) }

type pathRegexMatch struct {
	pattern string
	re      *regexp.Regexp
}

// PathRegex matches a request whose Path matches the given regex,
// anchored to the whole path (Go's regexp has no implicit anchoring).
// Returns an error if pattern fails to compile.
func PathRegex(pattern string) (RequestMatch, error) {
	re, err := compile("^" + pattern + "$")
	if err != nil {
		return nil, err
	}
	return pathRegexMatch{pattern: pattern, re: re}, nil
}

func (m pathRegexMatch) Matches(in MatchInput) bool { return m.re.MatchString(in.Path) }

type methodMatch struct{ method string }

// Method matches a request with the given HTTP method (case-sensitive,
// matching net/http's own convention of uppercase verbs).
func Method(method string) RequestMatch { return methodMatch{method: method} }

func (m methodMatch) Matches(in MatchInput) bool { return in.Method == m.method }

// Route pairs a RequestMatch with the handler invoked when it wins.
type Route[H any] struct {
	Match   RequestMatch
	Handler H
}

// ProfileEntry is a route and the pattern source it was built from.
// A Builder returns only the handler; builders may fail per-entry, in
// which case Rebuild logs and skips the failing entry rather than aborting the
// whole profile (spec.md §4.6, grounded on invalidation/audit.go's
// "skip the offending record, keep the rest" posture).
type ProfileEntry[H any] struct {
	Pattern string
	Match   RequestMatch
	Handler H
}

// Builder constructs one profile entry's handler for a recognized
// route. It fails per-entry; the table swallows individual failures.
type Builder[H any] func(pattern string) (H, error)

// Table is the current set of routes, in priority order, plus a
// default handler used when nothing matches.
type Table[H any] struct {
	mu      sync.RWMutex
	routes  []Route[H]
	def     H
	hasDef  bool
}

// NewTable builds an empty table with the given default handler.
func NewTable[H any](def H) *Table[H] {
	return &Table[H]{def: def, hasDef: true}
}

// Dispatch returns the handler for the first route whose matcher
// accepts in, in table order, or the default handler if none do.
func (t *Table[H]) Dispatch(in MatchInput) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		if r.Match.Matches(in) {
			return r.Handler, true
		}
	}
	return t.def, t.hasDef
}

// Rebuild replaces the table's routes wholesale from the given
// pattern/matcher pairs, using build to construct each entry's
// handler. A pattern whose build fails is logged and skipped; the
// rest of the table still gets rebuilt.
func (t *Table[H]) Rebuild(ctx context.Context, specs []ProfileSpec, build Builder[H]) {
	routes := make([]Route[H], 0, len(specs))
	for _, spec := range specs {
		handler, err := build(spec.Pattern)
		if err != nil {
			telemetry.Logf(ctx, telemetry.LevelWarn, "profiles: skipping route %q: %v", spec.Pattern, err)
			continue
		}
		routes = append(routes, Route[H]{Match: spec.Match, Handler: handler})
	}

	t.mu.Lock()
	t.routes = routes
	t.mu.Unlock()
}

// ProfileSpec is one entry of an incoming profile update: a pattern
// (kept for logging) and the RequestMatch it compiled to.
type ProfileSpec struct {
	Pattern string
	Match   RequestMatch
}

// Len returns the current number of routes (excluding the default).
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
