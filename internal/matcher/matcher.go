package matcher

import (
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// CompiledFilter is a filter pre-processed for repeated matching. Exact
// 64-character ids and authors go into lookup sets; shorter values are kept
// as hex prefixes and scanned linearly.
type CompiledFilter struct {
	ExactIDs       map[string]bool
	IDPrefixes     []string
	ExactAuthors   map[string]bool
	AuthorPrefixes []string
	Kinds          map[int]bool
	Since          *nostr.Timestamp
	Until          *nostr.Timestamp
	Tags           map[string]map[string]bool
	Search         string

	// Limit applies to stored-event backfill only, never to live matching.
	// LimitZero distinguishes an explicit "limit": 0 (live-only
	// subscription) from an absent limit.
	Limit     int
	LimitZero bool

	hasIDs     bool
	hasAuthors bool
	hasKinds   bool
	impossible bool
}

// Compile pre-processes a filter for efficient matching.
func Compile(f nostr.Filter) *CompiledFilter {
	cf := &CompiledFilter{
		ExactIDs:     make(map[string]bool),
		ExactAuthors: make(map[string]bool),
		Kinds:        make(map[int]bool),
		Tags:         make(map[string]map[string]bool),
		Search:       strings.ToLower(f.Search),
		Limit:        f.Limit,
		LimitZero:    f.LimitZero,
		hasIDs:       f.IDs != nil,
		hasAuthors:   f.Authors != nil,
		hasKinds:     f.Kinds != nil,
	}

	for _, id := range f.IDs {
		if len(id) == 64 {
			cf.ExactIDs[id] = true
		} else {
			cf.IDPrefixes = append(cf.IDPrefixes, id)
		}
	}
	for _, author := range f.Authors {
		if len(author) == 64 {
			cf.ExactAuthors[author] = true
		} else {
			cf.AuthorPrefixes = append(cf.AuthorPrefixes, author)
		}
	}
	for _, kind := range f.Kinds {
		cf.Kinds[kind] = true
	}

	if f.Since != nil {
		s := *f.Since
		cf.Since = &s
	}
	if f.Until != nil {
		u := *f.Until
		cf.Until = &u
	}
	// An inverted time window can never match anything.
	if cf.Since != nil && cf.Until != nil && *cf.Since > *cf.Until {
		cf.impossible = true
	}

	for tagName, tagValues := range f.Tags {
		set := make(map[string]bool, len(tagValues))
		for _, value := range tagValues {
			set[value] = true
		}
		cf.Tags[tagName] = set
	}

	return cf
}

// Impossible reports whether the filter can never match any event, such as
// when since is greater than until.
func (cf *CompiledFilter) Impossible() bool {
	return cf.impossible
}

// Matches reports whether evt satisfies every constraint of the filter.
// Absent constraints match everything, so the empty filter matches all
// events.
func (cf *CompiledFilter) Matches(evt *nostr.Event) bool {
	if cf.impossible {
		return false
	}
	if cf.hasIDs && !matchHex(evt.ID, cf.ExactIDs, cf.IDPrefixes) {
		return false
	}
	if cf.hasAuthors && !matchHex(evt.PubKey, cf.ExactAuthors, cf.AuthorPrefixes) {
		return false
	}
	if cf.hasKinds && !cf.Kinds[evt.Kind] {
		return false
	}
	if cf.Since != nil && evt.CreatedAt < *cf.Since {
		return false
	}
	if cf.Until != nil && evt.CreatedAt > *cf.Until {
		return false
	}
	for tagName, values := range cf.Tags {
		if !matchTag(evt.Tags, tagName, values) {
			return false
		}
	}
	if cf.Search != "" && !matchSearch(evt, cf.Search) {
		return false
	}
	return true
}

// matchHex matches a 64-character hex field against a set of exact values
// and a list of prefixes. Prefixes may have odd length; matching is plain
// string-prefix over the hex encoding. An empty constraint list matches
// nothing, per the explicit-empty-array rule.
func matchHex(value string, exact map[string]bool, prefixes []string) bool {
	if exact[value] {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

// matchTag reports whether any event tag is named tagName with its first
// value in the wanted set. An empty wanted set matches nothing. Only the
// value at index 1 participates; tags with no value never match.
func matchTag(tags nostr.Tags, tagName string, wanted map[string]bool) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName && wanted[tag[1]] {
			return true
		}
	}
	return false
}

// matchSearch does a case-insensitive substring scan over the content and
// every tag value.
func matchSearch(evt *nostr.Event, needle string) bool {
	if strings.Contains(strings.ToLower(evt.Content), needle) {
		return true
	}
	for _, tag := range evt.Tags {
		for i := 1; i < len(tag); i++ {
			if strings.Contains(strings.ToLower(tag[i]), needle) {
				return true
			}
		}
	}
	return false
}

// FilterSet is a disjunction of compiled filters, as carried by a single
// REQ.
type FilterSet []*CompiledFilter

// CompileAll compiles each filter of a REQ.
func CompileAll(filters nostr.Filters) FilterSet {
	fs := make(FilterSet, 0, len(filters))
	for _, f := range filters {
		fs = append(fs, Compile(f))
	}
	return fs
}

// Matches reports whether any filter in the set matches evt.
func (fs FilterSet) Matches(evt *nostr.Event) bool {
	for _, cf := range fs {
		if cf.Matches(evt) {
			return true
		}
	}
	return false
}

// LiveOnly reports whether every filter in the set carries an explicit
// limit of zero, meaning the subscription wants no stored events at all.
func (fs FilterSet) LiveOnly() bool {
	for _, cf := range fs {
		if !cf.LimitZero {
			return false
		}
	}
	return len(fs) > 0
}
