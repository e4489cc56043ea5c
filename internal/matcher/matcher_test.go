package matcher

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *nostr.Event {
	return &nostr.Event{
		ID:        "ab3f1c0000000000000000000000000000000000000000000000000000000001",
		PubKey:    "deadbeef00000000000000000000000000000000000000000000000000000002",
		Kind:      1,
		CreatedAt: nostr.Timestamp(1700000000),
		Content:   "Hello Nostr World",
		Tags: nostr.Tags{
			{"e", "ab3f1c0000000000000000000000000000000000000000000000000000000099"},
			{"p", "deadbeef00000000000000000000000000000000000000000000000000000002"},
			{"t", "Golang"},
		},
	}
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	cf := Compile(nostr.Filter{})
	assert.True(t, cf.Matches(sampleEvent()))
}

func TestIDPrefixMatching(t *testing.T) {
	evt := sampleEvent()

	tests := []struct {
		name string
		ids  []string
		want bool
	}{
		{"single char prefix", []string{"a"}, true},
		{"odd length prefix", []string{"ab3"}, true},
		{"even length prefix", []string{"ab3f"}, true},
		{"63 char prefix", []string{evt.ID[:63]}, true},
		{"full 64 char id", []string{evt.ID}, true},
		{"wrong prefix", []string{"ff"}, false},
		{"one of several", []string{"ff", "ab3f"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cf := Compile(nostr.Filter{IDs: tc.ids})
			assert.Equal(t, tc.want, cf.Matches(evt))
		})
	}
}

func TestAuthorPrefixMatching(t *testing.T) {
	evt := sampleEvent()

	cf := Compile(nostr.Filter{Authors: []string{"dead"}})
	assert.True(t, cf.Matches(evt))

	cf = Compile(nostr.Filter{Authors: []string{"beef"}})
	assert.False(t, cf.Matches(evt))
}

func TestExplicitEmptyArraysMatchNothing(t *testing.T) {
	evt := sampleEvent()

	assert.False(t, Compile(nostr.Filter{IDs: []string{}}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Authors: []string{}}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Kinds: []int{}}).Matches(evt))
}

func TestKindMatching(t *testing.T) {
	evt := sampleEvent()

	assert.True(t, Compile(nostr.Filter{Kinds: []int{1, 7}}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Kinds: []int{0, 7}}).Matches(evt))
}

func TestTimeWindowIsInclusive(t *testing.T) {
	evt := sampleEvent()
	at := nostr.Timestamp(1700000000)
	before := nostr.Timestamp(1699999999)
	after := nostr.Timestamp(1700000001)

	assert.True(t, Compile(nostr.Filter{Since: &at}).Matches(evt))
	assert.True(t, Compile(nostr.Filter{Until: &at}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Since: &after}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Until: &before}).Matches(evt))
}

func TestSinceAfterUntilIsImpossible(t *testing.T) {
	since := nostr.Timestamp(1700000010)
	until := nostr.Timestamp(1700000000)

	cf := Compile(nostr.Filter{Since: &since, Until: &until})
	assert.True(t, cf.Impossible())
	assert.False(t, cf.Matches(sampleEvent()))
}

func TestTagMatching(t *testing.T) {
	evt := sampleEvent()

	cf := Compile(nostr.Filter{Tags: nostr.TagMap{
		"e": {"ab3f1c0000000000000000000000000000000000000000000000000000000099"},
	}})
	assert.True(t, cf.Matches(evt))

	// Tag values are exact, not prefixes.
	cf = Compile(nostr.Filter{Tags: nostr.TagMap{"e": {"ab3f1c"}}})
	assert.False(t, cf.Matches(evt))

	// Every named tag must match.
	cf = Compile(nostr.Filter{Tags: nostr.TagMap{
		"e": {"ab3f1c0000000000000000000000000000000000000000000000000000000099"},
		"p": {"0000000000000000000000000000000000000000000000000000000000000000"},
	}})
	assert.False(t, cf.Matches(evt))

	// Explicit empty tag value list matches nothing.
	cf = Compile(nostr.Filter{Tags: nostr.TagMap{"e": {}}})
	assert.False(t, cf.Matches(evt))
}

func TestSearchIsCaseInsensitiveSubstring(t *testing.T) {
	evt := sampleEvent()

	assert.True(t, Compile(nostr.Filter{Search: "hello"}).Matches(evt))
	assert.True(t, Compile(nostr.Filter{Search: "NOSTR W"}).Matches(evt))
	assert.False(t, Compile(nostr.Filter{Search: "goodbye"}).Matches(evt))

	// Search also covers tag values.
	assert.True(t, Compile(nostr.Filter{Search: "golang"}).Matches(evt))
}

func TestFilterSetMatchesAnyFilter(t *testing.T) {
	evt := sampleEvent()

	fs := CompileAll(nostr.Filters{
		{Kinds: []int{0}},
		{Authors: []string{"dead"}},
	})
	assert.True(t, fs.Matches(evt))

	fs = CompileAll(nostr.Filters{
		{Kinds: []int{0}},
		{Kinds: []int{7}},
	})
	assert.False(t, fs.Matches(evt))
}

func TestLiveOnly(t *testing.T) {
	require.True(t, CompileAll(nostr.Filters{{LimitZero: true}}).LiveOnly())
	require.False(t, CompileAll(nostr.Filters{{LimitZero: true}, {Limit: 5}}).LiveOnly())
	require.False(t, CompileAll(nostr.Filters{{}}).LiveOnly())
}
