// Package topic implements the topic-name and topic-filter grammar shared
// by every subscription-aware component: splitting into levels, wildcard
// detection, and level-structural (not textual) filter matching (spec §4.A).
package topic

import (
	"strings"

	"github.com/monstermq/core/pkg/er"
)

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	levelSeparator      = "/"
)

// Levels splits a topic or filter into its levels.
func Levels(s string) []string {
	return strings.Split(s, levelSeparator)
}

// IsWildcard reports whether filter contains a '+' or '#' level.
func IsWildcard(filter string) bool {
	for _, l := range Levels(filter) {
		if l == singleLevelWildcard || l == multiLevelWildcard {
			return true
		}
	}
	return false
}

// Validate rejects malformed topic names: empty string, empty levels, or
// any wildcard character (wildcards are only legal in filters).
func Validate(t string) error {
	if t == "" {
		return er.New("topic.Validate", er.KindInvalidInput, er.ErrInvalidTopic)
	}
	for _, l := range Levels(t) {
		if l == "" {
			return er.New("topic.Validate", er.KindInvalidInput, er.ErrInvalidTopic)
		}
		if strings.ContainsAny(l, "+#") {
			return er.New("topic.Validate", er.KindInvalidInput, er.ErrInvalidTopic)
		}
	}
	return nil
}

// ValidateFilter rejects malformed topic filters: empty string, empty
// levels, '#' appearing anywhere but the final level, or a level mixing a
// wildcard character with other characters.
func ValidateFilter(f string) error {
	if f == "" {
		return er.New("topic.ValidateFilter", er.KindInvalidInput, er.ErrInvalidFilter)
	}
	levels := Levels(f)
	for i, l := range levels {
		if l == "" {
			return er.New("topic.ValidateFilter", er.KindInvalidInput, er.ErrInvalidFilter)
		}
		if l == multiLevelWildcard && i != len(levels)-1 {
			return er.New("topic.ValidateFilter", er.KindInvalidInput, er.ErrInvalidFilter)
		}
		if l != singleLevelWildcard && l != multiLevelWildcard && strings.ContainsAny(l, "+#") {
			return er.New("topic.ValidateFilter", er.KindInvalidInput, er.ErrInvalidFilter)
		}
	}
	return nil
}

// Matches reports whether topic satisfies filter, comparing level by
// level: '+' consumes exactly one level, '#' (legal only as the final
// filter level) matches the remainder including zero levels, and literal
// levels require exact byte equality (spec §4.A, tested against the
// seed examples in spec §8).
func Matches(filter, t string) bool {
	fl := Levels(filter)
	tl := Levels(t)

	i := 0
	for ; i < len(fl); i++ {
		if fl[i] == multiLevelWildcard {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if fl[i] == singleLevelWildcard {
			continue
		}
		if fl[i] != tl[i] {
			return false
		}
	}
	return i == len(tl)
}
