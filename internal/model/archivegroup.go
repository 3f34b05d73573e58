package model

import "time"

// BackendType selects which store family implements a given concern.
// NONE disables the concern entirely for the group.
type BackendType int

const (
	BackendNone BackendType = iota
	BackendRelational
	BackendDocument
)

func (b BackendType) String() string {
	switch b {
	case BackendRelational:
		return "RELATIONAL"
	case BackendDocument:
		return "DOCUMENT"
	default:
		return "NONE"
	}
}

// PayloadFormat selects how a payload is persisted by an archive group.
type PayloadFormat int

const (
	PayloadDefault PayloadFormat = iota // raw bytes
	PayloadJSON                         // parsed JSON document, when the payload parses
)

// ArchiveGroup is a declarative routing policy pairing topic filters to a
// last-value store and/or a time-series archive (spec §3 "ArchiveGroup").
// The group named "Default" with filter ["#"] MUST always exist.
type ArchiveGroup struct {
	Name              string
	Enabled           bool
	TopicFilters      []string
	RetainedOnly      bool
	LastValType       BackendType
	ArchiveType       BackendType
	PayloadFormat     PayloadFormat
	LastValRetention  *time.Duration
	ArchiveRetention  *time.Duration
	PurgeInterval     *time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DefaultArchiveGroupName is the seeded group every store must provide.
const DefaultArchiveGroupName = "Default"

// NewDefaultArchiveGroup builds the mandatory seed row.
func NewDefaultArchiveGroup() ArchiveGroup {
	now := time.Now()
	return ArchiveGroup{
		Name:          DefaultArchiveGroupName,
		Enabled:       true,
		TopicFilters:  []string{"#"},
		RetainedOnly:  false,
		LastValType:   BackendRelational,
		ArchiveType:   BackendRelational,
		PayloadFormat: PayloadDefault,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Eligible reports whether topic is in scope for this group and
// satisfies its retained_only policy, given that the incoming message has
// retain=msgRetain (spec §4.J step 4).
func (g ArchiveGroup) Eligible(matches func(filter, topic string) bool, topic string, msgRetain bool) bool {
	if !g.Enabled {
		return false
	}
	if g.RetainedOnly && !msgRetain {
		return false
	}
	for _, f := range g.TopicFilters {
		if matches(f, topic) {
			return true
		}
	}
	return false
}
