// Package topic decodes raw broker topic strings into structured plant
// locations, a routing category, and the remaining field path.
//
// Topics have variable depth. After the tenant segment the decoder scans
// forward for the first segment matching the category vocabulary; the number
// of segments before that match determines whether the event is
// enterprise-level, site-level, area-level, line-level, or equipment-level.
// The precedence rules are an explicit ordered table (shallowest match wins)
// so the depth resolution is auditable and total: every segment count has a
// defined outcome, including "no match".
package topic

import (
	"strings"

	"github.com/plantstream-io/plantstream/internal/config"
)

// Category identifies the routing class of a decoded event.
// The set is closed; anything else decodes to CategoryUnknown and is dropped
// by the decoder rather than guessed at.
type Category string

// Known category segments, as they appear on the wire.
const (
	CategoryMetric      Category = "metric"
	CategoryNode        Category = "node"
	CategoryWorkOrder   Category = "workorder"
	CategoryLot         Category = "lotnumber"
	CategoryProcessData Category = "processdata"
	CategoryState       Category = "state"
	CategoryUnknown     Category = ""
)

// Level describes how deep into the plant hierarchy a topic addresses.
type Level int

// Hierarchy levels, shallowest first.
const (
	LevelEnterprise Level = iota
	LevelSite
	LevelArea
	LevelLine
	LevelEquipment
)

type (
	// Location is the hierarchical plant address carried by a topic.
	// Line and Equipment are empty for shallower events.
	Location struct {
		Site      string
		Area      string
		Line      string
		Equipment string
	}

	// Event is a decoded topic: where it came from, what class of data it
	// carries, and the remaining field path (slashes preserved so nested
	// paths like "input/countinfeed" survive intact).
	Event struct {
		Topic     string
		Location  Location
		Level     Level
		Category  Category
		FieldPath string
	}

	// Decoder parses topic strings for a single tenant namespace.
	Decoder struct {
		tenantPrefix string
		ignored      []string
	}

	// depthRule binds a category match at a fixed segment index to a
	// hierarchy level. Rules are evaluated in order; the first match wins,
	// so a category token appearing deeper stays in the field path. A rule
	// may restrict the vocabulary it matches against; nil means the full
	// category set.
	depthRule struct {
		categoryIndex int
		level         Level
		vocabulary    map[string]Category
	}
)

// depthRules is the total precedence table for variable-depth topics.
// Segment layout relative to the full split:
//
//	[0]=tenant [1]=site [2]=area [3]=line [4]=equipment [5+]=fields
//
// A category at index 1 means the event addresses the whole enterprise; at
// index 2 a whole site; at index 3 no line segment; at index 4 no equipment.
var depthRules = []depthRule{
	{categoryIndex: 1, level: LevelEnterprise, vocabulary: enterpriseCategories},
	{categoryIndex: 2, level: LevelSite},
	{categoryIndex: 3, level: LevelArea},
	{categoryIndex: 4, level: LevelLine},
	{categoryIndex: 5, level: LevelEquipment},
}

// categories is the closed vocabulary the depth scan matches against.
var categories = map[string]Category{
	"metric":      CategoryMetric,
	"node":        CategoryNode,
	"workorder":   CategoryWorkOrder,
	"lotnumber":   CategoryLot,
	"processdata": CategoryProcessData,
	"state":       CategoryState,
}

// enterpriseCategories restricts index 1: only node and metric data is
// published at enterprise scope, and those topics arrive title-cased.
var enterpriseCategories = map[string]Category{
	"node":   CategoryNode,
	"Node":   CategoryNode,
	"metric": CategoryMetric,
	"Metric": CategoryMetric,
}

// NewDecoder creates a Decoder for the given vocabulary. A nil vocabulary
// uses the built-in defaults.
func NewDecoder(vocab *config.Vocabulary) *Decoder {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}

	return &Decoder{
		tenantPrefix: vocab.Tenant + "/",
		ignored:      vocab.IgnoredPrefixes,
	}
}

// Decode parses a topic string into an Event.
//
// Returns (Event{}, false) when the topic is outside the tenant namespace,
// matches an ignored vendor prefix, or has no category segment within the
// depth table. A false return is not an error: out-of-scope traffic on a
// shared broker is expected and silently dropped.
func (d *Decoder) Decode(topic string) (Event, bool) {
	if !strings.HasPrefix(topic, d.tenantPrefix) {
		return Event{}, false
	}

	remainder := topic[len(d.tenantPrefix):]
	for _, prefix := range d.ignored {
		if strings.HasPrefix(remainder, prefix) {
			return Event{}, false
		}
	}

	parts := strings.Split(topic, "/")

	for _, rule := range depthRules {
		if len(parts) <= rule.categoryIndex {
			// Too few segments for this or any deeper rule.
			return Event{}, false
		}

		vocabulary := rule.vocabulary
		if vocabulary == nil {
			vocabulary = categories
		}

		cat, ok := vocabulary[parts[rule.categoryIndex]]
		if !ok {
			continue
		}

		return Event{
			Topic:     topic,
			Location:  locationAt(parts, rule.level),
			Level:     rule.level,
			Category:  cat,
			FieldPath: strings.Join(parts[rule.categoryIndex+1:], "/"),
		}, true
	}

	// Deep enough for every rule but no category segment anywhere the
	// table allows one.
	return Event{}, false
}

// locationAt binds the leading segments to a Location according to the
// resolved hierarchy level. The site segment is only trusted when it carries
// the "Site" naming convention; anything else leaves the site blank.
func locationAt(parts []string, level Level) Location {
	var loc Location

	if level == LevelEnterprise {
		return loc
	}

	if strings.HasPrefix(parts[1], "Site") {
		loc.Site = parts[1]
	}

	switch level {
	case LevelEnterprise, LevelSite:
	case LevelArea:
		loc.Area = parts[2]
	case LevelLine:
		loc.Area = parts[2]
		loc.Line = parts[3]
	case LevelEquipment:
		loc.Area = parts[2]
		loc.Line = parts[3]
		loc.Equipment = parts[4]
	}

	return loc
}

// Key returns the full location path used as an assembly and state-cache key.
func (l Location) Key() string {
	return l.Site + "/" + l.Area + "/" + l.Line + "/" + l.Equipment
}

// LineKey returns the (site, line) grouping key used by metric buckets.
func (l Location) LineKey() string {
	return l.Site + "/" + l.Line
}
