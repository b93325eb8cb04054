package rrd

import "strings"

// Statistic kinds seen in XenServer legends. Other values are carried through
// uninterpreted.
const (
	StatAverage = "AVERAGE"
	StatMin     = "MIN"
	StatMax     = "MAX"
)

// LegendEntry describes one value column of an export:
// STAT:OBJECT_TYPE:ENTITY_ID:FIELD (e.g. "AVERAGE:vm:ecd8a4c5-...:cpu0").
type LegendEntry struct {
	Stat       string
	ObjectType string
	EntityID   string
	Field      string
}

// ParseLegendEntry splits a colon-delimited legend entry. Parts beyond the
// fourth are ignored.
func ParseLegendEntry(s string) (LegendEntry, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return LegendEntry{}, structural(-1, "legend entry %q has %d parts, expected STAT:TYPE:ENTITY:FIELD", s, len(parts))
	}
	return LegendEntry{
		Stat:       parts[0],
		ObjectType: parts[1],
		EntityID:   parts[2],
		Field:      parts[3],
	}, nil
}

func (e LegendEntry) String() string {
	return e.Stat + ":" + e.ObjectType + ":" + e.EntityID + ":" + e.Field
}

// KnownStat reports whether Stat is one of AVERAGE, MIN or MAX.
func (e LegendEntry) KnownStat() bool {
	switch e.Stat {
	case StatAverage, StatMin, StatMax:
		return true
	}
	return false
}
