// Package rrd parses XenServer rrd_updates exports into time-series points.
//
// Export Format:
//
//	<xport>
//	  <meta>
//	    <start>1609459200</start><step>5</step><end>1609459260</end>
//	    <rows>12</rows><columns>3</columns>
//	    <legend>
//	      <entry>AVERAGE:vm:ecd8a4c5-...:cpu0</entry>
//	      ...
//	    </legend>
//	  </meta>
//	  <data>
//	    <row><t>1609459260</t><v>0.0123</v>...</row>
//	  </data>
//	</xport>
//
// Every legend entry describes one value column; its position in the legend is
// the position of the matching <v> in every row. Each row yields one point per
// distinct entity in the legend.
package rrd

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/rs/zerolog"
)

// Element names of the export document
const (
	nodeMeta    = "meta"
	nodeData    = "data"
	nodeEnd     = "end"
	nodeStart   = "start"
	nodeStep    = "step"
	nodeRows    = "rows"
	nodeColumns = "columns"
	nodeLegend  = "legend"
	nodeTime    = "t"
	nodeValue   = "v"
)

// Meta holds the export's metadata section.
// Only End feeds the poll cursor; the rest is informational.
type Meta struct {
	Start   time.Time
	End     time.Time
	HasEnd  bool
	Step    time.Duration
	Rows    int
	Columns int
}

// Export is the result of parsing one document.
// Points is only populated by Parse; ParseFunc hands points to its callback.
type Export struct {
	Meta          Meta
	Legend        []LegendEntry
	Entities      []string
	RowsParsed    int
	PointsEmitted int
	Points        []models.Point
}

// node is a generic element; child order is preserved and whitespace-only
// text between elements is ignored.
type node struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
	Nodes   []node `xml:",any"`
}

func (n *node) name() string  { return n.XMLName.Local }
func (n *node) value() string { return strings.TrimSpace(n.Text) }

// Parser converts rrd_updates exports into points. It holds no per-document
// state and is safe for concurrent use.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a new export parser
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{
		logger: logger.With().Str("component", "rrd-parser").Logger(),
	}
}

// Parse parses a complete export and returns every point it contains.
func (p *Parser) Parse(r io.Reader) (*Export, error) {
	var points []models.Point
	export, err := p.ParseFunc(r, func(pt models.Point) {
		points = append(points, pt)
	})
	if export != nil {
		export.Points = points
	}
	return export, err
}

// ParseBytes is Parse over an in-memory document.
func (p *Parser) ParseBytes(data []byte) (*Export, error) {
	return p.Parse(bytes.NewReader(data))
}

// ParseFunc parses an export and calls emit for every completed point, row by
// row in document order. When a row fails, points of earlier rows have already
// been emitted and the failing row emits nothing. The returned Export is
// non-nil whenever the meta section was read, even on error.
func (p *Parser) ParseFunc(r io.Reader, emit func(models.Point)) (*Export, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, &StructuralError{Row: -1, Msg: "invalid export document", Err: err}
	}

	var metaNode, dataNode *node
	for i := range root.Nodes {
		switch root.Nodes[i].name() {
		case nodeMeta:
			metaNode = &root.Nodes[i]
		case nodeData:
			dataNode = &root.Nodes[i]
		}
	}
	if metaNode == nil {
		return nil, structural(-1, "no %s node in export", nodeMeta)
	}
	if dataNode == nil {
		return nil, structural(-1, "no %s node in export", nodeData)
	}

	export := &Export{}
	if err := p.readMeta(metaNode, export); err != nil {
		return nil, err
	}

	if export.Meta.Columns > 0 && export.Meta.Columns != len(export.Legend) {
		p.logger.Warn().
			Int("columns", export.Meta.Columns).
			Int("legend_entries", len(export.Legend)).
			Msg("Export column count disagrees with legend")
	}

	cols := newColumnIndex(export.Legend)
	export.Entities = cols.entities

	for rowIdx := range dataNode.Nodes {
		points, err := readRow(rowIdx, &dataNode.Nodes[rowIdx], export.Legend, cols)
		if err != nil {
			return export, err
		}
		for _, pt := range points {
			emit(pt)
		}
		export.RowsParsed++
		export.PointsEmitted += len(points)
	}

	return export, nil
}

func (p *Parser) readMeta(meta *node, export *Export) error {
	for i := range meta.Nodes {
		child := &meta.Nodes[i]
		switch child.name() {
		case nodeEnd:
			ts, err := parseEpoch(child.value())
			if err != nil {
				return &MalformedValueError{Row: -1, Column: -1, Value: child.value(), Err: err}
			}
			export.Meta.End = ts
			export.Meta.HasEnd = true
		case nodeStart:
			if ts, err := parseEpoch(child.value()); err == nil {
				export.Meta.Start = ts
			}
		case nodeStep:
			if n, err := strconv.Atoi(child.value()); err == nil {
				export.Meta.Step = time.Duration(n) * time.Second
			}
		case nodeRows:
			if n, err := strconv.Atoi(child.value()); err == nil {
				export.Meta.Rows = n
			}
		case nodeColumns:
			if n, err := strconv.Atoi(child.value()); err == nil {
				export.Meta.Columns = n
			}
		case nodeLegend:
			for j := range child.Nodes {
				entry, err := ParseLegendEntry(child.Nodes[j].value())
				if err != nil {
					return err
				}
				if !entry.KnownStat() {
					p.logger.Debug().Str("entry", entry.String()).Msg("Unknown statistic kind in legend")
				}
				export.Legend = append(export.Legend, entry)
			}
		}
	}
	return nil
}

// columnIndex maps each legend column to the entity it accumulates into.
// Entities are kept in order of first appearance so emission is deterministic.
type columnIndex struct {
	entities []string
	entityOf []int
}

func newColumnIndex(legend []LegendEntry) *columnIndex {
	idx := &columnIndex{entityOf: make([]int, len(legend))}
	seen := make(map[string]int, len(legend))
	for i, entry := range legend {
		pos, ok := seen[entry.EntityID]
		if !ok {
			pos = len(idx.entities)
			seen[entry.EntityID] = pos
			idx.entities = append(idx.entities, entry.EntityID)
		}
		idx.entityOf[i] = pos
	}
	return idx
}

// readRow consumes one <row> and returns one point per entity. The
// accumulators are built fresh for the row and handed off on return.
func readRow(rowIdx int, row *node, legend []LegendEntry, cols *columnIndex) ([]models.Point, error) {
	if len(row.Nodes) == 0 || row.Nodes[0].name() != nodeTime {
		got := "<none>"
		if len(row.Nodes) > 0 {
			got = row.Nodes[0].name()
		}
		return nil, structural(rowIdx, "unexpected node %q, expected time marker", got)
	}

	raw := row.Nodes[0].value()
	ts, err := parseEpoch(raw)
	if err != nil {
		return nil, &MalformedValueError{Row: rowIdx, Column: -1, Value: raw, Err: err}
	}

	points := make([]models.Point, len(cols.entities))
	for i, entity := range cols.entities {
		points[i] = models.Point{
			Measurement: entity,
			Time:        ts,
			Fields:      make(map[string]float64),
		}
	}

	values := row.Nodes[1:]
	for col := 0; col < len(legend) && col < len(values); col++ {
		v := &values[col]
		if v.name() != nodeValue {
			return nil, structural(rowIdx, "unexpected node %q, expected value marker", v.name())
		}
		f, err := strconv.ParseFloat(v.value(), 64)
		if err != nil {
			return nil, &MalformedValueError{Row: rowIdx, Column: col, Value: v.value(), Err: err}
		}
		points[cols.entityOf[col]].Fields[legend[col].Field] = f
	}

	return points, nil
}

func parseEpoch(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch seconds: %w", err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
