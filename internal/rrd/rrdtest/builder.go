// Package rrdtest builds rrd_updates export documents for tests.
package rrdtest

import (
	"strconv"
	"strings"
)

// Row is one data row: an epoch timestamp and its value columns.
type Row struct {
	T      int64
	Values []float64
}

// Document describes an export to render. HasEnd=false omits the <end> node.
type Document struct {
	Start  int64
	Step   int
	End    int64
	HasEnd bool
	Legend []string
	Rows   []Row
}

// New returns a document with the given legend and end time.
func New(end int64, legend ...string) *Document {
	return &Document{
		Step:   5,
		End:    end,
		HasEnd: true,
		Legend: legend,
	}
}

// AddRow appends a row and returns the document for chaining.
func (d *Document) AddRow(t int64, values ...float64) *Document {
	d.Rows = append(d.Rows, Row{T: t, Values: values})
	return d
}

// String renders the document as XenServer does: no whitespace between nodes.
func (d *Document) String() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><xport><meta>`)
	start := d.Start
	if start == 0 && len(d.Rows) > 0 {
		start = d.Rows[len(d.Rows)-1].T
	}
	writeNode(&b, "start", strconv.FormatInt(start, 10))
	writeNode(&b, "step", strconv.Itoa(d.Step))
	if d.HasEnd {
		writeNode(&b, "end", strconv.FormatInt(d.End, 10))
	}
	writeNode(&b, "rows", strconv.Itoa(len(d.Rows)))
	writeNode(&b, "columns", strconv.Itoa(len(d.Legend)))
	b.WriteString("<legend>")
	for _, entry := range d.Legend {
		writeNode(&b, "entry", entry)
	}
	b.WriteString("</legend></meta><data>")
	for _, row := range d.Rows {
		b.WriteString("<row>")
		writeNode(&b, "t", strconv.FormatInt(row.T, 10))
		for _, v := range row.Values {
			writeNode(&b, "v", strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteString("</row>")
	}
	b.WriteString("</data></xport>")
	return b.String()
}

// Bytes renders the document.
func (d *Document) Bytes() []byte {
	return []byte(d.String())
}

func writeNode(b *strings.Builder, name, text string) {
	b.WriteString("<")
	b.WriteString(name)
	b.WriteString(">")
	b.WriteString(text)
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">")
}
