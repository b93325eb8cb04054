package models

import "time"

// Point is a single completed time-series sample for one monitored entity.
// Measurement carries the entity id (VM or host UUID), Fields the metric
// values read from one export row. Tags are attached by the poller (source
// host, static tags) and may be shared between points: treat them as read-only.
type Point struct {
	Measurement string             `json:"measurement" msgpack:"m"`
	Time        time.Time          `json:"time" msgpack:"-"`
	Fields      map[string]float64 `json:"fields" msgpack:"fields"`
	Tags        map[string]string  `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// TimestampMillis returns the point time as milliseconds since epoch.
func (p Point) TimestampMillis() int64 {
	return p.Time.UnixMilli()
}

// Clone returns a deep copy of the point.
func (p Point) Clone() Point {
	fields := make(map[string]float64, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	var tags map[string]string
	if p.Tags != nil {
		tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			tags[k] = v
		}
	}
	return Point{
		Measurement: p.Measurement,
		Time:        p.Time,
		Fields:      fields,
		Tags:        tags,
	}
}

// BatchPayload is the msgpack batch envelope accepted by Arc's
// /api/v1/write/msgpack endpoint (row format).
type BatchPayload struct {
	Batch []RowPayload `msgpack:"batch"`
}

// RowPayload is one row-format record inside a BatchPayload.
// T is milliseconds since epoch.
type RowPayload struct {
	M      string             `msgpack:"m"`
	T      int64              `msgpack:"t"`
	Fields map[string]float64 `msgpack:"fields"`
	Tags   map[string]string  `msgpack:"tags,omitempty"`
}

// NewBatchPayload converts points into Arc's msgpack batch envelope.
func NewBatchPayload(points []Point) *BatchPayload {
	rows := make([]RowPayload, len(points))
	for i, p := range points {
		rows[i] = RowPayload{
			M:      p.Measurement,
			T:      p.TimestampMillis(),
			Fields: p.Fields,
			Tags:   p.Tags,
		}
	}
	return &BatchPayload{Batch: rows}
}
