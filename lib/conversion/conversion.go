/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package conversion implements the raw-to-physical conversion engine.
//
// A conversion profile is stored as an opaque JSON payload next to its kind.
// ParseProfile validates the payload once and returns a Profile whose Apply
// is pure, deterministic and cannot fail. Callers that hit a payload which
// does not parse must record the affected readings as failed conversions
// instead of guessing.
package conversion

import (
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"
)

// Kind discriminates conversion profile payloads.
type Kind string

const (
	// KindLinear is a*raw + b.
	KindLinear Kind = "linear"
	// KindPolynomial is c0 + c1*raw + c2*raw^2 + ...
	KindPolynomial Kind = "polynomial"
	// KindLookupTable interpolates between calibration points and clamps
	// outside their range.
	KindLookupTable Kind = "lookup_table"
)

// ParseKind validates a profile kind received on the wire or read from
// storage.
func ParseKind(v string) (Kind, error) {
	switch k := Kind(v); k {
	case KindLinear, KindPolynomial, KindLookupTable:
		return k, nil
	}
	return "", trace.BadParameter("unsupported conversion kind %q", v)
}

// Profile is a parsed conversion profile.
type Profile interface {
	// Kind returns the payload discriminator.
	Kind() Kind
	// Apply converts a raw sample to a physical value.
	Apply(raw float64) float64
}

// ParseProfile parses and validates a profile payload. The returned Profile
// is immutable and safe for concurrent use.
func ParseProfile(kind Kind, payload []byte) (Profile, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, trace.BadParameter("conversion payload is not a JSON object: %v", err)
	}
	switch kind {
	case KindLinear:
		return parseLinear(fields)
	case KindPolynomial:
		return parsePolynomial(fields)
	case KindLookupTable:
		return parseLookupTable(fields)
	}
	return nil, trace.BadParameter("unsupported conversion kind %q", kind)
}

// Linear converts with a*raw + b.
type Linear struct {
	A float64
	B float64
}

// Kind implements Profile.
func (Linear) Kind() Kind { return KindLinear }

// Apply implements Profile.
func (p Linear) Apply(raw float64) float64 { return p.A*raw + p.B }

func parseLinear(fields map[string]json.RawMessage) (Profile, error) {
	a, err := parseNumber(fields, "a")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b, err := parseNumber(fields, "b")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return Linear{A: a, B: b}, nil
}

// Polynomial converts with sum(c_i * raw^i), i starting at zero.
type Polynomial struct {
	Coefficients []float64
}

// Kind implements Profile.
func (Polynomial) Kind() Kind { return KindPolynomial }

// Apply implements Profile.
func (p Polynomial) Apply(raw float64) float64 {
	var result float64
	power := 1.0
	for _, c := range p.Coefficients {
		result += c * power
		power *= raw
	}
	return result
}

func parsePolynomial(fields map[string]json.RawMessage) (Profile, error) {
	raw, ok := fields["coefficients"]
	if !ok {
		return nil, trace.BadParameter("polynomial payload is missing coefficients")
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, trace.BadParameter("polynomial coefficients must be an array: %v", err)
	}
	if len(entries) == 0 {
		return nil, trace.BadParameter("polynomial coefficients must not be empty")
	}
	coefficients := make([]float64, 0, len(entries))
	for i, entry := range entries {
		c, err := decodeNumber(entry)
		if err != nil {
			return nil, trace.BadParameter("polynomial coefficient %d is not a number", i)
		}
		coefficients = append(coefficients, c)
	}
	return Polynomial{Coefficients: coefficients}, nil
}

// Point is one calibration sample of a lookup table.
type Point struct {
	Raw      float64 `json:"raw"`
	Physical float64 `json:"physical"`
}

// LookupTable interpolates linearly between calibration points, clamping to
// the boundary physical values outside the sampled range. Points are sorted
// ascending by raw value.
type LookupTable struct {
	Points []Point
}

// NewLookupTable validates the calibration points and returns a table with
// the points sorted ascending by raw value.
func NewLookupTable(points []Point) (LookupTable, error) {
	if len(points) < 2 {
		return LookupTable{}, trace.BadParameter("lookup table requires at least two points, got %d", len(points))
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw < sorted[j].Raw })
	return LookupTable{Points: sorted}, nil
}

// Kind implements Profile.
func (LookupTable) Kind() Kind { return KindLookupTable }

// Apply implements Profile.
func (p LookupTable) Apply(raw float64) float64 {
	points := p.Points
	if raw <= points[0].Raw {
		return points[0].Physical
	}
	last := len(points) - 1
	if raw >= points[last].Raw {
		return points[last].Physical
	}
	// raw is strictly inside (points[0].Raw, points[last].Raw); find the
	// first point at or above it.
	i := sort.Search(len(points), func(i int) bool { return points[i].Raw >= raw })
	x0, y0 := points[i-1].Raw, points[i-1].Physical
	x1, y1 := points[i].Raw, points[i].Physical
	if x1 == x0 {
		return y0
	}
	t := (raw - x0) / (x1 - x0)
	return y0 + t*(y1-y0)
}

func parseLookupTable(fields map[string]json.RawMessage) (Profile, error) {
	raw, ok := fields["table"]
	if !ok {
		return nil, trace.BadParameter("lookup table payload is missing table")
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, trace.BadParameter("lookup table must be an array of points: %v", err)
	}
	points := make([]Point, 0, len(entries))
	for i, entry := range entries {
		x, err := parseNumber(entry, "raw")
		if err != nil {
			return nil, trace.BadParameter("lookup table point %d: %v", i, err)
		}
		y, err := parseNumber(entry, "physical")
		if err != nil {
			return nil, trace.BadParameter("lookup table point %d: %v", i, err)
		}
		points = append(points, Point{Raw: x, Physical: y})
	}
	table, err := NewLookupTable(points)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return table, nil
}

func parseNumber(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, trace.BadParameter("missing numeric field %q", key)
	}
	n, err := decodeNumber(raw)
	if err != nil {
		return 0, trace.BadParameter("field %q is not a number", key)
	}
	return n, nil
}

// decodeNumber accepts JSON numbers only: strings, booleans and null are
// rejected rather than coerced.
func decodeNumber(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}
