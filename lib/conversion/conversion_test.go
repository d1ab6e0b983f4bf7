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

package conversion

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/telemeter/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func TestParseKind(t *testing.T) {
	for _, v := range []string{"linear", "polynomial", "lookup_table"} {
		kind, err := ParseKind(v)
		require.NoError(t, err)
		require.Equal(t, Kind(v), kind)
	}
	_, err := ParseKind("quadratic")
	require.Error(t, err)
	_, err = ParseKind("")
	require.Error(t, err)
}

func TestLinear(t *testing.T) {
	profile, err := ParseProfile(KindLinear, []byte(`{"a": 2, "b": 1}`))
	require.NoError(t, err)
	require.Equal(t, KindLinear, profile.Kind())
	require.Equal(t, 7.0, profile.Apply(3))
	require.Equal(t, 1.0, profile.Apply(0))
	require.Equal(t, -1.0, profile.Apply(-1))
}

func TestPolynomial(t *testing.T) {
	// 1 + 0*x + 2*x^2
	profile, err := ParseProfile(KindPolynomial, []byte(`{"coefficients": [1, 0, 2]}`))
	require.NoError(t, err)
	require.Equal(t, KindPolynomial, profile.Kind())
	require.Equal(t, 19.0, profile.Apply(3))

	// x^3
	cubic, err := ParseProfile(KindPolynomial, []byte(`{"coefficients": [0, 0, 0, 1]}`))
	require.NoError(t, err)
	require.Equal(t, 8.0, cubic.Apply(2))

	// constant
	constant, err := ParseProfile(KindPolynomial, []byte(`{"coefficients": [5]}`))
	require.NoError(t, err)
	require.Equal(t, 5.0, constant.Apply(123.456))
}

func TestLookupTable(t *testing.T) {
	profile, err := ParseProfile(KindLookupTable, []byte(`{"table": [
		{"raw": 0, "physical": 0},
		{"raw": 10, "physical": 100},
		{"raw": 20, "physical": 200}
	]}`))
	require.NoError(t, err)
	require.Equal(t, KindLookupTable, profile.Kind())

	// interpolation inside a segment
	require.Equal(t, 50.0, profile.Apply(5))
	require.Equal(t, 150.0, profile.Apply(15))
	// clamping outside the sampled range
	require.Equal(t, 0.0, profile.Apply(-5))
	require.Equal(t, 200.0, profile.Apply(30))
	// exact boundary and sampled points
	require.Equal(t, 0.0, profile.Apply(0))
	require.Equal(t, 100.0, profile.Apply(10))
	require.Equal(t, 200.0, profile.Apply(20))
}

func TestLookupTableSortsPoints(t *testing.T) {
	table, err := NewLookupTable([]Point{
		{Raw: 20, Physical: 200},
		{Raw: 0, Physical: 0},
		{Raw: 10, Physical: 100},
	})
	require.NoError(t, err)
	require.Equal(t, 50.0, table.Apply(5))
	require.Equal(t, 150.0, table.Apply(15))
}

func TestLookupTableZeroWidthSegment(t *testing.T) {
	table, err := NewLookupTable([]Point{
		{Raw: 0, Physical: 0},
		{Raw: 5, Physical: 10},
		{Raw: 5, Physical: 20},
		{Raw: 10, Physical: 30},
	})
	require.NoError(t, err)
	// the first bracketing segment wins
	require.Equal(t, 10.0, table.Apply(5))
	require.Equal(t, 5.0, table.Apply(2.5))
}

func TestParseProfileRejectsMalformed(t *testing.T) {
	for _, tc := range []struct {
		name    string
		kind    Kind
		payload string
	}{
		{name: "not an object", kind: KindLinear, payload: `[1, 2]`},
		{name: "linear missing a", kind: KindLinear, payload: `{"b": 1}`},
		{name: "linear missing b", kind: KindLinear, payload: `{"a": 1}`},
		{name: "linear string coefficient", kind: KindLinear, payload: `{"a": "2", "b": 1}`},
		{name: "linear boolean coefficient", kind: KindLinear, payload: `{"a": true, "b": 1}`},
		{name: "linear null coefficient", kind: KindLinear, payload: `{"a": null, "b": 1}`},
		{name: "polynomial missing coefficients", kind: KindPolynomial, payload: `{}`},
		{name: "polynomial empty coefficients", kind: KindPolynomial, payload: `{"coefficients": []}`},
		{name: "polynomial non-numeric entry", kind: KindPolynomial, payload: `{"coefficients": [1, "x"]}`},
		{name: "polynomial scalar coefficients", kind: KindPolynomial, payload: `{"coefficients": 5}`},
		{name: "lookup missing table", kind: KindLookupTable, payload: `{}`},
		{name: "lookup single point", kind: KindLookupTable, payload: `{"table": [{"raw": 0, "physical": 0}]}`},
		{name: "lookup missing physical", kind: KindLookupTable, payload: `{"table": [{"raw": 0}, {"raw": 1, "physical": 1}]}`},
		{name: "lookup string raw", kind: KindLookupTable, payload: `{"table": [{"raw": "0", "physical": 0}, {"raw": 1, "physical": 1}]}`},
		{name: "unknown kind", kind: Kind("quadratic"), payload: `{"a": 1, "b": 2}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseProfile(tc.kind, []byte(tc.payload))
			require.Error(t, err)
		})
	}
}

func TestLinearProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parsed linear profile computes a*x+b", prop.ForAll(
		func(a, b, x float64) bool {
			payload, err := json.Marshal(map[string]float64{"a": a, "b": b})
			if err != nil {
				return false
			}
			profile, err := ParseProfile(KindLinear, payload)
			if err != nil {
				return false
			}
			return profile.Apply(x) == a*x+b
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("degree-one polynomial agrees with linear", prop.ForAll(
		func(a, b, x float64) bool {
			linear := Linear{A: a, B: b}
			poly := Polynomial{Coefficients: []float64{b, a}}
			return linear.Apply(x) == poly.Apply(x)
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func TestLookupTableProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// integer-valued coordinates keep the interpolation arithmetic exact
	makeTable := func(deltas, physicals []int64) (LookupTable, bool) {
		points := make([]Point, len(deltas))
		x := int64(0)
		for i := range deltas {
			x += deltas[i]
			points[i] = Point{Raw: float64(x), Physical: float64(physicals[i])}
		}
		table, err := NewLookupTable(points)
		return table, err == nil
	}

	properties.Property("clamps outside the sampled range", prop.ForAll(
		func(deltas, physicals []int64) bool {
			table, ok := makeTable(deltas, physicals)
			if !ok {
				return false
			}
			first, last := table.Points[0], table.Points[len(table.Points)-1]
			return table.Apply(first.Raw-1) == first.Physical &&
				table.Apply(last.Raw+1) == last.Physical
		},
		gen.SliceOfN(5, gen.Int64Range(1, 100)),
		gen.SliceOfN(5, gen.Int64Range(-1000, 1000)),
	))

	properties.Property("reproduces sampled points exactly", prop.ForAll(
		func(deltas, physicals []int64) bool {
			table, ok := makeTable(deltas, physicals)
			if !ok {
				return false
			}
			for _, p := range table.Points {
				if table.Apply(p.Raw) != p.Physical {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Int64Range(1, 100)),
		gen.SliceOfN(5, gen.Int64Range(-1000, 1000)),
	))

	properties.Property("never leaves the physical envelope", prop.ForAll(
		func(deltas, physicals []int64, x int64) bool {
			table, ok := makeTable(deltas, physicals)
			if !ok {
				return false
			}
			lo, hi := table.Points[0].Physical, table.Points[0].Physical
			for _, p := range table.Points {
				lo = min(lo, p.Physical)
				hi = max(hi, p.Physical)
			}
			got := table.Apply(float64(x))
			return got >= lo && got <= hi
		},
		gen.SliceOfN(5, gen.Int64Range(1, 100)),
		gen.SliceOfN(5, gen.Int64Range(-1000, 1000)),
		gen.Int64Range(-2000, 2000),
	))

	properties.TestingRun(t)
}

func BenchmarkApply(b *testing.B) {
	linear, err := ParseProfile(KindLinear, []byte(`{"a": 2.5, "b": -1}`))
	require.NoError(b, err)
	table, err := ParseProfile(KindLookupTable, []byte(`{"table": [
		{"raw": 0, "physical": 0},
		{"raw": 10, "physical": 100},
		{"raw": 20, "physical": 150},
		{"raw": 40, "physical": 170},
		{"raw": 80, "physical": 180}
	]}`))
	require.NoError(b, err)

	b.Run("linear", func(b *testing.B) {
		for i := 0; b.Loop(); i++ {
			linear.Apply(float64(i % 100))
		}
	})
	b.Run("lookup_table", func(b *testing.B) {
		for i := 0; b.Loop(); i++ {
			table.Apply(float64(i % 100))
		}
	})
}
