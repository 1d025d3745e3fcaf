// Copyright (C) 2026 The starfield/reduce authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package detect

import (
	"fmt"
	"math"
	"sort"

	"github.com/starfield/reduce/internal/buf"
)

// A horizontal pixel interval [X0,X1) in row Y
type Span struct {
	Y, X0, X1 int32
}

func (s Span) Length() int32 { return s.X1-s.X0 }

// One connected detected region: an ordered set of row spans plus its
// bounding box. Spans are sorted by row then column and never overlap.
type Footprint struct {
	Spans []Span
	BBox  buf.Region
}

func (f *Footprint) NumPixels() (n int32) {
	for _,s:=range f.Spans { n+=s.Length() }
	return n
}

func (f *Footprint) Contains(x, y int32) bool {
	for _,s:=range f.Spans {
		if s.Y<y { continue }
		if s.Y>y { return false }
		if x>=s.X0 && x<s.X1 { return true }
	}
	return false
}

func (f *Footprint) String() string {
	return fmt.Sprintf("footprint [%d,%d)x[%d,%d) %d spans %d pixels",
		f.BBox.X0, f.BBox.X1, f.BBox.Y0, f.BBox.Y1, len(f.Spans), f.NumPixels())
}

// Sorts spans by row then column, merges overlapping or touching spans in
// the same row, and recomputes the bounding box
func (f *Footprint) normalize() {
	sort.Slice(f.Spans, func(i, j int) bool {
		if f.Spans[i].Y!=f.Spans[j].Y { return f.Spans[i].Y<f.Spans[j].Y }
		return f.Spans[i].X0<f.Spans[j].X0
	})
	merged:=f.Spans[:0]
	for _,s:=range f.Spans {
		if len(merged)>0 {
			last:=&merged[len(merged)-1]
			if last.Y==s.Y && s.X0<=last.X1 {
				if s.X1>last.X1 { last.X1=s.X1 }
				continue
			}
		}
		merged=append(merged, s)
	}
	f.Spans=merged

	f.BBox=buf.Region{X0:math.MaxInt32, Y0:math.MaxInt32, X1:math.MinInt32, Y1:math.MinInt32}
	for _,s:=range f.Spans {
		if s.X0<f.BBox.X0   { f.BBox.X0=s.X0 }
		if s.X1>f.BBox.X1   { f.BBox.X1=s.X1 }
		if s.Y<f.BBox.Y0    { f.BBox.Y0=s.Y }
		if s.Y+1>f.BBox.Y1  { f.BBox.Y1=s.Y+1 }
	}
}

// Returns a new footprint grown by the given radius. Isotropic growth
// dilates with a circular structuring element; anisotropic growth expands
// along rows only. The result is clipped to the given bounds.
func (f *Footprint) Grow(radius int32, isotropic bool, bounds buf.Region) *Footprint {
	if radius<=0 { return f }
	g:=&Footprint{}
	for _,s:=range f.Spans {
		if isotropic {
			for dy:=-radius; dy<=radius; dy++ {
				y:=s.Y+dy
				if y<bounds.Y0 || y>=bounds.Y1 { continue }
				dx:=int32(math.Sqrt(float64(radius*radius-dy*dy)))
				x0, x1:=s.X0-dx, s.X1+dx
				if x0<bounds.X0 { x0=bounds.X0 }
				if x1>bounds.X1 { x1=bounds.X1 }
				if x1>x0 { g.Spans=append(g.Spans, Span{y, x0, x1}) }
			}
		} else {
			x0, x1:=s.X0-radius, s.X1+radius
			if x0<bounds.X0 { x0=bounds.X0 }
			if x1>bounds.X1 { x1=bounds.X1 }
			if x1>x0 { g.Spans=append(g.Spans, Span{s.Y, x0, x1}) }
		}
	}
	g.normalize()
	return g
}

// Sets the given mask bits on all footprint pixels
func (f *Footprint) SetMask(e *buf.Exposure, bits buf.Mask) {
	for _,s:=range f.Spans {
		row:=e.Mask[s.Y*e.Width : s.Y*e.Width+e.Width]
		for x:=s.X0; x<s.X1; x++ {
			row[x]|=bits
		}
	}
}

// Returns the mask bits present on any footprint pixel
func (f *Footprint) PeekMask(e *buf.Exposure) (bits buf.Mask) {
	for _,s:=range f.Spans {
		row:=e.Mask[s.Y*e.Width : s.Y*e.Width+e.Width]
		for x:=s.X0; x<s.X1; x++ {
			bits|=row[x]
		}
	}
	return bits
}
