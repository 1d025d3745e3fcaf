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
	"sort"

	"github.com/starfield/reduce/internal/buf"
)

// Pixel connectivity policy for footprint assembly
type Connectivity int

const (
	Conn8 Connectivity = iota // diagonal neighbors connect (default)
	Conn4                     // only orthogonal neighbors connect
)

// Locates all maximal connected regions of the convolved plane whose value
// meets or exceeds the per-pixel threshold, searching only the given
// interior region. Footprint coordinates are in the full image frame, so
// no re-registration is needed afterwards. Footprints are ordered by their
// first span (row, then column), and spans within each footprint ascend by
// row then column, making results reproducible.
func FindFootprints(conv []float32, width int32, thresholdAt func(i int32) float32, interior buf.Region, conn Connectivity) []*Footprint {
	type run struct {
		span   Span
		parent int32
	}
	var runs []run

	// union-find over run indices
	var find func(i int32) int32
	find=func(i int32) int32 {
		for runs[i].parent!=i {
			runs[i].parent=runs[runs[i].parent].parent
			i=runs[i].parent
		}
		return i
	}
	union:=func(a, b int32) {
		ra, rb:=find(a), find(b)
		if ra==rb { return }
		if ra<rb { runs[rb].parent=ra } else { runs[ra].parent=rb }
	}

	reach:=int32(1) // adjacency slack between rows
	if conn==Conn4 { reach=0 }

	prevStart, prevEnd:=int32(0), int32(0) // run index range of the previous row
	for y:=interior.Y0; y<interior.Y1; y++ {
		rowStart:=int32(len(runs))
		x:=interior.X0
		for x<interior.X1 {
			i:=y*width+x
			if conv[i]<thresholdAt(i) { x++; continue }
			x0:=x
			for x<interior.X1 && conv[y*width+x]>=thresholdAt(y*width+x) { x++ }
			runs=append(runs, run{span:Span{y, x0, x}, parent:int32(len(runs))})
		}
		// link to overlapping runs of the previous row
		for ri:=rowStart; ri<int32(len(runs)); ri++ {
			for pi:=prevStart; pi<prevEnd; pi++ {
				if runs[pi].span.X1+reach<=runs[ri].span.X0 { continue }
				if runs[ri].span.X1+reach<=runs[pi].span.X0 { continue }
				union(ri, pi)
			}
		}
		prevStart, prevEnd=rowStart, int32(len(runs))
	}

	// gather runs per root into footprints
	byRoot:=map[int32]*Footprint{}
	var order []int32
	for i:=range runs {
		root:=find(int32(i))
		f:=byRoot[root]
		if f==nil {
			f=&Footprint{}
			byRoot[root]=f
			order=append(order, root)
		}
		f.Spans=append(f.Spans, runs[i].span)
	}

	footprints:=make([]*Footprint, 0, len(order))
	for _,root:=range order {
		f:=byRoot[root]
		f.normalize()
		footprints=append(footprints, f)
	}
	sort.Slice(footprints, func(i, j int) bool {
		a, b:=footprints[i].Spans[0], footprints[j].Spans[0]
		if a.Y!=b.Y { return a.Y<b.Y }
		return a.X0<b.X0
	})
	return footprints
}

// Settings for footprint detection
type Config struct {
	Threshold    float32      `json:"threshold" yaml:"threshold"`   // detection threshold in standard deviations of the local noise
	GrowRadius   int32        `json:"growRadius" yaml:"growRadius"` // footprint dilation radius in pixels
	Isotropic    bool         `json:"isotropic" yaml:"isotropic"`   // circular vs row-only dilation
	Connectivity Connectivity `json:"connectivity" yaml:"connectivity"`
}

func DefaultConfig() Config {
	return Config{Threshold:5, GrowRadius:1, Isotropic:false, Connectivity:Conn8}
}

func (c Config) Validate() error {
	if c.Threshold<=0 {
		return fmt.Errorf("detection threshold must be positive, got %g", c.Threshold)
	}
	if c.GrowRadius<0 {
		return fmt.Errorf("grow radius must not be negative, got %d", c.GrowRadius)
	}
	return nil
}
