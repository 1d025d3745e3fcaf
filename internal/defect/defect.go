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


package defect

import (
	"fmt"
	"sort"

	"github.com/starfield/reduce/internal/buf"
)

// A rectangular region of pixels known or detected to be unreliable.
// Constructed from a static bad-pixel map, or dynamically by outlier
// rejection; consumed once by InterpolateOver.
type Defect struct {
	buf.Region
}

func New(x0, y0, x1, y1 int32) Defect {
	return Defect{buf.NewRegion(x0, y0, x1, y1)}
}

// Shifts the defect by the given offset, e.g. to compensate for a
// bad-pixel map keyed to a different origin
func (d Defect) Shift(dx, dy int32) Defect {
	return Defect{buf.NewRegion(d.X0+dx, d.Y0+dy, d.X1+dx, d.Y1+dy)}
}

func (d Defect) String() string {
	return fmt.Sprintf("defect [%d,%d)x[%d,%d)", d.X0, d.X1, d.Y0, d.Y1)
}

// A half-open column interval [X0,X1) of bad pixels within one row
type interval struct {
	x0, x1 int32
}

// Per-row merged bad intervals for a defect list. Supports the adjacency
// guarantee: interpolation reads only pixels outside every interval, so a
// pixel is never filled from the still-uninterpolated interior of a
// neighboring defect.
type rowIntervals struct {
	rows [][]interval
}

func buildRowIntervals(defects []Defect, e *buf.Exposure) *rowIntervals {
	ri:=&rowIntervals{rows:make([][]interval, e.Height)}
	for _,d:=range defects {
		r:=d.Region.Clip(e)
		if r.Empty() { continue }
		for y:=r.Y0; y<r.Y1; y++ {
			ri.rows[y]=append(ri.rows[y], interval{r.X0, r.X1})
		}
	}
	for y,ivs:=range ri.rows {
		if len(ivs)<2 { continue }
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].x0<ivs[j].x0 })
		// merge overlapping and adjacent intervals
		merged:=ivs[:1]
		for _,iv:=range ivs[1:] {
			last:=&merged[len(merged)-1]
			if iv.x0<=last.x1 {
				if iv.x1>last.x1 { last.x1=iv.x1 }
			} else {
				merged=append(merged, iv)
			}
		}
		ri.rows[y]=merged
	}
	return ri
}

func (ri *rowIntervals) bad(x, y int32) bool {
	for _,iv:=range ri.rows[y] {
		if x>=iv.x1 { continue }
		return x>=iv.x0
	}
	return false
}

// Replaces every pixel inside the given defect regions with an estimate
// interpolated from surrounding good pixels, setting the INTERP mask bit on
// all touched pixels and inflating their variance. Defects may be adjacent
// or overlapping. Interpolation runs along rows between the two nearest good
// pixels outside the merged defect run, falling back to the nearest good
// pixels in the same column, then to one-sided extrapolation at image edges.
//
// A defect filling the whole image, or touching all four image edges, is a
// systemic failure: it is reported without touching any pixels. Pixels with
// no good neighbor in either direction stay unrepaired, keep the BAD bit,
// and are counted in the returned diagnostics.
func InterpolateOver(e *buf.Exposure, model interpolationModel, defects []Defect) (unrepaired int32, err error) {
	if len(defects)==0 { return 0, nil }

	for _,d:=range defects {
		r:=d.Region.Clip(e)
		if r.X0<=0 && r.Y0<=0 && r.X1>=e.Width && r.Y1>=e.Height {
			return 0, fmt.Errorf("%s touches all four image edges, cannot interpolate", d)
		}
	}

	ri:=buildRowIntervals(defects, e)
	sigma:=model.Sigma()
	if sigma<=0 { sigma=1 }

	// process merged runs row by row; within a row, by ascending column
	for y:=int32(0); y<e.Height; y++ {
		for _,iv:=range ri.rows[y] {
			unrepaired+=interpolateRun(e, ri, iv, y, sigma)
		}
	}
	if unrepaired>0 {
		err=fmt.Errorf("%d defect pixels unrepairable, left flagged BAD", unrepaired)
	}
	return unrepaired, err
}

// The subset of a PSF model the interpolator needs
type interpolationModel interface {
	Sigma() float32
}

// Interpolates one merged horizontal run of bad pixels in row y
func interpolateRun(e *buf.Exposure, ri *rowIntervals, iv interval, y int32, sigma float32) (unrepaired int32) {
	xl, xr:=iv.x0-1, iv.x1 // nearest good columns left and right of the run
	hasLeft, hasRight:=xl>=0, xr<e.Width

	for x:=iv.x0; x<iv.x1; x++ {
		i:=e.Index(x, y)
		var value, variance float32
		var ok bool
		switch {
		case hasLeft && hasRight:
			// weighted combination of the two nearest good pixels
			wl:=float32(xr-x)/float32(xr-xl)
			il, ir:=e.Index(xl, y), e.Index(xr, y)
			value   =wl*e.Image[il]    + (1-wl)*e.Image[ir]
			variance=wl*e.Variance[il] + (1-wl)*e.Variance[ir]
			ok=true
		case hasLeft:
			value, variance, ok=verticalOrExtrapolate(e, ri, x, y, xl, sigma)
		case hasRight:
			value, variance, ok=verticalOrExtrapolate(e, ri, x, y, xr, sigma)
		default:
			value, variance, ok=verticalEstimate(e, ri, x, y)
		}
		if !ok {
			e.Mask[i]|=buf.MaskBad
			unrepaired++
			continue
		}
		dist:=x-xl
		if xr-x<dist || !hasLeft { dist=xr-x }
		e.Image[i]   =value
		e.Variance[i]=variance*(1+float32(dist)/(2*sigma)) // interpolated pixels are less certain
		e.Mask[i]|=buf.MaskInterp
	}
	return unrepaired
}

// Falls back to vertical interpolation, then to the single good pixel in
// this row when the column holds no good pixels either
func verticalOrExtrapolate(e *buf.Exposure, ri *rowIntervals, x, y, xGood int32, sigma float32) (value, variance float32, ok bool) {
	if value, variance, ok=verticalEstimate(e, ri, x, y); ok {
		return value, variance, true
	}
	i:=e.Index(xGood, y)
	return e.Image[i], e.Variance[i], true
}

// Estimates a pixel from the nearest good pixels above and below in the
// same column. One-sided if only one direction has a good pixel.
func verticalEstimate(e *buf.Exposure, ri *rowIntervals, x, y int32) (value, variance float32, ok bool) {
	yUp, yDown:=int32(-1), int32(-1)
	for yy:=y-1; yy>=0; yy-- {
		if !ri.bad(x, yy) { yUp=yy; break }
	}
	for yy:=y+1; yy<e.Height; yy++ {
		if !ri.bad(x, yy) { yDown=yy; break }
	}
	switch {
	case yUp>=0 && yDown>=0:
		wu:=float32(yDown-y)/float32(yDown-yUp)
		iu, id:=e.Index(x, yUp), e.Index(x, yDown)
		return wu*e.Image[iu]+(1-wu)*e.Image[id], wu*e.Variance[iu]+(1-wu)*e.Variance[id], true
	case yUp>=0:
		i:=e.Index(x, yUp)
		return e.Image[i], e.Variance[i], true
	case yDown>=0:
		i:=e.Index(x, yDown)
		return e.Image[i], e.Variance[i], true
	}
	return 0, 0, false
}
