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


package buf

import (
	"strings"
)

// A per-pixel bitmask recording pixel status. Bit assignments are fixed for
// the lifetime of a run. Planes are unioned additively; a stage may clear
// only bits it owns.
type Mask uint16

const (
	MaskBad       Mask = 1 << iota  // pixel is in a static bad-pixel map
	MaskSaturated                   // pixel is at or above the saturation level
	MaskInterp                      // pixel value was interpolated
	MaskCR                          // pixel was part of a detected outlier (cosmic ray)
	MaskEdge                        // pixel is too close to the image edge for kernel operations
	MaskDetected                    // pixel is part of a detected footprint
	MaskTrail                       // pixel is part of a linear trail
)

var maskNames=[]struct{
	Bit  Mask
	Name string
}{
	{MaskBad,       "BAD"},
	{MaskSaturated, "SAT"},
	{MaskInterp,    "INTERP"},
	{MaskCR,        "CR"},
	{MaskEdge,      "EDGE"},
	{MaskDetected,  "DETECTED"},
	{MaskTrail,     "TRAIL"},
}

func (m Mask) String() string {
	if m==0 { return "-" }
	b:=strings.Builder{}
	for _,mn:=range maskNames {
		if m&mn.Bit!=0 {
			if b.Len()>0 { b.WriteRune('|') }
			b.WriteString(mn.Name)
		}
	}
	return b.String()
}

// Sets the given bits on all pixels of the region
func (e *Exposure) OrMaskRegion(r Region, bits Mask) {
	r=r.Clip(e)
	for y:=r.Y0; y<r.Y1; y++ {
		row:=e.Mask[y*e.Width : y*e.Width+e.Width]
		for x:=r.X0; x<r.X1; x++ {
			row[x]|=bits
		}
	}
}

// Clears the given bits on all pixels. Callers must own the bits they clear.
func (e *Exposure) ClearMaskBits(bits Mask) {
	for i:=range e.Mask {
		e.Mask[i]&^=bits
	}
}

// Sets the EDGE bit on all pixels within the given border of the exposure edge
func (e *Exposure) MarkEdges(border int32) {
	if border<=0 { return }
	e.OrMaskRegion(Region{0, 0, e.Width, border}, MaskEdge)
	e.OrMaskRegion(Region{0, e.Height-border, e.Width, e.Height}, MaskEdge)
	e.OrMaskRegion(Region{0, border, border, e.Height-border}, MaskEdge)
	e.OrMaskRegion(Region{e.Width-border, border, e.Width, e.Height-border}, MaskEdge)
}

// Counts the pixels carrying any of the given bits
func (e *Exposure) CountMask(bits Mask) (num int32) {
	for _,m:=range e.Mask {
		if m&bits!=0 { num++ }
	}
	return num
}
