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


package psf

import (
	"fmt"
)

// Convolves src with the kernel into dst, both width-indexed planes of the
// same extent. Only the interior unaffected by kernel edge effects is
// convolved; border pixels are copied from src unchanged. dst and src must
// not alias.
func Convolve(dst, src []float32, width int32, k Kernel) error {
	if len(dst)!=len(src) {
		return fmt.Errorf("convolution destination size %d does not match source size %d", len(dst), len(src))
	}
	height:=int32(len(src))/width
	hw:=k.HalfWidth()
	if 2*hw>=width || 2*hw>=height {
		return fmt.Errorf("kernel half-width %d too large for %dx%d image", hw, width, height)
	}
	copy(dst, src)
	for y:=hw; y<height-hw; y++ {
		for x:=hw; x<width-hw; x++ {
			dst[x+y*width]=convolveAt(src, width, x, y, k)
		}
	}
	return nil
}

func convolveAt(src []float32, width, x, y int32, k Kernel) float32 {
	hw:=k.HalfWidth()
	sum:=float32(0)
	for ky:=-hw; ky<=hw; ky++ {
		srcRow:=src[(y+ky)*width+x-hw : (y+ky)*width+x+hw+1]
		kRow  :=k.Weights[(ky+hw)*k.Width : (ky+hw)*k.Width+k.Width]
		for i,w:=range kRow {
			sum+=srcRow[i]*w
		}
	}
	return sum
}
