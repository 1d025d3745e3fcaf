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
	"fmt"
)

// An exposure: three co-registered planes of pixel data sharing one origin
// offset and extent. Image holds intensities, Variance per-pixel noise
// estimates, Mask per-pixel status bits. Index of pixel (x,y) in each plane
// is x + y*Width, with x,y relative to the (X0,Y0) origin.
type Exposure struct {
	ID       int        // Sequential ID number, for log output
	FileName string     // Original file name, if any, for log output

	Width  int32        // Pixels per row
	Height int32        // Number of rows
	X0     int32        // Origin offset, X direction
	Y0     int32        // Origin offset, Y direction

	Image    []float32  // The intensity plane
	Variance []float32  // The variance plane
	Mask     []Mask     // The mask plane
}

// Creates an exposure of the given extent with freshly allocated planes
func NewExposure(width, height int32) *Exposure {
	pixels:=int(width)*int(height)
	return &Exposure{
		Width:    width,
		Height:   height,
		Image:    make([]float32, pixels),
		Variance: make([]float32, pixels),
		Mask:     make([]Mask,    pixels),
	}
}

// Creates an exposure from existing planes. The planes are not copied.
// Nil variance or mask planes are allocated. Returns an error if plane
// extents disagree, which indicates a caller contract violation.
func NewExposureFromPlanes(image, variance []float32, mask []Mask, width, x0, y0 int32) (*Exposure, error) {
	if width<=0 { return nil, fmt.Errorf("invalid exposure width %d", width) }
	if len(image)%int(width)!=0 {
		return nil, fmt.Errorf("image plane size %d is not a multiple of width %d", len(image), width)
	}
	if variance==nil { variance=make([]float32, len(image)) }
	if mask    ==nil { mask    =make([]Mask,    len(image)) }
	if len(variance)!=len(image) {
		return nil, fmt.Errorf("variance plane size %d does not match image plane size %d", len(variance), len(image))
	}
	if len(mask)!=len(image) {
		return nil, fmt.Errorf("mask plane size %d does not match image plane size %d", len(mask), len(image))
	}
	return &Exposure{
		Width:    width,
		Height:   int32(len(image))/width,
		X0:       x0,
		Y0:       y0,
		Image:    image,
		Variance: variance,
		Mask:     mask,
	}, nil
}

// Creates a deep copy of the exposure
func (e *Exposure) Clone() *Exposure {
	c:=&Exposure{ID:e.ID, FileName:e.FileName, Width:e.Width, Height:e.Height, X0:e.X0, Y0:e.Y0}
	c.Image   =append([]float32(nil), e.Image...)
	c.Variance=append([]float32(nil), e.Variance...)
	c.Mask    =append([]Mask(nil),    e.Mask...)
	return c
}

func (e *Exposure) Pixels() int32 { return e.Width*e.Height }

// Returns the plane index of local coordinates (x,y)
func (e *Exposure) Index(x, y int32) int32 { return x + y*e.Width }

func (e *Exposure) Contains(x, y int32) bool {
	return x>=0 && x<e.Width && y>=0 && y<e.Height
}

func (e *Exposure) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", e.Width, e.Height)
}

// An axis-aligned rectangular descriptor over an exposure, in local
// coordinates. X1,Y1 are exclusive. Descriptors never own pixels; any
// algorithm needing contiguous memory copies explicitly.
type Region struct {
	X0, Y0 int32
	X1, Y1 int32
}

func NewRegion(x0, y0, x1, y1 int32) Region { return Region{X0:x0, Y0:y0, X1:x1, Y1:y1} }

func (r Region) Width() int32  { return r.X1-r.X0 }
func (r Region) Height() int32 { return r.Y1-r.Y0 }
func (r Region) Empty() bool   { return r.X1<=r.X0 || r.Y1<=r.Y0 }

func (r Region) Contains(x, y int32) bool {
	return x>=r.X0 && x<r.X1 && y>=r.Y0 && y<r.Y1
}

// Clips the region against the extent of the given exposure
func (r Region) Clip(e *Exposure) Region {
	if r.X0<0 { r.X0=0 }
	if r.Y0<0 { r.Y0=0 }
	if r.X1>e.Width  { r.X1=e.Width }
	if r.Y1>e.Height { r.Y1=e.Height }
	return r
}

// Grows the region by the given radius on all sides
func (r Region) Grow(radius int32) Region {
	return Region{X0:r.X0-radius, Y0:r.Y0-radius, X1:r.X1+radius, Y1:r.Y1+radius}
}

// The full extent of the exposure as a region
func (e *Exposure) Bounds() Region { return Region{0, 0, e.Width, e.Height} }

// The interior region unaffected by edge effects of a kernel with the
// given half-width
func (e *Exposure) Interior(halfWidth int32) Region {
	return Region{halfWidth, halfWidth, e.Width-halfWidth, e.Height-halfWidth}
}
