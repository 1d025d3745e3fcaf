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


package back

import (
	"fmt"
	"math"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/qsort"
	"github.com/starfield/reduce/internal/stats"
)

// minimum good pixels per grid cell for a usable robust statistic
const minCellSamples = 16

// A smooth spatial background: per-cell robust location estimates on a
// regular grid, evaluated continuously via bilinear interpolation between
// cell centers.
type Model struct {
	Width, Height     int32    // original image extent
	CellsX, CellsY    int32    // number of grid cells per axis
	SpacingX, SpacingY float32 // fine grid spacing for evenly sized cells
	Cells             []float32 // per-cell background estimates
	OutlierCells      int32    // cells replaced by neighbor interpolation
}

func (b *Model) String() string {
	return fmt.Sprintf("background grid %dx%d spacing %.1fx%.1f outlier cells %d",
		b.CellsX, b.CellsY, b.SpacingX, b.SpacingY, b.OutlierCells)
}

// Estimates the background of the exposure's image plane. The grid has
// width/cellSize+1 by height/cellSize+1 cells, so every image gets at
// least one cell per axis. Pixels carrying any of the exclude mask bits
// are left out of the per-cell statistic; the statistic itself is a
// sigma-clipped median, robust to a modest outlier fraction per cell.
func NewModel(e *buf.Exposure, cellSize int32, sigma float32, exclude buf.Mask) *Model {
	if cellSize<=0 { cellSize=256 }
	cellsX:=e.Width/cellSize  + 1
	cellsY:=e.Height/cellSize + 1
	b:=&Model{
		Width:e.Width, Height:e.Height,
		CellsX:cellsX, CellsY:cellsY,
		SpacingX:float32(e.Width)/float32(cellsX),
		SpacingY:float32(e.Height)/float32(cellsY),
		Cells:make([]float32, cellsX*cellsY),
	}

	buffer:=make([]float32, (int(b.SpacingX)+2)*(int(b.SpacingY)+2))
	for cy:=int32(0); cy<cellsY; cy++ {
		yStart:=int32( float32(cy)   *b.SpacingY + 0.5)
		yEnd  :=int32((float32(cy)+1)*b.SpacingY + 0.5)
		if yEnd>e.Height { yEnd=e.Height }
		for cx:=int32(0); cx<cellsX; cx++ {
			xStart:=int32( float32(cx)   *b.SpacingX + 0.5)
			xEnd  :=int32((float32(cx)+1)*b.SpacingX + 0.5)
			if xEnd>e.Width { xEnd=e.Width }
			b.Cells[cy*cellsX+cx]=fitCell(e, xStart, xEnd, yStart, yEnd, sigma, exclude, buffer)
		}
	}

	b.fillOutlierCells()
	return b
}

// Fit one grid cell: sigma-clipped median of the unmasked pixels, or NaN
// when too few pixels survive masking
func fitCell(e *buf.Exposure, xStart, xEnd, yStart, yEnd int32, sigma float32, exclude buf.Mask, buffer []float32) float32 {
	numSamples:=0
	for y:=yStart; y<yEnd; y++ {
		for x:=xStart; x<xEnd; x++ {
			i:=e.Index(x, y)
			if e.Mask[i]&exclude!=0 { continue }
			buffer[numSamples]=e.Image[i]
			numSamples++
		}
	}
	required:=minCellSamples
	if area:=int((xEnd-xStart)*(yEnd-yStart)); area<required { required=1 }
	if numSamples<required { return float32(math.NaN()) }
	return stats.SigmaClippedMedian(buffer[:numSamples], sigma)
}

// Replaces NaN cells with the median of their valid neighbors, repeating
// with a relaxing neighbor requirement until nothing changes
func (b *Model) fillOutlierCells() {
	temp:=make([]float32, 8)
	for neighbors:=8; neighbors>=0; neighbors-- {
		for {
			numChanged:=0
			for cy:=int32(0); cy<b.CellsY; cy++ {
				for cx:=int32(0); cx<b.CellsX; cx++ {
					i:=cy*b.CellsX+cx
					if !math.IsNaN(float64(b.Cells[i])) { continue }
					predict, numGathered:=medianOfNeighbors(b.Cells, b.CellsX, b.CellsY, cx, cy, temp)
					if numGathered>=neighbors && numGathered>0 {
						b.Cells[i]=predict
						b.OutlierCells++
						numChanged++
					}
				}
			}
			if numChanged==0 { break }
		}
	}
}

var neighborOffsets=[8][2]int32{
	{-1,-1}, {0,-1}, {1,-1},
	{-1, 0},         {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Median over the valid entries of the local 1-neighborhood
func medianOfNeighbors(cells []float32, cellsX, cellsY, cx, cy int32, temp []float32) (med float32, numGathered int) {
	for _,off:=range neighborOffsets {
		x2, y2:=cx+off[0], cy+off[1]
		if x2<0 || x2>=cellsX || y2<0 || y2>=cellsY { continue }
		v:=cells[y2*cellsX+x2]
		if math.IsNaN(float64(v)) { continue }
		temp[numGathered]=v
		numGathered++
	}
	if numGathered==0 { return float32(math.NaN()), 0 }
	return qsort.QSelectMedianFloat32(temp[:numGathered]), numGathered
}

// Evaluates the background at pixel (x,y) by bilinear interpolation
// between cell centers, clamping beyond the outermost centers
func (b *Model) At(x, y int32) float32 {
	fx:=float32(x)/b.SpacingX - 0.5
	fy:=float32(y)/b.SpacingY - 0.5
	cx0:=int32(math.Floor(float64(fx)))
	cy0:=int32(math.Floor(float64(fy)))
	rx:=fx-float32(cx0)
	ry:=fy-float32(cy0)
	if cx0<0            { cx0, rx=0, 0 }
	if cx0>=b.CellsX-1  { cx0, rx=b.CellsX-2, 1 }
	if cy0<0            { cy0, ry=0, 0 }
	if cy0>=b.CellsY-1  { cy0, ry=b.CellsY-2, 1 }
	if b.CellsX==1      { cx0, rx=0, 0 }
	if b.CellsY==1      { cy0, ry=0, 0 }
	cx1, cy1:=cx0+1, cy0+1
	if cx1>=b.CellsX { cx1=cx0 }
	if cy1>=b.CellsY { cy1=cy0 }

	v00:=b.Cells[cy0*b.CellsX+cx0]
	v10:=b.Cells[cy0*b.CellsX+cx1]
	v01:=b.Cells[cy1*b.CellsX+cx0]
	v11:=b.Cells[cy1*b.CellsX+cx1]
	vy0:=v00*(1-rx) + v10*rx
	vy1:=v01*(1-rx) + v11*rx
	return vy0*(1-ry) + vy1*ry
}

// Renders the full background into a new plane of the original extent
func (b *Model) Render() []float32 {
	dest:=make([]float32, int(b.Width)*int(b.Height))
	for y:=int32(0); y<b.Height; y++ {
		for x:=int32(0); x<b.Width; x++ {
			dest[y*b.Width+x]=b.At(x, y)
		}
	}
	return dest
}

// Subtracts the background from the exposure's image plane in place
func (b *Model) SubtractFrom(e *buf.Exposure) error {
	if e.Width!=b.Width || e.Height!=b.Height {
		return fmt.Errorf("background extent %dx%d does not match image extent %dx%d",
			b.Width, b.Height, e.Width, e.Height)
	}
	for y:=int32(0); y<b.Height; y++ {
		for x:=int32(0); x<b.Width; x++ {
			e.Image[y*b.Width+x]-=b.At(x, y)
		}
	}
	return nil
}
