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


package stats

import (
	"math"
	"gonum.org/v1/gonum/optimize"
)

// A 2D histogram over a bounded value range, e.g. of source second moments
// (Ixx, Iyy). Counts are indexed x + y*XSize.
type Histogram2D struct {
	XSize, YSize int32    // number of bins per axis
	XMax,  YMax  float32  // upper value bound per axis; lower bound is zero
	Counts []int32        // bin counts
}

func NewHistogram2D(xSize, ySize int32, xMax, yMax float32) *Histogram2D {
	return &Histogram2D{
		XSize: xSize, YSize: ySize,
		XMax: xMax, YMax: yMax,
		Counts: make([]int32, xSize*ySize),
	}
}

// Insert a value pair into the histogram. Out-of-range values, and values
// falling into the degenerate (0,0) bin, are ignored.
func (h *Histogram2D) Insert(x, y float32) {
	i:=int32(x*float32(h.XSize)/h.XMax + 0.5)
	j:=int32(y*float32(h.YSize)/h.YMax + 0.5)
	if i<0 || i>=h.XSize || j<0 || j>=h.YSize { return }
	if i==0 && j==0 { return }
	h.Counts[i+j*h.XSize]++
}

// Returns the bin center of the fullest bin, in value units
func (h *Histogram2D) Peak() (x, y float32, count int32) {
	maxIndex, maxValue:=int32(-1), int32(math.MinInt32)
	for i,v:=range h.Counts {
		if v>maxValue {
			maxIndex, maxValue=int32(i), v
		}
	}
	i, j:=maxIndex%h.XSize, maxIndex/h.XSize
	return float32(i)*h.XMax/float32(h.XSize), float32(j)*h.YMax/float32(h.YSize), maxValue
}

// Refines the histogram peak position by fitting a 2D Gaussian bump to the
// bin counts with Nelder-Mead, starting from the fullest bin. Falls back to
// the raw peak if the fit fails or wanders out of range.
func (h *Histogram2D) RefinePeak() (x, y float32) {
	px, py, pv:=h.Peak()
	x0:=[]float64{float64(pv), float64(px), float64(py), float64(h.XMax)/float64(h.XSize)}
	problem:=optimize.Problem{
		Func: func(p []float64) float64 {
			alpha, mux, muy, sigma:=float32(p[0]), float32(p[1]), float32(p[2]), float32(p[3])
			if sigma<=0 { return math.MaxFloat32 }
			sumSqDiff:=float32(0)
			for j:=int32(0); j<h.YSize; j++ {
				for i:=int32(0); i<h.XSize; i++ {
					bx:=float32(i)*h.XMax/float32(h.XSize)
					by:=float32(j)*h.YMax/float32(h.YSize)
					dx, dy:=(bx-mux)/sigma, (by-muy)/sigma
					predict:=alpha*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy))))
					diff:=float32(h.Counts[i+j*h.XSize])-predict
					sumSqDiff+=diff*diff
				}
			}
			return math.Sqrt(float64(sumSqDiff/float32(len(h.Counts))))
		},
	}
	result, err:=optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err!=nil { return px, py }
	mux, muy:=float32(result.X[1]), float32(result.X[2])
	if mux<0 || mux>h.XMax || muy<0 || muy>h.YMax { return px, py }
	return mux, muy
}
