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
)

// High-pass weights for noise estimation. The operator annihilates
// constant and linear image content, so smooth backgrounds do not bias
// the estimate.
var noiseWeights=[]float32{
	 1, -2,  1,
	-2,  4, -2,
	 1, -2,  1,
}

// Estimates the standard deviation of gaussian pixel noise on the image.
// From J. Immerkær, "Fast Noise Variance Estimation", Computer Vision
// and Image Understanding, Vol. 64, No. 2, pp. 300-302, Sep. 1996.
func EstimateNoise(data []float32, width int32) float32 {
	offsets:=[]int32{
		-width-1, -width, -width+1,
		      -1,      0,        1,
		 width-1,  width,  width+1,
	}

	height:=int32(len(data))/width
	sum:=float32(0)
	for y:=int32(1); y<height-1; y++ {
		rowSum:=float32(0)
		for x:=int32(1); x<width-1; x++ {
			i:=y*width+x
			conv:=float32(0)
			for j, o:=range offsets {
				conv+=data[i+o]*noiseWeights[j]
			}
			rowSum+=float32(math.Abs(float64(conv)))
		}
		sum+=rowSum
	}
	factor:=float32(math.Sqrt(0.5*math.Pi))/(6*float32(width-2)*float32(height-2))
	return sum*factor
}
