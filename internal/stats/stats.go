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
	"fmt"
	"math"
	"github.com/valyala/fastrand"
	"github.com/starfield/reduce/internal/qsort"
)

// Normalizes a median absolute deviation to a Gaussian standard deviation
const MADToStdDev = 1.4826

// Basic statistics on data arrays
type Basic struct {
	Min    float32  // Minimum
	Max    float32  // Maximum
	Mean   float32  // Mean (average)
	StdDev float32  // Standard deviation (norm 2, sigma)

	Location float32 // Robust location indicator (median)
	Scale    float32 // Robust scale indicator (MAD normalized to sigma)
}

// Pretty print basic stats to string
func (s *Basic) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g Location %.6g Scale %.6g",
		s.Min, s.Max, s.Mean, s.StdDev, s.Location, s.Scale)
}

// Calculate basic statistics for a data array
func CalcBasic(data []float32) (s *Basic) {
	s=&Basic{}
	if len(data)==0 { return s }
	min, max:=data[0], data[0]
	mean:=float64(0)
	for _,v:=range data {
		if v<min { min=v }
		if v>max { max=v }
		mean+=float64(v)
	}
	mean/=float64(len(data))
	variance:=float64(0)
	for _,v:=range data {
		diff:=float64(v)-mean
		variance+=diff*diff
	}
	variance/=float64(len(data))
	s.Min, s.Mean, s.Max=min, float32(mean), max
	s.StdDev=float32(math.Sqrt(variance))
	return s
}

// Calculate basic plus robust statistics for a data array.
// Copies the array to leave the input unchanged.
func CalcRobust(data []float32) (s *Basic) {
	s=CalcBasic(data)
	if len(data)==0 { return s }
	buffer:=append([]float32(nil), data...)
	s.Location=qsort.QSelectMedianFloat32(buffer)
	s.Scale   =qsort.QSelectMADFloat32(buffer, s.Location)*MADToStdDev
	return s
}

// Calculate the median and normalized MAD of the data, reordering the
// given scratch buffer. Buffer must be at least as long as the data.
func MedianMAD(data, buffer []float32) (median, scale float32) {
	buffer=buffer[:len(data)]
	copy(buffer, data)
	median=qsort.QSelectMedianFloat32(buffer)
	copy(buffer, data)
	scale =qsort.QSelectMADFloat32(buffer, median)*MADToStdDev
	return median, scale
}

// Estimate the median and normalized MAD of a large data array from a
// random sample, to bound the cost on full-frame inputs
func SampledMedianMAD(data []float32, numSamples int) (median, scale float32) {
	if numSamples>=len(data) {
		buffer:=make([]float32, len(data))
		return MedianMAD(data, buffer)
	}
	rng:=fastrand.RNG{}
	samples:=make([]float32, numSamples)
	for i:=range samples {
		samples[i]=data[rng.Uint32n(uint32(len(data)))]
	}
	median=qsort.QSelectMedianFloat32(samples)
	for i:=range samples {
		samples[i]=data[rng.Uint32n(uint32(len(data)))]
	}
	scale=qsort.QSelectMADFloat32(samples, median)*MADToStdDev
	return median, scale
}

// Calculate a sigma-clipped median: the median of all samples within
// sigma deviations of the initial median. Reorders the buffer.
func SigmaClippedMedian(buffer []float32, sigma float32) float32 {
	if len(buffer)==0 { return float32(math.NaN()) }
	median:=qsort.QSelectMedianFloat32(buffer)

	mad:=float32(0)
	{
		deviations:=append([]float32(nil), buffer...)
		mad=qsort.QSelectMADFloat32(deviations, median)*MADToStdDev
	}
	if mad==0 { return median }

	upperBound:=median+sigma*mad
	lowerBound:=median-sigma*mad
	numSamples:=0
	for _,v:=range buffer {
		if v>=lowerBound && v<=upperBound {
			buffer[numSamples]=v
			numSamples++
		}
	}
	if numSamples==0 { return median }
	return qsort.QSelectMedianFloat32(buffer[:numSamples])
}
