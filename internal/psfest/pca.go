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


package psfest

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/psf"
	"github.com/starfield/reduce/internal/qsort"
	"github.com/starfield/reduce/internal/stats"
)

// Fits a PSF model to candidate stars. Implementations report how many
// candidates they received and how many survived their rejection.
type Determiner interface {
	Determine(e *buf.Exposure, sources []measure.Source, candidates []int) (psf.Model, Diagnostics, error)
	String() string
}

// Counts from a PSF fit, for operator logs and quality cuts downstream.
type Diagnostics struct {
	NumAvail int32 // candidates offered to the determiner
	NumGood  int32 // candidates that survived rejection
}

// Determines the PSF as mean image plus principal components of the
// star cutouts, with component amplitudes varying linearly across the
// field.
type PcaDeterminer struct {
	Config DeterminerConfig
}

type DeterminerConfig struct {
	KernelSize    int32   `json:"kernelSize" yaml:"kernelSize"`       // cutout and kernel width, odd
	NumComponents int32   `json:"numComponents" yaml:"numComponents"` // principal components to keep
	NumIter       int32   `json:"numIter" yaml:"numIter"`             // rejection iterations
	RejectSigma   float32 `json:"rejectSigma" yaml:"rejectSigma"`     // residual clip in robust sigmas
}

func DefaultDeterminerConfig() DeterminerConfig {
	return DeterminerConfig{KernelSize: 15, NumComponents: 3, NumIter: 3, RejectSigma: 3}
}

func (c *DeterminerConfig) Validate() error {
	if c.KernelSize<3 || c.KernelSize%2==0 { return errors.New("kernel size must be odd and at least 3") }
	if c.NumComponents<0 { return errors.New("number of components must be non-negative") }
	if c.NumIter<1 { return errors.New("rejection iteration count must be at least 1") }
	if c.RejectSigma<=0 { return errors.New("rejection sigma must be positive") }
	return nil
}

func NewPcaDeterminer(c DeterminerConfig) (*PcaDeterminer, error) {
	if err:=c.Validate(); err!=nil { return nil, err }
	return &PcaDeterminer{Config: c}, nil
}

func (d *PcaDeterminer) String() string { return "pca" }

func (d *PcaDeterminer) Determine(e *buf.Exposure, sources []measure.Source, candidates []int) (psf.Model, Diagnostics, error) {
	c:=&d.Config
	diag:=Diagnostics{NumAvail: int32(len(candidates))}

	cutouts, positions:=extractCutouts(e, sources, candidates, c.KernelSize)
	if len(cutouts)<3 {
		return nil, diag, fmt.Errorf("only %d of %d candidates yield usable cutouts, need at least 3", len(cutouts), len(candidates))
	}

	var basis *psf.ImageBasis
	for iter:=int32(0); iter<c.NumIter; iter++ {
		var err error
		basis, err=fitBasis(cutouts, positions, c)
		if err!=nil { return nil, diag, err }
		if iter==c.NumIter-1 { break }

		keep:=rejectOutliers(cutouts, positions, basis, c.RejectSigma)
		if len(keep)==len(cutouts) { break }
		if len(keep)<3 { break } // keep the current fit rather than degenerate further
		cutouts, positions=filterCutouts(cutouts, positions, keep)
	}
	diag.NumGood=int32(len(cutouts))
	return basis, diag, nil
}

// Copies a normalized kernelSize cutout around each candidate centroid.
// Candidates too close to the edge or with non-positive total flux are
// skipped. Cutouts are explicit copies so the fit never aliases the
// exposure.
func extractCutouts(e *buf.Exposure, sources []measure.Source, candidates []int, size int32) (cutouts [][]float32, positions [][2]float32) {
	hw:=size/2
	for _, idx:=range candidates {
		s:=&sources[idx]
		cx, cy:=int32(s.X+0.5), int32(s.Y+0.5)
		if cx-hw<0 || cy-hw<0 || cx+hw>=e.Width || cy+hw>=e.Height { continue }
		cut:=make([]float32, size*size)
		sum:=float32(0)
		for y:=int32(0); y<size; y++ {
			row:=e.Image[(cy-hw+y)*e.Width+cx-hw:]
			copy(cut[y*size:(y+1)*size], row[:size])
			for x:=int32(0); x<size; x++ { sum+=row[x] }
		}
		if sum<=0 { continue }
		for i:=range cut { cut[i]/=sum }
		cutouts=append(cutouts, cut)
		positions=append(positions, [2]float32{s.X, s.Y})
	}
	return cutouts, positions
}

// Builds the mean image and principal components from the cutout stack
// and fits a linear spatial trend to each component amplitude.
func fitBasis(cutouts [][]float32, positions [][2]float32, c *DeterminerConfig) (*psf.ImageBasis, error) {
	n:=len(cutouts)
	p:=int(c.KernelSize*c.KernelSize)

	mean:=make([]float32, p)
	for _, cut:=range cutouts {
		for i, v:=range cut { mean[i]+=v }
	}
	for i:=range mean { mean[i]/=float32(n) }

	nComp:=int(c.NumComponents)
	if nComp>n-1 { nComp=n-1 }

	var components [][]float32
	var coeffs [][3]float32
	if nComp>0 {
		centered:=mat.NewDense(n, p, nil)
		for i, cut:=range cutouts {
			for j, v:=range cut { centered.Set(i, j, float64(v-mean[j])) }
		}
		var svd mat.SVD
		if !svd.Factorize(centered, mat.SVDThin) {
			return nil, errors.New("SVD of centered star cutouts failed to converge")
		}
		var v mat.Dense
		svd.VTo(&v)

		components=make([][]float32, nComp)
		amps:=mat.NewDense(n, nComp, nil)
		for k:=0; k<nComp; k++ {
			comp:=make([]float32, p)
			for j:=0; j<p; j++ { comp[j]=float32(v.At(j, k)) }
			components[k]=comp
			for i:=0; i<n; i++ {
				var a float64
				for j:=0; j<p; j++ { a+=centered.At(i, j)*v.At(j, k) }
				amps.Set(i, k, a)
			}
		}
		var err error
		coeffs, err=fitSpatialTrends(amps, positions, nComp)
		if err!=nil { return nil, err }
	}

	return &psf.ImageBasis{
		Size:       c.KernelSize,
		Mean:       mean,
		Components: components,
		Coeffs:     coeffs,
		CoreSigma:  psf.KernelSigma(mean, c.KernelSize),
	}, nil
}

// Least-squares fit of amplitude = c0 + cx*x + cy*y per component.
// Fewer than three stars leave only the constant term.
func fitSpatialTrends(amps *mat.Dense, positions [][2]float32, nComp int) ([][3]float32, error) {
	n:=len(positions)
	coeffs:=make([][3]float32, nComp)
	if n<3 {
		for k:=0; k<nComp; k++ {
			var sum float64
			for i:=0; i<n; i++ { sum+=amps.At(i, k) }
			coeffs[k]=[3]float32{float32(sum/float64(n)), 0, 0}
		}
		return coeffs, nil
	}
	design:=mat.NewDense(n, 3, nil)
	for i, pos:=range positions {
		design.Set(i, 0, 1)
		design.Set(i, 1, float64(pos[0]))
		design.Set(i, 2, float64(pos[1]))
	}
	var qr mat.QR
	qr.Factorize(design)
	for k:=0; k<nComp; k++ {
		rhs:=mat.NewVecDense(n, nil)
		for i:=0; i<n; i++ { rhs.SetVec(i, amps.At(i, k)) }
		var beta mat.VecDense
		if err:=qr.SolveVecTo(&beta, false, rhs); err!=nil {
			return nil, fmt.Errorf("spatial trend fit for component %d: %w", k, err)
		}
		coeffs[k]=[3]float32{float32(beta.AtVec(0)), float32(beta.AtVec(1)), float32(beta.AtVec(2))}
	}
	return coeffs, nil
}

// Returns the indices of cutouts whose RMS residual against the model
// prediction at their position stays within rejectSigma robust sigmas of
// the median residual.
func rejectOutliers(cutouts [][]float32, positions [][2]float32, basis *psf.ImageBasis, rejectSigma float32) []int {
	n:=len(cutouts)
	residuals:=make([]float32, n)
	for i, cut:=range cutouts {
		k:=basis.EvalKernel(positions[i][0], positions[i][1])
		var sum float64
		for j:=range cut {
			d:=float64(cut[j]-k.Weights[j])
			sum+=d*d
		}
		residuals[i]=float32(math.Sqrt(sum/float64(len(cut))))
	}
	tmp:=make([]float32, n)
	copy(tmp, residuals)
	median:=qsort.QSelectMedianFloat32(tmp)
	copy(tmp, residuals)
	mad:=qsort.QSelectMADFloat32(tmp, median)
	limit:=median+rejectSigma*mad*stats.MADToStdDev
	if mad==0 { limit=median }

	var keep []int
	for i, r:=range residuals {
		if r<=limit { keep=append(keep, i) }
	}
	return keep
}

func filterCutouts(cutouts [][]float32, positions [][2]float32, keep []int) ([][]float32, [][2]float32) {
	outC:=make([][]float32, 0, len(keep))
	outP:=make([][2]float32, 0, len(keep))
	for _, i:=range keep {
		outC=append(outC, cutouts[i])
		outP=append(outP, positions[i])
	}
	return outC, outP
}

var determiners=map[string]func(DeterminerConfig) (Determiner, error){
	"pca": func(c DeterminerConfig) (Determiner, error) { return NewPcaDeterminer(c) },
}

func NewDeterminer(name string, c DeterminerConfig) (Determiner, error) {
	factory, ok:=determiners[name]
	if !ok { return nil, fmt.Errorf("unknown psf determiner %q", name) }
	return factory(c)
}
