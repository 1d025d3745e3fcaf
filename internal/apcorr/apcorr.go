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


package apcorr

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/measure"
)

// Settings for the aperture correction fit. The correction is the ratio
// of flux in a wide calibration aperture to the PSF flux, fitted as a
// polynomial surface over the field from the PSF stars.
type Config struct {
	Order      int32   `json:"order" yaml:"order"`           // polynomial order of the surface, 0 is a constant
	WideRadius float32 `json:"wideRadius" yaml:"wideRadius"` // calibration aperture radius in pixels
}

func DefaultConfig() Config {
	return Config{Order: 0, WideRadius: 9}
}

func (c *Config) Validate() error {
	if c.Order<0 { return errors.New("aperture correction order must be non-negative") }
	if c.WideRadius<=0 { return errors.New("calibration aperture radius must be positive") }
	return nil
}

// A fitted aperture correction surface. Correction values multiply PSF
// fluxes onto the wide-aperture system.
type Correction struct {
	Order    int32
	Coeffs   []float32 // polynomial coefficients, x^i*y^j for i+j<=Order in (j,i) order
	RMS      float32   // scatter of the calibration stars about the surface
	NumAvail int32     // calibration stars offered to the fit
	NumGood  int32     // calibration stars that survived rejection
}

func numTerms(order int32) int { return int((order+1)*(order+2)/2) }

// Fits the correction surface from the given calibration star indices.
// Stars with flagged or non-positive photometry are dropped; fewer
// remaining stars than polynomial terms is an error, the fit never
// extrapolates from an under-constrained sample.
func Fit(e *buf.Exposure, sources []measure.Source, stars []int, cfg Config, logWriter io.Writer) (*Correction, error) {
	if err:=cfg.Validate(); err!=nil { return nil, err }

	var xs, ys, ratios []float32
	for _, idx:=range stars {
		s:=&sources[idx]
		if s.HasFlags(measure.FlagBadPsfFlux|measure.FlagSaturated|measure.FlagEdge) { continue }
		if s.PsfFlux<=0 { continue }
		wide, _:=measure.ApertureFlux(e, s.X, s.Y, cfg.WideRadius)
		if math.IsNaN(float64(wide)) || wide<=0 { continue }
		xs=append(xs, s.X)
		ys=append(ys, s.Y)
		ratios=append(ratios, wide/s.PsfFlux)
	}

	terms:=numTerms(cfg.Order)
	if len(ratios)<terms {
		return nil, fmt.Errorf("aperture correction needs %d stars for order %d, have %d", terms, cfg.Order, len(ratios))
	}

	coeffs, err:=solveSurface(xs, ys, ratios, cfg.Order)
	if err!=nil { return nil, err }
	corr:=&Correction{Order: cfg.Order, Coeffs: coeffs,
		NumAvail: int32(len(stars)), NumGood: int32(len(ratios))}

	var sumSq float64
	for i:=range ratios {
		d:=float64(ratios[i]-corr.At(xs[i], ys[i]))
		sumSq+=d*d
	}
	corr.RMS=float32(math.Sqrt(sumSq/float64(len(ratios))))
	fmt.Fprintf(logWriter, "%d: aperture correction order %d from %d of %d stars, center %.4f rms %.4f\n",
		e.ID, cfg.Order, corr.NumGood, corr.NumAvail, corr.At(float32(e.Width)/2, float32(e.Height)/2), corr.RMS)
	return corr, nil
}

// Least-squares solve of ratio = sum c_ij x^i y^j over the star sample.
func solveSurface(xs, ys, ratios []float32, order int32) ([]float32, error) {
	n:=len(ratios)
	terms:=numTerms(order)
	design:=mat.NewDense(n, terms, nil)
	rhs:=mat.NewVecDense(n, nil)
	for i:=0; i<n; i++ {
		col:=0
		for j:=int32(0); j<=order; j++ {
			for k:=int32(0); k<=order-j; k++ {
				design.Set(i, col, math.Pow(float64(xs[i]), float64(k))*math.Pow(float64(ys[i]), float64(j)))
				col++
			}
		}
		rhs.SetVec(i, float64(ratios[i]))
	}
	var qr mat.QR
	qr.Factorize(design)
	var beta mat.VecDense
	if err:=qr.SolveVecTo(&beta, false, rhs); err!=nil {
		return nil, fmt.Errorf("aperture correction surface fit: %w", err)
	}
	coeffs:=make([]float32, terms)
	for i:=range coeffs { coeffs[i]=float32(beta.AtVec(i)) }
	return coeffs, nil
}

// Evaluates the correction surface at (x,y).
func (c *Correction) At(x, y float32) float32 {
	var sum float32
	col:=0
	for j:=int32(0); j<=c.Order; j++ {
		for k:=int32(0); k<=c.Order-j; k++ {
			sum+=c.Coeffs[col]*float32(math.Pow(float64(x), float64(k))*math.Pow(float64(y), float64(j)))
			col++
		}
	}
	return sum
}

// Writes the correction and its uncertainty into every source that has a
// usable PSF flux. Sources without one get FlagBadApCorr and untouched
// photometry.
func Apply(sources []measure.Source, corr *Correction) {
	for i:=range sources {
		s:=&sources[i]
		if s.HasFlags(measure.FlagBadPsfFlux) {
			s.Flags|=measure.FlagBadApCorr
			continue
		}
		s.ApCorr=corr.At(s.X, s.Y)
		s.ApCorrErr=corr.RMS
	}
}
