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


package measure

import (
	"errors"
	"math"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/detect"
	"github.com/starfield/reduce/internal/psf"
)

// Settings for the per-source measurement sequence.
type Config struct {
	ApRadius     float32 `json:"apRadius" yaml:"apRadius"`         // aperture photometry radius in pixels
	CentroidIter int32   `json:"centroidIter" yaml:"centroidIter"` // max center-of-mass refinement rounds
	Binned       bool    `json:"binned" yaml:"binned"`             // pixel data is binned, set FlagBinned on all sources
}

func DefaultConfig() Config {
	return Config{ApRadius: 7, CentroidIter: 10, Binned: false}
}

func (c *Config) Validate() error {
	if c.ApRadius<=0 { return errors.New("aperture radius must be positive") }
	if c.CentroidIter<1 { return errors.New("centroid iteration count must be at least 1") }
	return nil
}

// Measures every footprint on e and returns one source per footprint, in
// footprint order with ids assigned from their index. Footprints are
// measured in parallel up to maxThreads at a time.
func MeasureAll(e *buf.Exposure, model psf.Model, footprints []*detect.Footprint, cfg Config, maxThreads int32) ([]Source, error) {
	if err:=cfg.Validate(); err!=nil { return nil, err }
	sources:=make([]Source, len(footprints))
	limiter:=make(chan bool, maxThreads)
	for i:=range footprints {
		limiter <- true
		go func(id int) {
			defer func() { <-limiter }()
			sources[id]=measureOne(e, model, footprints[id], int32(id), cfg)
		}(i)
	}
	for i:=0; i<cap(limiter); i++ { limiter <- true } // wait for goroutines to finish
	return sources, nil
}

// Runs the fixed measurement sequence on one footprint: peak, mask flags,
// centroid, shape, PSF flux, aperture flux. An algorithm failure flags
// the source and the sequence continues with fallback values.
func measureOne(e *buf.Exposure, model psf.Model, fp *detect.Footprint, id int32, cfg Config) (s Source) {
	s.ID=id
	s.Footprint=fp
	if cfg.Binned { s.Flags|=FlagBinned }

	peakX, peakY:=findPeak(e, fp)
	applyMaskFlags(&s, e, fp, peakX, peakY)

	if !refineCentroid(&s, e, peakX, peakY, cfg.CentroidIter) {
		s.Flags|=FlagBadCentroid
		s.X, s.Y=float32(peakX), float32(peakY)
	}
	measureShape(&s, e)
	measurePsfFlux(&s, e, model)
	s.ApFlux, s.ApFluxErr=ApertureFlux(e, s.X, s.Y, cfg.ApRadius)
	if math.IsNaN(float64(s.ApFlux)) {
		s.Flags|=FlagBadApFlux
		s.ApFlux, s.ApFluxErr=0, 0
	}
	return s
}

// Returns the coordinates of the brightest pixel inside the footprint.
func findPeak(e *buf.Exposure, fp *detect.Footprint) (peakX, peakY int32) {
	peakVal:=float32(math.Inf(-1))
	for _, sp:=range fp.Spans {
		row:=e.Image[sp.Y*e.Width:]
		for x:=sp.X0; x<sp.X1; x++ {
			if v:=row[x]; v>peakVal {
				peakVal, peakX, peakY=v, x, sp.Y
			}
		}
	}
	return peakX, peakY
}

// Transfers pixel mask state into source flags. Center flags use the
// peak pixel, area flags any pixel of the footprint.
func applyMaskFlags(s *Source, e *buf.Exposure, fp *detect.Footprint, peakX, peakY int32) {
	var area buf.Mask
	for _, sp:=range fp.Spans {
		row:=e.Mask[sp.Y*e.Width:]
		for x:=sp.X0; x<sp.X1; x++ { area|=row[x] }
	}
	if area&buf.MaskSaturated!=0 { s.Flags|=FlagSaturated }
	if area&(buf.MaskInterp|buf.MaskBad)!=0 { s.Flags|=FlagInterp }
	if area&buf.MaskCR!=0 { s.Flags|=FlagCR }
	if area&buf.MaskEdge!=0 || fp.BBox.X0==0 || fp.BBox.Y0==0 ||
		fp.BBox.X1==e.Width || fp.BBox.Y1==e.Height {
		s.Flags|=FlagEdge
	}
	center:=e.Mask[e.Index(peakX, peakY)]
	if center&buf.MaskSaturated!=0 { s.Flags|=FlagSaturCenter }
	if center&(buf.MaskInterp|buf.MaskBad)!=0 { s.Flags|=FlagInterpCenter }
}

const centroidRadius = 4 // center-of-mass window half width

// Iteratively shifts a center-of-mass window from the peak until the
// centroid moves less than a tenth of a pixel. Reports whether the
// iteration converged; on success fills X, Y and their uncertainties.
func refineCentroid(s *Source, e *buf.Exposure, peakX, peakY int32, maxIter int32) bool {
	cx, cy:=float32(peakX), float32(peakY)
	for iter:=int32(0); iter<maxIter; iter++ {
		x0, y0:=int32(cx+0.5)-centroidRadius, int32(cy+0.5)-centroidRadius
		x1, y1:=x0+2*centroidRadius+1, y0+2*centroidRadius+1
		win:=buf.Region{X0: x0, Y0: y0, X1: x1, Y1: y1}.Clip(e)
		if win.Empty() { return false }

		var mass, sumX, sumY float32
		for y:=win.Y0; y<win.Y1; y++ {
			row:=e.Image[y*e.Width:]
			for x:=win.X0; x<win.X1; x++ {
				if v:=row[x]; v>0 {
					mass+=v
					sumX+=v*float32(x)
					sumY+=v*float32(y)
				}
			}
		}
		if mass<=0 { return false }

		nx, ny:=sumX/mass, sumY/mass
		dx, dy:=nx-cx, ny-cy
		cx, cy=nx, ny
		if dx*dx+dy*dy<0.1*0.1 {
			s.X, s.Y=cx, cy
			s.XErr, s.YErr=centroidErrors(e, win, cx, cy, mass)
			return true
		}
	}
	return false
}

// First-moment error propagation: each pixel contributes its variance
// weighted by the squared offset from the centroid.
func centroidErrors(e *buf.Exposure, win buf.Region, cx, cy, mass float32) (xErr, yErr float32) {
	if e.Variance==nil { return 0, 0 }
	var vx, vy float32
	for y:=win.Y0; y<win.Y1; y++ {
		varRow:=e.Variance[y*e.Width:]
		imgRow:=e.Image[y*e.Width:]
		for x:=win.X0; x<win.X1; x++ {
			if imgRow[x]<=0 { continue }
			dx, dy:=float32(x)-cx, float32(y)-cy
			vx+=varRow[x]*dx*dx
			vy+=varRow[x]*dy*dy
		}
	}
	return float32(math.Sqrt(float64(vx)))/mass, float32(math.Sqrt(float64(vy)))/mass
}

// Computes intensity-weighted second central moments about the centroid
// in a fixed window. Degenerate moments flag the source and stay zero.
func measureShape(s *Source, e *buf.Exposure) {
	x0, y0:=int32(s.X+0.5)-centroidRadius, int32(s.Y+0.5)-centroidRadius
	win:=buf.Region{X0: x0, Y0: y0, X1: x0+2*centroidRadius+1, Y1: y0+2*centroidRadius+1}.Clip(e)
	var mass, sxx, sxy, syy float32
	for y:=win.Y0; y<win.Y1; y++ {
		row:=e.Image[y*e.Width:]
		for x:=win.X0; x<win.X1; x++ {
			v:=row[x]
			if v<=0 { continue }
			dx, dy:=float32(x)-s.X, float32(y)-s.Y
			mass+=v
			sxx+=v*dx*dx
			sxy+=v*dx*dy
			syy+=v*dy*dy
		}
	}
	if mass<=0 {
		s.Flags|=FlagBadShape
		return
	}
	s.Ixx, s.Ixy, s.Iyy=sxx/mass, sxy/mass, syy/mass
	if s.Ixx<=0 || s.Iyy<=0 { s.Flags|=FlagBadShape }
}

// PSF-weighted flux estimate: F = sum(w*I) / sum(w*w) with the kernel
// centered on the rounded centroid. Optimal for an isolated point source
// on flat noise.
func measurePsfFlux(s *Source, e *buf.Exposure, model psf.Model) {
	k:=model.EvalKernel(s.X, s.Y)
	hw:=k.HalfWidth()
	cx, cy:=int32(s.X+0.5), int32(s.Y+0.5)
	if cx-hw<0 || cy-hw<0 || cx+hw>=e.Width || cy+hw>=e.Height {
		s.Flags|=FlagBadPsfFlux
		return
	}
	var sumWI, sumWW, sumWWVar float32
	for ky:=int32(0); ky<k.Width; ky++ {
		imgRow:=e.Image[(cy-hw+ky)*e.Width+cx-hw:]
		kRow:=k.Weights[ky*k.Width:]
		for kx:=int32(0); kx<k.Width; kx++ {
			w:=kRow[kx]
			sumWI+=w*imgRow[kx]
			sumWW+=w*w
			if e.Variance!=nil { sumWWVar+=w*w*e.Variance[(cy-hw+ky)*e.Width+cx-hw+kx] }
		}
	}
	if sumWW<=0 {
		s.Flags|=FlagBadPsfFlux
		return
	}
	s.PsfFlux=sumWI/sumWW
	s.PsfFluxErr=float32(math.Sqrt(float64(sumWWVar)))/sumWW
	if s.PsfFlux<0 { s.Flags|=FlagBadPsfFlux }
}

// Sums background-subtracted pixels within radius of (cx,cy). Returns
// NaN flux when the aperture lies entirely outside the image.
func ApertureFlux(e *buf.Exposure, cx, cy, radius float32) (flux, fluxErr float32) {
	r:=int32(radius+0.5)
	win:=buf.Region{X0: int32(cx+0.5)-r, Y0: int32(cy+0.5)-r,
		X1: int32(cx+0.5)+r+1, Y1: int32(cy+0.5)+r+1}.Clip(e)
	if win.Empty() { return float32(math.NaN()), 0 }
	rSq:=radius*radius
	var sum, sumVar float32
	for y:=win.Y0; y<win.Y1; y++ {
		row:=e.Image[y*e.Width:]
		for x:=win.X0; x<win.X1; x++ {
			dx, dy:=float32(x)-cx, float32(y)-cy
			if dx*dx+dy*dy>rSq { continue }
			sum+=row[x]
			if e.Variance!=nil { sumVar+=e.Variance[y*e.Width+x] }
		}
	}
	return sum, float32(math.Sqrt(float64(sumVar)))
}
