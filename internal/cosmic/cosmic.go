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


package cosmic

import (
	"fmt"
	"io"
	"math"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/defect"
	"github.com/starfield/reduce/internal/psf"
)

// Settings for outlier rejection
type Config struct {
	NSigma   float32 `json:"nSigma" yaml:"nSigma"`     // detection threshold over the convolved noise
	Contrast float32 `json:"contrast" yaml:"contrast"` // how much sharper than the PSF a pixel must be
}

func DefaultConfig() Config { return Config{NSigma:6, Contrast:2.5} }

// Finds point-like high-sigma outliers not explained by the PSF, flags
// them with the CR mask bit, and repairs them via defect interpolation.
// The image is convolved with the PSF kernel to suppress read noise; a
// pixel is an outlier candidate when its convolved value is significant
// against the variance plane AND its unconvolved value is sharper than a
// PSF-shaped source could produce. BAD and INTERP pixels are excluded
// from the convolution input and never flagged; neither are pixels on
// the boundary of the valid interior region.
func RemoveOutliers(e *buf.Exposure, model psf.Model, bkg float32, cfg Config, logWriter io.Writer) (numOutliers int32, err error) {
	if cfg.NSigma<=0 {
		return 0, fmt.Errorf("outlier rejection sigma must be positive, got %g", cfg.NSigma)
	}
	kernel:=model.EvalKernel(float32(e.Width)/2, float32(e.Height)/2)
	hw:=kernel.HalfWidth()

	// keep BAD and INTERP pixel values out of the smoothed image
	masked:=append([]float32(nil), e.Image...)
	for i,m:=range e.Mask {
		if m&(buf.MaskBad|buf.MaskInterp)!=0 { masked[i]=bkg }
	}
	conv:=make([]float32, len(masked))
	if err:=psf.Convolve(conv, masked, e.Width, kernel); err!=nil {
		return 0, err
	}

	// a PSF-shaped source of flux F peaks at F*centerWeight and convolves
	// to F*sumSquares; comparing the fluxes implied by both readings
	// separates sharp outliers from stars
	centerWeight:=kernel.Weights[hw+hw*kernel.Width]
	sumSquares:=kernel.SumSquares()
	noiseShrink:=float32(math.Sqrt(float64(sumSquares)))

	interior:=e.Interior(hw+1)
	candidates:=make([]bool, len(conv))
	numPixels:=int32(0)
	for y:=interior.Y0; y<interior.Y1; y++ {
		for x:=interior.X0; x<interior.X1; x++ {
			i:=e.Index(x, y)
			if e.Mask[i]&(buf.MaskBad|buf.MaskInterp)!=0 { continue }
			sigma:=float32(math.Sqrt(float64(e.Variance[i])))*noiseShrink
			if sigma<=0 { continue }
			cv:=conv[i]-bkg
			if cv<cfg.NSigma*sigma { continue }
			fluxConv:=cv/sumSquares
			fluxPeak:=(e.Image[i]-bkg)/centerWeight
			if fluxPeak <= cfg.Contrast*fluxConv { continue }
			candidates[i]=true
			numPixels++
		}
	}
	if numPixels==0 { return 0, nil }

	// turn candidate pixels into per-row defect runs, distinct CR bit first
	var crs []defect.Defect
	for y:=int32(0); y<e.Height; y++ {
		x:=int32(0)
		for x<e.Width {
			if !candidates[e.Index(x, y)] { x++; continue }
			x0:=x
			for x<e.Width && candidates[e.Index(x, y)] {
				e.Mask[e.Index(x, y)]|=buf.MaskCR
				x++
			}
			crs=append(crs, defect.New(x0, y, x, y+1))
		}
	}

	if _, err:=defect.InterpolateOver(e, model, crs); err!=nil {
		return numPixels, fmt.Errorf("repairing %d outlier pixels: %w", numPixels, err)
	}
	fmt.Fprintf(logWriter, "%d: Removed %d outlier pixels in %d runs with sigma=%.1f contrast=%.1f\n",
		e.ID, numPixels, len(crs), cfg.NSigma, cfg.Contrast)
	return numPixels, nil
}
