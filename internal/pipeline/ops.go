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


package pipeline

import (
	"fmt"
	"math"

	"github.com/starfield/reduce/internal/apcorr"
	"github.com/starfield/reduce/internal/back"
	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/cosmic"
	"github.com/starfield/reduce/internal/defect"
	"github.com/starfield/reduce/internal/detect"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/psf"
	"github.com/starfield/reduce/internal/psfest"
	"github.com/starfield/reduce/internal/stats"
)

// Estimates the gaussian pixel noise of the image and fills the
// variance plane from it. Every later threshold is expressed in units
// of this noise model. Takes one input, produces one output
type OpNoise struct {
	OpUnaryBase
}

func init() { SetOperatorFactory(func() Operator { return NewOpNoiseDefault() }) } // register the operator for JSON decoding

func NewOpNoiseDefault() *OpNoise { return NewOpNoise() }

func NewOpNoise() *OpNoise {
	op:=OpNoise{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "noise", Active: true}},
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpNoise) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	sigma:=stats.EstimateNoise(e.Image, e.Width)
	if !(sigma>0) || math.IsInf(float64(sigma), 0) {
		return nil, fmt.Errorf("%d: pixel noise estimate %f, cannot build a noise model", e.ID, sigma)
	}
	variance:=sigma*sigma
	for i:=range e.Variance { e.Variance[i]=variance }
	fmt.Fprintf(c.Log, "%d: Estimated pixel noise sigma %.3f\n", e.ID, sigma)
	return r, nil
}

// Interpolates over known bad detector regions. Takes one input, produces one output
type OpDefects struct {
	OpUnaryBase
	FileName string          `json:"fileName"`
	Defects  []defect.Defect `json:"-"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpDefectsDefault() }) } // register the operator for JSON decoding

func NewOpDefectsDefault() *OpDefects { return NewOpDefects("") }

func NewOpDefects(fileName string) *OpDefects {
	op:=OpDefects{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "defects", Active: true}},
		FileName:    fileName,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

// Loads the defect list up front so a bad file fails before any pixel work.
func (op *OpDefects) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if op.FileName!="" && op.Defects==nil {
		if op.Defects, err=defect.ReadListFile(op.FileName); err!=nil { return nil, err }
		fmt.Fprintf(c.Log, "Loaded %d defects from %s\n", len(op.Defects), op.FileName)
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpDefects) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active || len(op.Defects)==0 { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	unrepaired, err:=defect.InterpolateOver(e, r.PsfModel(), op.Defects)
	if err!=nil { return nil, fmt.Errorf("%d: interpolating over defects: %w", e.ID, err) }
	fmt.Fprintf(c.Log, "%d: Interpolated over %d defects, %d pixels unrepairable\n",
		e.ID, len(op.Defects), unrepaired)
	return r, nil
}

// Estimates and subtracts the sky background. Takes one input, produces one output
type OpBackground struct {
	OpUnaryBase
	CellSize int32   `json:"cellSize"`
	Sigma    float32 `json:"sigma"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpBackgroundDefault() }) } // register the operator for JSON decoding

func NewOpBackgroundDefault() *OpBackground { return NewOpBackground(256, 3.0) }

func NewOpBackground(cellSize int32, sigma float32) *OpBackground {
	op:=OpBackground{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "background", Active: true}},
		CellSize:    cellSize,
		Sigma:       sigma,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpBackground) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	exclude:=buf.MaskBad|buf.MaskSaturated|buf.MaskDetected
	model:=back.NewModel(e, op.CellSize, op.Sigma, exclude)
	if err:=model.SubtractFrom(e); err!=nil {
		return nil, fmt.Errorf("%d: subtracting background: %w", e.ID, err)
	}
	r.Background=model
	fmt.Fprintf(c.Log, "%d: Subtracted %dx%d cell background, %d outlier cells, center level %.2f\n",
		e.ID, model.CellsX, model.CellsY, model.OutlierCells, model.At(e.Width/2, e.Height/2))
	return r, nil
}

// Rejects and repairs cosmic ray hits. Takes one input, produces one output
type OpCosmic struct {
	OpUnaryBase
	cosmic.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpCosmicDefault() }) } // register the operator for JSON decoding

func NewOpCosmicDefault() *OpCosmic { return NewOpCosmic(cosmic.DefaultConfig()) }

func NewOpCosmic(cfg cosmic.Config) *OpCosmic {
	op:=OpCosmic{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "cosmic", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpCosmic) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }

	// background is already subtracted at this point
	_, err:=cosmic.RemoveOutliers(r.Exposure, r.PsfModel(), 0, op.Config, c.Log)
	if err!=nil { return nil, fmt.Errorf("%d: rejecting outliers: %w", r.Exposure.ID, err) }
	return r, nil
}

// Detects footprints of above-threshold sources on the PSF-convolved
// image. Takes one input, produces one output
type OpDetect struct {
	OpUnaryBase
	detect.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpDetectDefault() }) } // register the operator for JSON decoding

func NewOpDetectDefault() *OpDetect { return NewOpDetect(detect.DefaultConfig()) }

func NewOpDetect(cfg detect.Config) *OpDetect {
	op:=OpDetect{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "detect", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpDetect) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	k:=r.PsfModel().EvalKernel(float32(e.Width)/2, float32(e.Height)/2)
	// sources bordering the searched interior have kernel support running
	// off the image; mark the band so measurement can flag them
	e.MarkEdges(k.HalfWidth()+1)
	conv:=make([]float32, len(e.Image))
	if err:=psf.Convolve(conv, e.Image, e.Width, k); err!=nil {
		return nil, fmt.Errorf("%d: convolving for detection: %w", e.ID, err)
	}

	// matched filtering shrinks the per-pixel noise by this factor
	noiseShrink:=float32(math.Sqrt(float64(k.SumSquares())))
	thresholdAt:=func(i int32) float32 {
		return op.Threshold*float32(math.Sqrt(float64(e.Variance[i])))*noiseShrink
	}

	// keep mask state from any earlier detection run; the new run starts
	// from a clean detected plane and merges the old one back afterwards
	saved:=make([]buf.Mask, len(e.Mask))
	for i, m:=range e.Mask { saved[i]=m&buf.MaskDetected }
	e.ClearMaskBits(buf.MaskDetected)

	footprints:=detect.FindFootprints(conv, e.Width, thresholdAt, e.Interior(k.HalfWidth()), op.Connectivity)
	for i, fp:=range footprints {
		if op.GrowRadius>0 {
			footprints[i]=fp.Grow(op.GrowRadius, op.Isotropic, e.Bounds())
		}
		footprints[i].SetMask(e, buf.MaskDetected)
	}
	for i, m:=range saved { e.Mask[i]|=m }

	r.Footprints=footprints
	fmt.Fprintf(c.Log, "%d: Detected %d footprints above %.1f sigma\n", e.ID, len(footprints), op.Threshold)
	return r, nil
}

// Measures every detected footprint. Takes one input, produces one output
type OpMeasure struct {
	OpUnaryBase
	measure.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpMeasureDefault() }) } // register the operator for JSON decoding

func NewOpMeasureDefault() *OpMeasure { return NewOpMeasure(measure.DefaultConfig()) }

func NewOpMeasure(cfg measure.Config) *OpMeasure {
	op:=OpMeasure{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "measure", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpMeasure) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	sources, err:=measure.MeasureAll(e, r.PsfModel(), r.Footprints, op.Config, int32(c.MaxThreads))
	if err!=nil { return nil, fmt.Errorf("%d: measuring sources: %w", e.ID, err) }
	r.Sources=sources
	fmt.Fprintf(c.Log, "%d: Measured %d sources\n", e.ID, len(sources))
	return r, nil
}

// Fits the PSF from the measured sources. Takes one input, produces one output
type OpPsfFit struct {
	OpUnaryBase
	SelectorName   string                    `json:"selector"`
	Selector       psfest.SelectorConfig     `json:"selectorConfig"`
	DeterminerName string                    `json:"determiner"`
	Determiner     psfest.DeterminerConfig   `json:"determinerConfig"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpPsfFitDefault() }) } // register the operator for JSON decoding

func NewOpPsfFitDefault() *OpPsfFit {
	return NewOpPsfFit("secondMoment", psfest.DefaultSelectorConfig(), "pca", psfest.DefaultDeterminerConfig())
}

func NewOpPsfFit(selName string, selCfg psfest.SelectorConfig, detName string, detCfg psfest.DeterminerConfig) *OpPsfFit {
	op:=OpPsfFit{
		OpUnaryBase:    OpUnaryBase{OpBase: OpBase{Type: "psfFit", Active: true}},
		SelectorName:   selName,
		Selector:       selCfg,
		DeterminerName: detName,
		Determiner:     detCfg,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

// Resolves the selector and determiner names so a bad configuration
// fails before any pixel work.
func (op *OpPsfFit) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if _, err=psfest.NewStarSelector(op.SelectorName, op.Selector); err!=nil { return nil, err }
	if _, err=psfest.NewDeterminer(op.DeterminerName, op.Determiner); err!=nil { return nil, err }
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpPsfFit) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }

	if r.Estimator==nil {
		sel, err:=psfest.NewStarSelector(op.SelectorName, op.Selector)
		if err!=nil { return nil, err }
		det, err:=psfest.NewDeterminer(op.DeterminerName, op.Determiner)
		if err!=nil { return nil, err }
		r.Estimator=psfest.NewEstimator(sel, det)
	}
	r.Estimator.Fit(r.Exposure, r.Sources, c.Log)
	r.PsfStars=r.Estimator.Stars()
	return r, nil
}

// Fits and applies the aperture correction from the PSF stars. Takes one
// input, produces one output
type OpApCorr struct {
	OpUnaryBase
	apcorr.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpApCorrDefault() }) } // register the operator for JSON decoding

func NewOpApCorrDefault() *OpApCorr { return NewOpApCorr(apcorr.DefaultConfig()) }

func NewOpApCorr(cfg apcorr.Config) *OpApCorr {
	op:=OpApCorr{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "apCorr", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpApCorr) Apply(r *Result, c *Context) (*Result, error) {
	if !op.Active { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	corr, err:=apcorr.Fit(e, r.Sources, r.PsfStars, op.Config, c.Log)
	if err!=nil {
		// sources keep their uncorrected photometry, flagged as such
		fmt.Fprintf(c.Log, "%d: no aperture correction: %s\n", e.ID, err)
		for i:=range r.Sources { r.Sources[i].Flags|=measure.FlagBadApCorr }
		return r, nil
	}
	apcorr.Apply(r.Sources, corr)
	r.ApCorr=corr
	return r, nil
}
