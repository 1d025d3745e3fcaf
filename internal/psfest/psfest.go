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
	"fmt"
	"io"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/psf"
)

// PSF knowledge progresses monotonically: nothing, then an analytic
// initial guess, then a model fitted to the exposure's own stars. A
// failed fit keeps the prior state instead of regressing.
type State int

const (
	StateNoPsf State = iota
	StateInitialGuess
	StateFitted
)

func (s State) String() string {
	switch s {
	case StateNoPsf:
		return "none"
	case StateInitialGuess:
		return "initialGuess"
	case StateFitted:
		return "fitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Holds the current best PSF model for an exposure and upgrades it as
// better information arrives.
type Estimator struct {
	Selector   StarSelector
	Determiner Determiner

	state State
	model psf.Model
	diag  Diagnostics
	stars []int
}

func NewEstimator(sel StarSelector, det Determiner) *Estimator {
	return &Estimator{Selector: sel, Determiner: det, state: StateNoPsf}
}

func (est *Estimator) State() State             { return est.state }
func (est *Estimator) Diagnostics() Diagnostics { return est.diag }

// Indices of the sources the selector last picked as candidate stars.
func (est *Estimator) Stars() []int { return est.stars }

// Returns the current model, falling back to the analytic initial guess
// when no fit has succeeded yet. Never returns nil.
func (est *Estimator) Model() psf.Model {
	if est.model==nil {
		est.model=psf.NewInitialGuess()
		est.state=StateInitialGuess
	}
	return est.model
}

// Selects candidate stars and fits the PSF. On any failure the estimator
// logs the reason, keeps its prior model and reports no error; the
// pipeline degrades rather than aborts.
func (est *Estimator) Fit(e *buf.Exposure, sources []measure.Source, logWriter io.Writer) {
	candidates, err:=est.Selector.Select(sources)
	if err!=nil {
		fmt.Fprintf(logWriter, "%d: psf fit skipped, %s selector: %s\n", e.ID, est.Selector, err)
		return
	}
	est.stars=candidates
	model, diag, err:=est.Determiner.Determine(e, sources, candidates)
	est.diag=diag
	if err!=nil {
		fmt.Fprintf(logWriter, "%d: psf fit failed with %d/%d stars, keeping %s model: %s\n",
			e.ID, diag.NumGood, diag.NumAvail, est.state, err)
		return
	}
	est.model=model
	est.state=StateFitted
	fmt.Fprintf(logWriter, "%d: psf fitted from %d of %d candidate stars, sigma %.2f\n",
		e.ID, diag.NumGood, diag.NumAvail, model.Sigma())
}
