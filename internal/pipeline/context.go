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


// Package pipeline chains the reduction stages into operator sequences
// over promises of exposures, from file load through source output.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/pbnjay/memory"

	"github.com/starfield/reduce/internal/apcorr"
	"github.com/starfield/reduce/internal/back"
	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/detect"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/psf"
	"github.com/starfield/reduce/internal/psfest"
)

// An execution context for operators
type Context struct {
	Log        io.Writer
	MemoryMB   int
	MaxThreads int `json:"maxThreads"`
}

func NewContext(log io.Writer) *Context {
	return &Context{
		Log:        log,
		MemoryMB:   int(memory.TotalMemory()/1024/1024),
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}

// The state of one exposure as it moves through the reduction: the
// pixel data, and everything derived from it so far.
type Result struct {
	Exposure   *buf.Exposure
	Background *back.Model
	Footprints []*detect.Footprint
	Sources    []measure.Source
	Estimator  *psfest.Estimator
	PsfStars   []int // indices into Sources selected as PSF stars
	ApCorr     *apcorr.Correction
}

// Returns the best PSF model known for this exposure so far, falling
// back to the analytic initial guess. Never returns nil.
func (r *Result) PsfModel() psf.Model {
	if r.Estimator!=nil { return r.Estimator.Model() }
	return psf.NewInitialGuess()
}

// A promise for a reduction result. Returns a materialized result, or an error
type Promise func() (r *Result, err error)

// Materializes all promises with given concurrency limit
func MaterializeAll(ins []Promise, maxThreads int, forget bool) (outs []*Result, err error) {
	if len(ins)==0 { return nil, nil }
	if !forget {
		outs=make([]*Result, len(ins))
	}
	limiter:=make(chan bool, maxThreads)
	errs   :=make(chan error, len(ins))
	for i, in:=range ins {
		limiter <- true
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			r, err:=theIn() // materialize the promise
			if err!=nil {
				errs <- err
				return
			}
			if !forget { outs[i]=r }
			errs <- nil
		}(i, in)
	}
	for i:=0; i<cap(limiter); i++ { limiter <- true } // wait for goroutines to finish
	for i:=0; i<len(ins); i++ {                       // collect errors
		if e:=<-errs; e!=nil {
			if err==nil {
				err=e
			} else {
				err=fmt.Errorf("%s; %s", err.Error(), e.Error())
			}
		}
	}
	return removeNils(outs), err
}

// Remove nils from an array of results, editing the underlying array in place
func removeNils(rs []*Result) []*Result {
	o:=0
	for i:=0; i<len(rs); i++ {
		if rs[i]!=nil {
			rs[o]=rs[i]
			o++
		}
	}
	for i:=o; i<len(rs); i++ { rs[i]=nil }
	return rs[:o]
}

var errNoExposure=errors.New("operator input has no exposure")
