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

	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/stats"
)

// Picks PSF candidate stars out of a measured source list. Selectors
// return indices into the input slice, never copies.
type StarSelector interface {
	Select(sources []measure.Source) ([]int, error)
	String() string
}

// Flags that disqualify a source from PSF candidacy outright.
const badCandidateFlags = measure.FlagEdge | measure.FlagSaturated |
	measure.FlagInterpCenter | measure.FlagCR | measure.FlagBadCentroid |
	measure.FlagBadShape | measure.FlagBadPsfFlux

// Selects stars by finding the stellar locus as the peak of the 2D
// histogram of second moments (Ixx, Iyy). Stars of one exposure share a
// PSF and pile up in a single bin; galaxies and blends scatter.
type SecondMomentSelector struct {
	Config SelectorConfig
}

type SelectorConfig struct {
	MinFlux      float32 `json:"minFlux" yaml:"minFlux"`           // minimum PSF flux for candidates
	MomentMax    float32 `json:"momentMax" yaml:"momentMax"`       // histogram upper bound for Ixx and Iyy
	MomentBins   int32   `json:"momentBins" yaml:"momentBins"`     // histogram bins per axis
	MomentClip   float32 `json:"momentClip" yaml:"momentClip"`     // accepted fractional distance from the peak
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{MinFlux: 50, MomentMax: 25, MomentBins: 64, MomentClip: 0.35}
}

func (c *SelectorConfig) Validate() error {
	if c.MomentBins<4 { return errors.New("moment histogram needs at least 4 bins per axis") }
	if c.MomentMax<=0 { return errors.New("moment histogram upper bound must be positive") }
	if c.MomentClip<=0 { return errors.New("moment clip fraction must be positive") }
	return nil
}

func NewSecondMomentSelector(c SelectorConfig) (*SecondMomentSelector, error) {
	if err:=c.Validate(); err!=nil { return nil, err }
	return &SecondMomentSelector{Config: c}, nil
}

func (sel *SecondMomentSelector) String() string { return "secondMoment" }

func (sel *SecondMomentSelector) Select(sources []measure.Source) ([]int, error) {
	c:=&sel.Config
	hist:=stats.NewHistogram2D(c.MomentBins, c.MomentBins, c.MomentMax, c.MomentMax)
	numUsable:=0
	for i:=range sources {
		s:=&sources[i]
		if s.HasFlags(badCandidateFlags) || s.PsfFlux<c.MinFlux { continue }
		hist.Insert(s.Ixx, s.Iyy)
		numUsable++
	}
	if numUsable==0 { return nil, errors.New("no usable sources for star selection") }

	peakIxx, peakIyy:=hist.RefinePeak()
	if peakIxx<=0 || peakIyy<=0 {
		return nil, fmt.Errorf("star selection found degenerate moment peak (%.3f, %.3f)", peakIxx, peakIyy)
	}

	var selected []int
	for i:=range sources {
		s:=&sources[i]
		if s.HasFlags(badCandidateFlags) || s.PsfFlux<c.MinFlux { continue }
		dxx:=(s.Ixx-peakIxx)/peakIxx
		dyy:=(s.Iyy-peakIyy)/peakIyy
		if dxx*dxx+dyy*dyy<=c.MomentClip*c.MomentClip {
			selected=append(selected, i)
		}
	}
	if len(selected)==0 {
		return nil, fmt.Errorf("no sources within %.0f%% of moment peak (%.3f, %.3f)", c.MomentClip*100, peakIxx, peakIyy)
	}
	return selected, nil
}

// Selector registry keyed by name, resolved at the configuration
// boundary so policies can name their selector.
var starSelectors=map[string]func(SelectorConfig) (StarSelector, error){
	"secondMoment": func(c SelectorConfig) (StarSelector, error) { return NewSecondMomentSelector(c) },
}

func NewStarSelector(name string, c SelectorConfig) (StarSelector, error) {
	factory, ok:=starSelectors[name]
	if !ok { return nil, fmt.Errorf("unknown star selector %q", name) }
	return factory(c)
}
