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
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/starfield/reduce/internal/apcorr"
	"github.com/starfield/reduce/internal/cosmic"
	"github.com/starfield/reduce/internal/detect"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/psfest"
)

// The complete configuration of a reduction run. All stage settings are
// validated up front; a bad policy never starts pixel work.
type Policy struct {
	Input      []string `yaml:"input"`      // file patterns of exposures to reduce
	DefectFile string   `yaml:"defectFile"` // known bad detector regions, empty skips the stage

	Background struct {
		CellSize int32   `yaml:"cellSize"`
		Sigma    float32 `yaml:"sigma"`
	} `yaml:"background"`

	Cosmic  cosmic.Config  `yaml:"cosmic"`
	Detect  detect.Config  `yaml:"detect"`
	Measure measure.Config `yaml:"measure"`

	Psf struct {
		Selector       string                  `yaml:"selector"`
		SelectorOpts   psfest.SelectorConfig   `yaml:"selectorOpts"`
		Determiner     string                  `yaml:"determiner"`
		DeterminerOpts psfest.DeterminerConfig `yaml:"determinerOpts"`
	} `yaml:"psf"`

	ApCorr   apcorr.Config `yaml:"apCorr"`
	Redetect bool          `yaml:"redetect"` // run detection and measurement again with the fitted PSF

	SaveImage   string `yaml:"saveImage"`   // reduced pixel data, FITS or TIFF, %d expands to the exposure id
	SaveMask    string `yaml:"saveMask"`    // mask overlay PNG or mask-plane FITS, %d expands to the exposure id
	SaveSources string `yaml:"saveSources"` // measured source list, %d expands to the exposure id
}

func NewDefaultPolicy() *Policy {
	p:=&Policy{
		Cosmic:  cosmic.DefaultConfig(),
		Detect:  detect.DefaultConfig(),
		Measure: measure.DefaultConfig(),
		ApCorr:  apcorr.DefaultConfig(),
	}
	p.Background.CellSize=256
	p.Background.Sigma=3.0
	p.Psf.Selector="secondMoment"
	p.Psf.SelectorOpts=psfest.DefaultSelectorConfig()
	p.Psf.Determiner="pca"
	p.Psf.DeterminerOpts=psfest.DefaultDeterminerConfig()
	return p
}

// Reads a policy from a YAML file, applying the file's settings on top
// of the defaults.
func LoadPolicyFile(fileName string) (*Policy, error) {
	data, err:=os.ReadFile(fileName)
	if err!=nil { return nil, err }
	p:=NewDefaultPolicy()
	if err:=yaml.Unmarshal(data, p); err!=nil {
		return nil, fmt.Errorf("parsing policy %s: %w", fileName, err)
	}
	return p, nil
}

func (p *Policy) Validate() error {
	if p.Background.CellSize<1 { return errors.New("background cell size must be at least 1") }
	if p.Background.Sigma<=0 { return errors.New("background clipping sigma must be positive") }
	if p.Cosmic.NSigma<=0 { return errors.New("outlier rejection sigma must be positive") }
	if err:=p.Detect.Validate(); err!=nil { return err }
	if err:=p.Measure.Validate(); err!=nil { return err }
	if err:=p.Psf.SelectorOpts.Validate(); err!=nil { return err }
	if err:=p.Psf.DeterminerOpts.Validate(); err!=nil { return err }
	if err:=p.ApCorr.Validate(); err!=nil { return err }
	if _, err:=psfest.NewStarSelector(p.Psf.Selector, p.Psf.SelectorOpts); err!=nil { return err }
	if _, err:=psfest.NewDeterminer(p.Psf.Determiner, p.Psf.DeterminerOpts); err!=nil { return err }
	return nil
}

// Builds the operator sequence for a full reduction run per the policy.
func (p *Policy) NewSequence() (*OpSequence, error) {
	if err:=p.Validate(); err!=nil { return nil, err }
	if len(p.Input)==0 { return nil, errors.New("no input file patterns given") }

	seq:=NewOpSequence(
		NewOpLoadMany(p.Input),
		NewOpNoise(),
		NewOpDefects(p.DefectFile),
		NewOpBackground(p.Background.CellSize, p.Background.Sigma),
		NewOpCosmic(p.Cosmic),
		NewOpDetect(p.Detect),
		NewOpMeasure(p.Measure),
		NewOpPsfFit(p.Psf.Selector, p.Psf.SelectorOpts, p.Psf.Determiner, p.Psf.DeterminerOpts),
	)
	if p.Redetect {
		// second pass with the fitted PSF; OpDetect merges the first
		// pass's detected plane back into the mask
		seq.Append(NewOpDetect(p.Detect), NewOpMeasure(p.Measure))
	}
	seq.Append(NewOpApCorr(p.ApCorr))
	seq.Append(NewOpSave(p.SaveImage), NewOpSave(p.SaveMask), NewOpSave(p.SaveSources))
	return seq, nil
}

// Runs the full reduction for all exposures the policy names and
// returns their results.
func Reduce(p *Policy, c *Context) ([]*Result, error) {
	seq, err:=p.NewSequence()
	if err!=nil { return nil, err }
	promises, err:=seq.MakePromises(nil, c)
	if err!=nil { return nil, err }
	return MaterializeAll(promises, c.MaxThreads, false)
}
