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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/starfield/reduce/internal/fitsio"
	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/render"
	"github.com/starfield/reduce/internal/stats"
)

// A general reduction operator: takes n promises as inputs,
// and produces m promises as output or an error
type Operator interface {
	GetType() string
	IsActive() bool
	MakePromises(ins []Promise, c *Context) (outs []Promise, err error)
}

// Base type for operators, including type information for JSON serializing/deserializing
type OpBase struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

func (op *OpBase) GetType() string { return op.Type }
func (op *OpBase) IsActive() bool  { return op.Active }

// Factory method for operators, for JSON serializing/deserializing
type OperatorFactory func() Operator

var operatorFactories=map[string]OperatorFactory{}

func GetOperatorFactory(t string) OperatorFactory {
	return operatorFactories[t]
}

// Registers a type string for an operator, identified via an exemplar generator
func SetOperatorFactory(f OperatorFactory) {
	op:=f()
	t:=op.GetType()
	if GetOperatorFactory(t)!=nil { panic(fmt.Sprintf("error: re-registering operator key %s\n", t)) }
	operatorFactories[t]=f
}

// A unary reduction operator: given n promises as inputs, applies itself
// to each of them individually and returns n output promises or an error
type OperatorUnary interface {
	Operator
	Apply(r *Result, c *Context) (rOut *Result, err error)
}

// Abstract base type for unary operators
type OpUnaryBase struct {
	OpBase
	Apply func(r *Result, c *Context) (rOut *Result, err error) `json:"-"`
}

func (op *OpUnaryBase) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)==0 { return nil, fmt.Errorf("unary operator with %d inputs", len(ins)) }
	outs=make([]Promise, len(ins))
	for i, in:=range ins {
		outs[i]=op.MakePromise(in, c)
	}
	return outs, nil
}

func (op *OpUnaryBase) MakePromise(in Promise, c *Context) (out Promise) {
	return func() (r *Result, err error) {
		if r, err=in();           err!=nil { return nil, err } // materialize input promise
		if r, err=op.Apply(r, c); err!=nil { return nil, err } // apply unary operator
		return r, nil                                          // wrap output in promise
	}
}

// Load a single FITS exposure from a single filename. Takes zero inputs, produces one output
type OpLoad struct {
	OpBase
	ID       int32  `json:"id"`
	FileName string `json:"fileName"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadDefault() }) } // register the operator for JSON decoding

func NewOpLoadDefault() *OpLoad { return NewOpLoad(0, "") }

func NewOpLoad(id int32, fileName string) *OpLoad {
	return &OpLoad{
		OpBase:   OpBase{Type: "load", Active: true},
		ID:       id,
		FileName: fileName,
	}
}

func (op *OpLoad) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)>0 { return nil, fmt.Errorf("%s operator with non-zero input", op.Type) }
	if !isPathAllowed(op.FileName) { return nil, errors.New("filename outside current directory tree, aborting") }

	out:=func() (r *Result, err error) {
		return op.Apply(nil, c)
	}
	return []Promise{out}, nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func isPathAllowed(p string) bool {
	if filepath.IsAbs(p) { return false }
	if strings.Contains(p, "..") { return false }
	return true
}

func (op *OpLoad) Apply(r *Result, c *Context) (result *Result, err error) {
	e, err:=fitsio.ReadFile(op.FileName, op.ID, c.Log)
	if err!=nil { return nil, err }

	s:=stats.CalcBasic(e.Image)
	warning:=""
	if s.Max-s.Min<1e-8 { warning="; WARNING low dynamic range" }
	fmt.Fprintf(c.Log, "%d: Loaded %s exposure with %v from %s%s\n",
		e.ID, e.DimensionsToString(), s, e.FileName, warning)
	return &Result{Exposure: e}, nil
}

// Load many FITS exposures from a slice of filename patterns with wildcards.
// Takes zero inputs, produces n outputs
type OpLoadMany struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadManyDefault() }) } // register the operator for JSON decoding

func NewOpLoadManyDefault() *OpLoadMany { return NewOpLoadMany(nil) }

func NewOpLoadMany(filePatterns []string) *OpLoadMany {
	return &OpLoadMany{
		OpBase:       OpBase{Type: "loadMany", Active: true},
		FilePatterns: filePatterns,
	}
}

// Turn filename wildcards into list of file load operators
func (op *OpLoadMany) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)>0 { return nil, fmt.Errorf("%s operator with non-zero input", op.Type) }
	for _, pattern:=range op.FilePatterns {
		matches, err:=filepath.Glob(pattern)
		if err!=nil { return nil, err }
		for _, match:=range matches {
			if !isPathAllowed(match) {
				fmt.Fprintf(c.Log, "Pattern match outside current directory tree, skipping\n")
				continue
			}
			opLoad:=NewOpLoad(int32(len(outs)), match)
			promises, err:=opLoad.MakePromises(nil, c)
			if err!=nil { return nil, err }
			if len(promises)!=1 { return nil, fmt.Errorf("%s operator did not return exactly one promise", opLoad.Type) }
			outs=append(outs, promises[0])
		}
	}
	if len(outs)==0 {
		return nil, fmt.Errorf("%s operator with no files to load from pattern %v", op.Type, op.FilePatterns)
	}
	fmt.Fprintf(c.Log, "Found %d files.\n", len(outs))
	return outs, nil
}

// Saves given promise under a given filename, with pattern expansion for
// %d based on the exposure id. FITS suffixes write the image plane,
// .var.fits the variance plane, .mask.fits the mask plane, .tif/.tiff
// write 16-bit TIFF, .png writes a mask overlay, and .txt writes the
// measured source list.
// Takes one input, produces one output (the materialized but unchanged input)
type OpSave struct {
	OpUnaryBase
	FilePattern string `json:"filePattern"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("") }

func NewOpSave(filenamePattern string) *OpSave {
	op:=OpSave{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "save", Active: filenamePattern!=""}},
		FilePattern: filenamePattern,
	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op
}

const overlaySamples = 65536 // bounds robust scaling cost on full frames

func (op *OpSave) Apply(r *Result, c *Context) (result *Result, err error) {
	if !op.Active || op.FilePattern=="" { return r, nil }
	if r.Exposure==nil { return nil, errNoExposure }
	e:=r.Exposure

	fileName:=op.FilePattern
	if strings.ContainsRune(fileName, '%') {
		fileName=fmt.Sprintf(op.FilePattern, e.ID)
	}
	fnLower:=strings.ToLower(fileName)

	switch {
	case strings.HasSuffix(fnLower, ".var.fits"):
		fmt.Fprintf(c.Log, "%d: Writing %s variance FITS to %s\n", e.ID, e.DimensionsToString(), fileName)
		err=fitsio.WriteVarianceFile(e, fileName)
	case strings.HasSuffix(fnLower, ".mask.fits"):
		fmt.Fprintf(c.Log, "%d: Writing %s mask FITS to %s\n", e.ID, e.DimensionsToString(), fileName)
		err=fitsio.WriteMaskFile(e, fileName)
	case strings.HasSuffix(fnLower, ".fits") || strings.HasSuffix(fnLower, ".fit") || strings.HasSuffix(fnLower, ".fts"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel FITS to %s\n", e.ID, e.DimensionsToString(), fileName)
		err=fitsio.WriteFile(e, fileName)
	case strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff"):
		s:=stats.CalcBasic(e.Image)
		fmt.Fprintf(c.Log, "%d: Writing %s pixel mono TIFF to %s\n", e.ID, e.DimensionsToString(), fileName)
		err=render.WriteMonoTIFF16ToFile(e, fileName, s.Min, s.Max, 1.0)
	case strings.HasSuffix(fnLower, ".png"):
		location, scale:=stats.SampledMedianMAD(e.Image, overlaySamples)
		fmt.Fprintf(c.Log, "%d: Writing %s pixel mask overlay PNG to %s\n", e.ID, e.DimensionsToString(), fileName)
		err=render.WriteMaskOverlayToFile(e, fileName, location-scale, location+10*scale)
	case strings.HasSuffix(fnLower, ".txt"):
		fmt.Fprintf(c.Log, "%d: Writing %d sources to %s\n", e.ID, len(r.Sources), fileName)
		err=writeSourceFile(fileName, r.Sources)
	default:
		err=errors.New("unknown suffix")
	}
	if err!=nil { return nil, fmt.Errorf("%d: error writing to file %s: %s", e.ID, fileName, err.Error()) }
	return r, nil
}

func writeSourceFile(fileName string, sources []measure.Source) error {
	f, err:=os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err!=nil { return err }
	defer f.Close()
	return measure.WriteSources(f, sources)
}

// Applies a sequence of operators to a promise. Number of inputs, outputs as per the chained steps
type OpSequence struct {
	OpBase
	Steps    []Operator        `json:"-"`     // the actual steps
	StepsRaw []json.RawMessage `json:"steps"` // helper for unmarshaling
}

func init() { SetOperatorFactory(func() Operator { return NewOpSequenceDefault() }) } // register the operator for JSON decoding

func NewOpSequenceDefault() *OpSequence { return NewOpSequence() }

func NewOpSequence(steps ...Operator) *OpSequence {
	return &OpSequence{
		OpBase: OpBase{Type: "seq", Active: len(steps)>0},
		Steps:  steps,
	}
}

// Unmarshals a sequence of polymorphic operators from JSON via the
// temporary op.StepsRaw
func (op *OpSequence) UnmarshalJSON(b []byte) error {
	type alias OpSequence
	err:=json.Unmarshal(b, (*alias)(op))
	if err!=nil { return err }

	for _, raw:=range op.StepsRaw {
		var step OpBase
		err=json.Unmarshal(raw, &step)
		if err!=nil { return err }

		factory:=GetOperatorFactory(step.Type)
		if factory==nil {
			return fmt.Errorf("unknown operator type '%s' in raw JSON message '%s'", step.Type, string(raw))
		}
		i:=factory()
		err=json.Unmarshal(raw, i)
		if err!=nil { return err }
		op.Steps=append(op.Steps, i)
	}
	return nil
}

// Appends one or more operators to the existing sequence
func (op *OpSequence) Append(steps ...Operator) {
	op.Steps=append(op.Steps, steps...)
}

// Marshals a sequence with polymorphic operators to JSON.
// Uses the actual op.Steps with label "steps", and ignores op.StepsRaw
func (op *OpSequence) MarshalJSON() (bs []byte, err error) {
	buf:=bytes.Buffer{}
	buf.WriteString("{\"type\":")
	inner, err:=json.Marshal(op.Type)
	if err!=nil { return nil, err }
	buf.Write(inner)
	fmt.Fprintf(&buf, ", \"active\":%v, \"steps\":", op.Active)
	inner, err=json.Marshal(op.Steps)
	if err!=nil { return nil, err }
	buf.Write(inner)
	buf.WriteRune('}')
	return buf.Bytes(), nil
}

func (op *OpSequence) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	return op.applyRecursive(op.Steps, ins, c)
}

func (op *OpSequence) applyRecursive(steps []Operator, ins []Promise, c *Context) (outs []Promise, err error) {
	if len(steps)==0 { return ins, nil }
	ins, err=steps[0].MakePromises(ins, c)
	if err!=nil { return nil, err }
	return op.applyRecursive(steps[1:], ins, c)
}
