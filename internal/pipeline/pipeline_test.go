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
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/fitsio"
	"github.com/starfield/reduce/internal/measure"
)


func testContext() *Context {
	return &Context{Log: io.Discard, MemoryMB: 1024, MaxThreads: 2}
}

func starResult(cx, cy, amp, sigma float32) *Result {
	e:=buf.NewExposure(64, 64)
	for i:=range e.Variance { e.Variance[i]=1 }
	for y:=int32(0); y<e.Height; y++ {
		for x:=int32(0); x<e.Width; x++ {
			dx, dy:=float32(x)-cx, float32(y)-cy
			e.Image[e.Index(x, y)]+=amp*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy)/(sigma*sigma))))
		}
	}
	return &Result{Exposure: e}
}

func TestPolicyDefaultsValidate(t *testing.T) {
	if err:=NewDefaultPolicy().Validate(); err!=nil {
		t.Errorf("default policy invalid: %v", err)
	}
}

func TestPolicyValidateErrors(t *testing.T) {
	type testCase struct {
		name   string
		mangle func(p *Policy)
	}
	tcs:=[]testCase{
		{"cellSize",   func(p *Policy) { p.Background.CellSize=0 }},
		{"backSigma",  func(p *Policy) { p.Background.Sigma=0 }},
		{"crSigma",    func(p *Policy) { p.Cosmic.NSigma=0 }},
		{"threshold",  func(p *Policy) { p.Detect.Threshold=-1 }},
		{"apRadius",   func(p *Policy) { p.Measure.ApRadius=0 }},
		{"selector",   func(p *Policy) { p.Psf.Selector="bogus" }},
		{"determiner", func(p *Policy) { p.Psf.Determiner="bogus" }},
		{"apCorr",     func(p *Policy) { p.ApCorr.WideRadius=0 }},
	}
	for _,tc:=range tcs {
		p:=NewDefaultPolicy()
		tc.mangle(p)
		if err:=p.Validate(); err==nil {
			t.Errorf("%s: invalid policy accepted; want error", tc.name)
		}
	}
}

func TestPolicyLoadFileMergesDefaults(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "policy.yaml")
	content:="background:\n  cellSize: 128\ndetect:\n  threshold: 4\nredetect: true\n"
	if err:=os.WriteFile(fileName, []byte(content), 0644); err!=nil {
		t.Fatalf("writing policy: %v", err)
	}
	p, err:=LoadPolicyFile(fileName)
	if err!=nil { t.Fatalf("load: %v", err) }
	if p.Background.CellSize!=128 {
		t.Errorf("cellSize=%d; want 128 from the file", p.Background.CellSize)
	}
	if p.Background.Sigma!=3.0 {
		t.Errorf("sigma=%f; want the 3.0 default", p.Background.Sigma)
	}
	if p.Detect.Threshold!=4 {
		t.Errorf("threshold=%f; want 4 from the file", p.Detect.Threshold)
	}
	if !p.Redetect {
		t.Errorf("redetect not set from the file")
	}
	if p.Psf.Selector!="secondMoment" {
		t.Errorf("selector=%q; want the secondMoment default", p.Psf.Selector)
	}
}

func TestNewSequence(t *testing.T) {
	p:=NewDefaultPolicy()
	if _, err:=p.NewSequence(); err==nil {
		t.Errorf("sequence without input patterns accepted; want error")
	}
	p.Input=[]string{"*.fits"}
	seq, err:=p.NewSequence()
	if err!=nil { t.Fatalf("sequence: %v", err) }
	base:=len(seq.Steps)

	p.Redetect=true
	seq, err=p.NewSequence()
	if err!=nil { t.Fatalf("sequence with redetect: %v", err) }
	if len(seq.Steps)!=base+2 {
		t.Errorf("redetect sequence has %d steps; want %d", len(seq.Steps), base+2)
	}
}

func TestOpSequenceJSONRoundTrip(t *testing.T) {
	seq:=NewOpSequence(NewOpBackgroundDefault(), NewOpDetectDefault(), NewOpMeasureDefault())
	b, err:=json.Marshal(seq)
	if err!=nil { t.Fatalf("marshal: %v", err) }

	res:=NewOpSequenceDefault()
	if err:=json.Unmarshal(b, res); err!=nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Steps)!=3 {
		t.Fatalf("round trip has %d steps; want 3", len(res.Steps))
	}
	expect:=[]string{"background", "detect", "measure"}
	for i,step:=range res.Steps {
		if step.GetType()!=expect[i] {
			t.Errorf("step %d type %q; want %q", i, step.GetType(), expect[i])
		}
	}
	det, ok:=res.Steps[1].(*OpDetect)
	if !ok { t.Fatalf("step 1 is %T; want *OpDetect", res.Steps[1]) }
	if det.Threshold!=NewOpDetectDefault().Threshold {
		t.Errorf("threshold=%f; want the default after round trip", det.Threshold)
	}
}

func TestOpSequenceRejectsUnknownType(t *testing.T) {
	res:=NewOpSequenceDefault()
	if err:=json.Unmarshal([]byte(`{"type":"seq","active":true,"steps":[{"type":"warpDrive"}]}`), res); err==nil {
		t.Errorf("unknown operator type accepted; want error")
	}
}

func TestOpBackgroundApply(t *testing.T) {
	e:=buf.NewExposure(64, 64)
	for i:=range e.Image {
		e.Image[i]=100
		e.Variance[i]=1
	}
	r, err:=NewOpBackground(32, 3.0).Apply(&Result{Exposure: e}, testContext())
	if err!=nil { t.Fatalf("background: %v", err) }
	if r.Background==nil {
		t.Fatalf("no background model on result")
	}
	for i:=range e.Image {
		if math.Abs(float64(e.Image[i]))>0.01 {
			t.Fatalf("pixel %d=%f after subtraction; want 0", i, e.Image[i])
		}
	}
}

func TestOpDetectMeasure(t *testing.T) {
	c:=testContext()
	r:=starResult(30, 30, 1000, 2)
	r, err:=NewOpDetectDefault().Apply(r, c)
	if err!=nil { t.Fatalf("detect: %v", err) }
	if len(r.Footprints)!=1 {
		t.Fatalf("detected %d footprints; want 1", len(r.Footprints))
	}
	if !r.Footprints[0].Contains(30, 30) {
		t.Errorf("footprint %s misses the star", r.Footprints[0])
	}
	if r.Exposure.CountMask(buf.MaskDetected)==0 {
		t.Errorf("no pixels carry the detected bit")
	}

	r, err=NewOpMeasureDefault().Apply(r, c)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if len(r.Sources)!=1 {
		t.Fatalf("measured %d sources; want 1", len(r.Sources))
	}
	s:=&r.Sources[0]
	if math.Abs(float64(s.X-30))>0.2 || math.Abs(float64(s.Y-30))>0.2 {
		t.Errorf("centroid (%f,%f); want (30,30) within 0.2", s.X, s.Y)
	}
}

func TestOpDetectKeepsEarlierMask(t *testing.T) {
	c:=testContext()
	r:=starResult(30, 30, 1000, 2)
	// a detected bit from an earlier pass, away from the star
	r.Exposure.Mask[r.Exposure.Index(5, 5)]|=buf.MaskDetected
	r, err:=NewOpDetectDefault().Apply(r, c)
	if err!=nil { t.Fatalf("detect: %v", err) }
	if r.Exposure.Mask[r.Exposure.Index(5, 5)]&buf.MaskDetected==0 {
		t.Errorf("earlier detected bit lost on re-detection")
	}
}

func TestOpsRequireExposure(t *testing.T) {
	c:=testContext()
	if _, err:=NewOpDetectDefault().Apply(&Result{}, c); err==nil {
		t.Errorf("detect without exposure accepted; want error")
	}
	if _, err:=NewOpMeasureDefault().Apply(&Result{}, c); err==nil {
		t.Errorf("measure without exposure accepted; want error")
	}
	if _, err:=NewOpBackgroundDefault().Apply(&Result{}, c); err==nil {
		t.Errorf("background without exposure accepted; want error")
	}
}

func TestResultPsfModel(t *testing.T) {
	r:=&Result{}
	m:=r.PsfModel()
	if m==nil { t.Fatalf("psf model is nil without estimator") }
	if m.Sigma()<=0 {
		t.Errorf("fallback model sigma=%f; want positive", m.Sigma())
	}
}

func TestMaterializeAll(t *testing.T) {
	mk:=func(id int) Promise {
		return func() (*Result, error) {
			e:=buf.NewExposure(4, 4)
			e.ID=id
			return &Result{Exposure: e}, nil
		}
	}
	outs, err:=MaterializeAll([]Promise{mk(0), mk(1), mk(2)}, 2, false)
	if err!=nil { t.Fatalf("materialize: %v", err) }
	if len(outs)!=3 {
		t.Fatalf("materialized %d results; want 3", len(outs))
	}
	for i,r:=range outs {
		if r.Exposure.ID!=i {
			t.Errorf("result %d has exposure id %d; want order preserved", i, r.Exposure.ID)
		}
	}
}

func TestMaterializeAllCollectsErrors(t *testing.T) {
	good:=Promise(func() (*Result, error) { return &Result{}, nil })
	bad:=Promise(func() (*Result, error) { return nil, errors.New("boom") })
	outs, err:=MaterializeAll([]Promise{good, bad}, 2, false)
	if err==nil {
		t.Fatalf("failing promise produced no error")
	}
	if len(outs)!=1 {
		t.Errorf("materialized %d results; want 1 surviving", len(outs))
	}
}

func TestOpSaveRoundTrip(t *testing.T) {
	dir:=t.TempDir()
	c:=testContext()
	r:=starResult(30, 30, 1000, 2)
	r.Exposure.ID=3

	pattern:=filepath.Join(dir, "reduced%02d.fits")
	if _, err:=NewOpSave(pattern).Apply(r, c); err!=nil {
		t.Fatalf("save: %v", err)
	}
	if _, err:=os.Stat(filepath.Join(dir, "reduced03.fits")); err!=nil {
		t.Errorf("saved file missing: %v", err)
	}

	// inactive save without a pattern passes results through untouched
	if res, err:=NewOpSave("").Apply(r, c); err!=nil || res!=r {
		t.Errorf("empty save pattern: res=%v err=%v; want passthrough", res, err)
	}
}

// Fills the image with gaussian noise of the given sigma around base.
func fillNoise(e *buf.Exposure, rng *fastrand.RNG, base, sigma float32) {
	for i:=range e.Image {
		u1:=(float64(rng.Uint32())+1)/4294967296.0
		u2:=float64(rng.Uint32())/4294967296.0
		n:=math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2)
		e.Image[i]=base+sigma*float32(n)
	}
}

func TestOpNoiseFillsVariance(t *testing.T) {
	rng:=fastrand.RNG{}
	rng.Seed(42)
	e:=buf.NewExposure(64, 64)
	fillNoise(e, &rng, 500, 2)

	r, err:=NewOpNoise().Apply(&Result{Exposure: e}, testContext())
	if err!=nil { t.Fatalf("noise: %v", err) }
	v:=r.Exposure.Variance[0]
	if math.Abs(float64(v-4))>1 {
		t.Errorf("variance=%f; want 4 within 1", v)
	}
	for i:=range r.Exposure.Variance {
		if r.Exposure.Variance[i]!=v {
			t.Fatalf("variance plane not uniform at pixel %d", i)
		}
	}
}

// A featureless frame has no noise to model; the stage must refuse
// rather than hand zero variance to detection, which would then accept
// every pixel of the interior.
func TestOpNoiseRejectsFlatImage(t *testing.T) {
	e:=buf.NewExposure(64, 64)
	for i:=range e.Image { e.Image[i]=100 }
	if _, err:=NewOpNoise().Apply(&Result{Exposure: e}, testContext()); err==nil {
		t.Errorf("flat image accepted; want error")
	}
}

// A source bordering the searched interior must come out flagged as
// edge-truncated, so it never calibrates the PSF or aperture correction.
func TestOpDetectFlagsEdgeSources(t *testing.T) {
	c:=testContext()
	r:=starResult(8, 8, 1000, 2)
	r, err:=NewOpDetectDefault().Apply(r, c)
	if err!=nil { t.Fatalf("detect: %v", err) }
	if r.Exposure.CountMask(buf.MaskEdge)==0 {
		t.Fatalf("no pixels carry the edge bit after detection")
	}
	if len(r.Footprints)!=1 {
		t.Fatalf("detected %d footprints; want 1", len(r.Footprints))
	}

	r, err=NewOpMeasureDefault().Apply(r, c)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if len(r.Sources)!=1 {
		t.Fatalf("measured %d sources; want 1", len(r.Sources))
	}
	if !r.Sources[0].HasFlags(measure.FlagEdge) {
		t.Errorf("border source flags 0x%x missing the edge flag", r.Sources[0].Flags)
	}
}

// Full run from a FITS file on disk: load, noise model, background,
// detection and measurement must cooperate without hand-set planes.
func TestReduceFromFiles(t *testing.T) {
	wd, err:=os.Getwd()
	if err!=nil { t.Fatalf("getwd: %v", err) }
	if err:=os.Chdir(t.TempDir()); err!=nil { t.Fatalf("chdir: %v", err) }
	defer os.Chdir(wd)

	rng:=fastrand.RNG{}
	rng.Seed(7)
	e:=buf.NewExposure(64, 64)
	fillNoise(e, &rng, 100, 3)
	for y:=int32(0); y<e.Height; y++ {
		for x:=int32(0); x<e.Width; x++ {
			dx, dy:=float32(x)-32, float32(y)-32
			e.Image[e.Index(x, y)]+=500*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy)/4)))
		}
	}
	if err:=fitsio.WriteFile(e, "img00.fits"); err!=nil { t.Fatalf("write: %v", err) }

	p:=NewDefaultPolicy()
	p.Input=[]string{"img*.fits"}
	results, err:=Reduce(p, testContext())
	if err!=nil { t.Fatalf("reduce: %v", err) }
	if len(results)!=1 {
		t.Fatalf("reduced %d exposures; want 1", len(results))
	}
	r:=results[0]
	if r.Exposure.Variance[0]<=0 {
		t.Errorf("variance plane not filled: %f", r.Exposure.Variance[0])
	}
	if len(r.Sources)!=1 {
		t.Fatalf("measured %d sources; want the 1 injected star", len(r.Sources))
	}
	s:=&r.Sources[0]
	if math.Abs(float64(s.X-32))>0.5 || math.Abs(float64(s.Y-32))>0.5 {
		t.Errorf("centroid (%f,%f); want (32,32) within 0.5", s.X, s.Y)
	}
}

func TestOpSaveAuxPlanes(t *testing.T) {
	dir:=t.TempDir()
	c:=testContext()
	e:=buf.NewExposure(9, 7)
	e.ID=3
	for i:=range e.Variance { e.Variance[i]=6.25 }
	e.Mask[e.Index(4, 4)]|=buf.MaskCR
	r:=&Result{Exposure: e}

	if _, err:=NewOpSave(filepath.Join(dir, "out%d.var.fits")).Apply(r, c); err!=nil {
		t.Fatalf("save variance: %v", err)
	}
	loaded, err:=fitsio.ReadFile(filepath.Join(dir, "out3.var.fits"), 0, io.Discard)
	if err!=nil { t.Fatalf("read variance: %v", err) }
	if loaded.Image[0]!=6.25 {
		t.Errorf("variance pixel=%f; want 6.25", loaded.Image[0])
	}

	if _, err:=NewOpSave(filepath.Join(dir, "out%d.mask.fits")).Apply(r, c); err!=nil {
		t.Fatalf("save mask: %v", err)
	}
	loaded, err=fitsio.ReadFile(filepath.Join(dir, "out3.mask.fits"), 0, io.Discard)
	if err!=nil { t.Fatalf("read mask: %v", err) }
	if loaded.Image[loaded.Index(4, 4)]!=float32(buf.MaskCR) {
		t.Errorf("mask pixel=%f; want %d", loaded.Image[loaded.Index(4, 4)], buf.MaskCR)
	}
	if loaded.Image[0]!=0 {
		t.Errorf("unmasked pixel=%f; want 0", loaded.Image[0])
	}
}
