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
	"io"
	"math"
	"testing"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/measure"
)


// Paints Gaussian stars and returns sources whose PSF flux understates
// the true flux by the given factor, so the correction is known exactly
func calibrationField(factor float32, positions [][2]float32) (*buf.Exposure, []measure.Source, []int) {
	e:=buf.NewExposure(128, 128)
	for i:=range e.Variance { e.Variance[i]=1 }
	sigma:=float32(1.5)
	var sources []measure.Source
	var stars []int
	for id, p:=range positions {
		for y:=int32(0); y<e.Height; y++ {
			for x:=int32(0); x<e.Width; x++ {
				dx, dy:=float32(x)-p[0], float32(y)-p[1]
				e.Image[e.Index(x, y)]+=1000*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy)/(sigma*sigma))))
			}
		}
		total:=1000*2*float32(math.Pi)*sigma*sigma
		sources=append(sources, measure.Source{
			ID:int32(id), X:p[0], Y:p[1], PsfFlux:total/factor,
		})
		stars=append(stars, id)
	}
	return e, sources, stars
}

var calibPositions=[][2]float32{{30, 30}, {90, 30}, {30, 90}, {90, 90}, {60, 60}}

func TestFitConstantCorrection(t *testing.T) {
	factor:=float32(1.12)
	e, sources, stars:=calibrationField(factor, calibPositions)
	corr, err:=Fit(e, sources, stars, DefaultConfig(), io.Discard)
	if err!=nil { t.Fatalf("fit: %v", err) }

	if corr.Order!=0 || len(corr.Coeffs)!=1 {
		t.Fatalf("order=%d terms=%d; want 0 and 1", corr.Order, len(corr.Coeffs))
	}
	// the wide aperture captures nearly the whole flux, so the fitted
	// ratio approaches the injected factor
	if math.Abs(float64(corr.At(64, 64)-factor))>0.02 {
		t.Errorf("correction=%f; want %f within 0.02", corr.At(64, 64), factor)
	}
	if corr.RMS>0.01 {
		t.Errorf("rms=%f; want below 0.01 for identical stars", corr.RMS)
	}
}

func TestFitDropsFlaggedStars(t *testing.T) {
	e, sources, stars:=calibrationField(1.1, calibPositions)
	sources[0].Flags|=measure.FlagSaturated
	sources[1].PsfFlux=-5
	corr, err:=Fit(e, sources, stars, DefaultConfig(), io.Discard)
	if err!=nil { t.Fatalf("fit: %v", err) }
	if math.Abs(float64(corr.At(64, 64)-1.1))>0.02 {
		t.Errorf("correction=%f; want 1.1 within 0.02", corr.At(64, 64))
	}
	if corr.NumAvail!=int32(len(stars)) || corr.NumGood!=int32(len(stars)-2) {
		t.Errorf("star counts %d/%d; want %d/%d", corr.NumGood, corr.NumAvail, len(stars)-2, len(stars))
	}
}

func TestFitUnderConstrained(t *testing.T) {
	e, sources, stars:=calibrationField(1.1, [][2]float32{{30, 30}, {90, 90}})
	cfg:=DefaultConfig()
	cfg.Order=1 // three terms, two stars
	if _, err:=Fit(e, sources, stars, cfg, io.Discard); err==nil {
		t.Errorf("under-constrained fit succeeded; want error")
	}
}

func TestFitRejectsBadConfig(t *testing.T) {
	e, sources, stars:=calibrationField(1.1, calibPositions)
	cfg:=Config{Order:-1, WideRadius:9}
	if _, err:=Fit(e, sources, stars, cfg, io.Discard); err==nil {
		t.Errorf("negative order accepted; want error")
	}
	cfg=Config{Order:0, WideRadius:0}
	if _, err:=Fit(e, sources, stars, cfg, io.Discard); err==nil {
		t.Errorf("zero aperture radius accepted; want error")
	}
}

func TestLinearSurface(t *testing.T) {
	// synthesize a correction varying linearly across the field
	e:=buf.NewExposure(128, 128)
	for i:=range e.Variance { e.Variance[i]=1 }
	// direct surface solve via many artificial stars
	var sources []measure.Source
	var stars []int
	sigma:=float32(1.5)
	positions:=[][2]float32{{20, 20}, {60, 20}, {100, 20}, {20, 60}, {60, 60}, {100, 60}, {20, 100}, {60, 100}, {100, 100}}
	for id, p:=range positions {
		for y:=int32(0); y<e.Height; y++ {
			for x:=int32(0); x<e.Width; x++ {
				dx, dy:=float32(x)-p[0], float32(y)-p[1]
				e.Image[e.Index(x, y)]+=1000*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy)/(sigma*sigma))))
			}
		}
		total:=1000*2*float32(math.Pi)*sigma*sigma
		factor:=1.05+0.001*p[0] // correction grows towards larger x
		sources=append(sources, measure.Source{ID:int32(id), X:p[0], Y:p[1], PsfFlux:total/factor})
		stars=append(stars, id)
	}
	cfg:=Config{Order:1, WideRadius:9}
	corr, err:=Fit(e, sources, stars, cfg, io.Discard)
	if err!=nil { t.Fatalf("fit: %v", err) }
	left, right:=corr.At(20, 60), corr.At(100, 60)
	if right-left<0.05 {
		t.Errorf("surface gradient %f; want the fitted correction to grow with x", right-left)
	}
	if math.Abs(float64(left-1.07))>0.03 || math.Abs(float64(right-1.15))>0.03 {
		t.Errorf("surface at x=20 %f and x=100 %f; want about 1.07 and 1.15", left, right)
	}
}

func TestApply(t *testing.T) {
	corr:=&Correction{Order:0, Coeffs:[]float32{1.1}, RMS:0.02}
	sources:=[]measure.Source{
		{ID:0, X:10, Y:10, PsfFlux:100},
		{ID:1, X:20, Y:20, PsfFlux:50, Flags:measure.FlagBadPsfFlux},
	}
	Apply(sources, corr)
	if math.Abs(float64(sources[0].ApCorr-1.1))>1e-6 || sources[0].ApCorrErr!=0.02 {
		t.Errorf("apCorr=%f err=%f; want 1.1 0.02", sources[0].ApCorr, sources[0].ApCorrErr)
	}
	if !sources[1].HasFlags(measure.FlagBadApCorr) {
		t.Errorf("source without psf flux not flagged, flags 0x%x", sources[1].Flags)
	}
	if sources[1].ApCorr!=0 {
		t.Errorf("flagged source got correction %f; want untouched", sources[1].ApCorr)
	}
}
