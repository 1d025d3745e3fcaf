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
	"math"
	"testing"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/detect"
	"github.com/starfield/reduce/internal/psf"
)


// Paints a Gaussian star of given amplitude and sigma onto the exposure
func paintStar(e *buf.Exposure, cx, cy, amp, sigma float32) {
	for y:=int32(0); y<e.Height; y++ {
		for x:=int32(0); x<e.Width; x++ {
			dx, dy:=float32(x)-cx, float32(y)-cy
			e.Image[e.Index(x, y)]+=amp*float32(math.Exp(float64(-0.5*(dx*dx+dy*dy)/(sigma*sigma))))
		}
	}
}

// A rectangular footprint in lieu of running detection
func boxFootprint(x0, y0, x1, y1 int32) *detect.Footprint {
	f:=&detect.Footprint{BBox:buf.Region{X0:x0, Y0:y0, X1:x1, Y1:y1}}
	for y:=y0; y<y1; y++ {
		f.Spans=append(f.Spans, detect.Span{Y:y, X0:x0, X1:x1})
	}
	return f
}

func newStarField(t *testing.T, cx, cy, amp, sigma float32) *buf.Exposure {
	t.Helper()
	e:=buf.NewExposure(64, 64)
	for i:=range e.Variance {
		e.Variance[i]=1
	}
	paintStar(e, cx, cy, amp, sigma)
	return e
}

func TestMeasureCentroid(t *testing.T) {
	cx, cy:=float32(30.3), float32(28.7)
	e:=newStarField(t, cx, cy, 1000, 2)
	fp:=boxFootprint(25, 23, 36, 34)

	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, DefaultConfig(), 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if len(sources)!=1 { t.Fatalf("measured %d sources; want 1", len(sources)) }
	s:=&sources[0]

	if s.HasFlags(FlagBadCentroid) {
		t.Fatalf("centroid did not converge, flags 0x%x", s.Flags)
	}
	if math.Abs(float64(s.X-cx))>0.2 || math.Abs(float64(s.Y-cy))>0.2 {
		t.Errorf("centroid (%f,%f); want (%f,%f) within 0.2", s.X, s.Y, cx, cy)
	}
	if s.XErr<=0 || s.YErr<=0 {
		t.Errorf("centroid errors (%f,%f); want positive", s.XErr, s.YErr)
	}
}

func TestMeasureShape(t *testing.T) {
	e:=newStarField(t, 30, 30, 1000, 2)
	fp:=boxFootprint(26, 26, 35, 35)
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, DefaultConfig(), 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	s:=&sources[0]

	if s.HasFlags(FlagBadShape) {
		t.Fatalf("shape flagged bad, flags 0x%x", s.Flags)
	}
	// a round star: matching truncated second moments, no cross term
	if math.Abs(float64(s.Ixx-s.Iyy))>0.05 {
		t.Errorf("Ixx=%f Iyy=%f; want equal within 0.05", s.Ixx, s.Iyy)
	}
	if s.Ixx<2.5 || s.Ixx>4.2 {
		t.Errorf("Ixx=%f; want within [2.5,4.2] for sigma 2", s.Ixx)
	}
	if math.Abs(float64(s.Ixy))>0.05 {
		t.Errorf("Ixy=%f; want 0 within 0.05", s.Ixy)
	}
}

func TestMeasureFluxes(t *testing.T) {
	sigma:=float32(2)
	amp:=float32(1000)
	e:=newStarField(t, 30, 30, amp, sigma)
	fp:=boxFootprint(26, 26, 35, 35)
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, DefaultConfig(), 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	s:=&sources[0]

	total:=amp*2*float32(math.Pi)*sigma*sigma
	if s.HasFlags(FlagBadApFlux) {
		t.Fatalf("aperture flux flagged bad, flags 0x%x", s.Flags)
	}
	if math.Abs(float64(s.ApFlux-total))>0.05*float64(total) {
		t.Errorf("apFlux=%f; want %f within 5%%", s.ApFlux, total)
	}
	if s.ApFluxErr<=0 {
		t.Errorf("apFluxErr=%f; want positive", s.ApFluxErr)
	}

	if s.HasFlags(FlagBadPsfFlux) {
		t.Fatalf("psf flux flagged bad, flags 0x%x", s.Flags)
	}
	// the initial-guess kernel is broader than the star, so the
	// PSF-weighted estimate overshoots; aperture correction absorbs this
	if math.Abs(float64(s.PsfFlux-total))>0.4*float64(total) {
		t.Errorf("psfFlux=%f; want %f within 40%%", s.PsfFlux, total)
	}
}

func TestMeasureMaskFlags(t *testing.T) {
	e:=newStarField(t, 30, 30, 1000, 2)
	e.Mask[e.Index(30, 30)]|=buf.MaskSaturated
	e.Mask[e.Index(28, 28)]|=buf.MaskInterp
	fp:=boxFootprint(26, 26, 35, 35)
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, DefaultConfig(), 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	s:=&sources[0]

	if !s.HasFlags(FlagSaturated) || !s.HasFlags(FlagSaturCenter) {
		t.Errorf("saturated peak flags 0x%x; want area and center flags", s.Flags)
	}
	if !s.HasFlags(FlagInterp) {
		t.Errorf("interpolated area flag missing, flags 0x%x", s.Flags)
	}
	if s.HasFlags(FlagInterpCenter) {
		t.Errorf("interpolated center flag set without interpolated peak, flags 0x%x", s.Flags)
	}
}

func TestMeasureEdgeFlag(t *testing.T) {
	e:=newStarField(t, 3, 3, 1000, 2)
	fp:=boxFootprint(0, 0, 7, 7)
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, DefaultConfig(), 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if !sources[0].HasFlags(FlagEdge) {
		t.Errorf("footprint at image border lacks edge flag, flags 0x%x", sources[0].Flags)
	}
	// a PSF window poking over the border cannot yield a PSF flux
	if !sources[0].HasFlags(FlagBadPsfFlux) {
		t.Errorf("psf flux at image border not flagged, flags 0x%x", sources[0].Flags)
	}
}

func TestMeasureBinnedFlag(t *testing.T) {
	e:=newStarField(t, 30, 30, 1000, 2)
	fp:=boxFootprint(26, 26, 35, 35)
	cfg:=DefaultConfig()
	cfg.Binned=true
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), []*detect.Footprint{fp}, cfg, 4)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if !sources[0].HasFlags(FlagBinned) {
		t.Errorf("binned flag missing, flags 0x%x", sources[0].Flags)
	}
}

func TestMeasureIDsInFootprintOrder(t *testing.T) {
	e:=buf.NewExposure(64, 64)
	for i:=range e.Variance { e.Variance[i]=1 }
	paintStar(e, 15, 15, 1000, 1.5)
	paintStar(e, 45, 45, 800, 1.5)
	fps:=[]*detect.Footprint{boxFootprint(11, 11, 20, 20), boxFootprint(41, 41, 50, 50)}
	sources, err:=MeasureAll(e, psf.NewInitialGuess(), fps, DefaultConfig(), 2)
	if err!=nil { t.Fatalf("measure: %v", err) }
	if len(sources)!=2 { t.Fatalf("measured %d sources; want 2", len(sources)) }
	for i,s:=range sources {
		if s.ID!=int32(i) {
			t.Errorf("source %d has id %d; want %d", i, s.ID, i)
		}
	}
	if sources[0].X>=sources[1].X {
		t.Errorf("source order does not follow footprint order: x %f %f", sources[0].X, sources[1].X)
	}
}

func TestMeasureRejectsBadConfig(t *testing.T) {
	cfg:=DefaultConfig()
	cfg.ApRadius=0
	if _, err:=MeasureAll(buf.NewExposure(8, 8), psf.NewInitialGuess(), nil, cfg, 1); err==nil {
		t.Errorf("zero aperture radius accepted; want error")
	}
}

func TestApertureFluxOutside(t *testing.T) {
	e:=buf.NewExposure(16, 16)
	flux, _:=ApertureFlux(e, 100, 100, 3)
	if !math.IsNaN(float64(flux)) {
		t.Errorf("aperture outside the image=%f; want NaN", flux)
	}
}
