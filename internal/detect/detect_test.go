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


package detect

import (
	"testing"

	"github.com/starfield/reduce/internal/buf"
)


func fixedThreshold(v float32) func(i int32) float32 {
	return func(i int32) float32 { return v }
}

func TestFindSinglePointSource(t *testing.T) {
	width:=int32(32)
	conv:=make([]float32, width*32)
	for y:=int32(10); y<13; y++ {
		for x:=int32(15); x<18; x++ {
			conv[x+y*width]=10
		}
	}
	fps:=FindFootprints(conv, width, fixedThreshold(5), buf.Region{X0:0, Y0:0, X1:width, Y1:32}, Conn8)
	if len(fps)!=1 {
		t.Fatalf("found %d footprints; want 1", len(fps))
	}
	f:=fps[0]
	if f.NumPixels()!=9 {
		t.Errorf("footprint has %d pixels; want 9", f.NumPixels())
	}
	if f.BBox!=(buf.Region{X0:15, Y0:10, X1:18, Y1:13}) {
		t.Errorf("bbox=%v; want {15 10 18 13}", f.BBox)
	}
	if !f.Contains(16, 11) || f.Contains(14, 11) {
		t.Errorf("footprint membership wrong around bbox")
	}
}

func TestFindSeparateSources(t *testing.T) {
	width:=int32(32)
	conv:=make([]float32, width*32)
	conv[5+5*width]=10
	conv[20+25*width]=10
	fps:=FindFootprints(conv, width, fixedThreshold(5), buf.Region{X0:0, Y0:0, X1:width, Y1:32}, Conn8)
	if len(fps)!=2 {
		t.Fatalf("found %d footprints; want 2", len(fps))
	}
	// ordered by first span, row first
	if fps[0].Spans[0].Y!=5 || fps[1].Spans[0].Y!=25 {
		t.Errorf("footprint order %d %d; want rows 5 25", fps[0].Spans[0].Y, fps[1].Spans[0].Y)
	}
}

// A diagonal pair of pixels is one footprint under 8-connectivity and
// two under 4-connectivity.
func TestConnectivity(t *testing.T) {
	width:=int32(16)
	conv:=make([]float32, width*16)
	conv[5+5*width]=10
	conv[6+6*width]=10
	bounds:=buf.Region{X0:0, Y0:0, X1:width, Y1:16}
	if fps:=FindFootprints(conv, width, fixedThreshold(5), bounds, Conn8); len(fps)!=1 {
		t.Errorf("8-connectivity found %d footprints; want 1", len(fps))
	}
	if fps:=FindFootprints(conv, width, fixedThreshold(5), bounds, Conn4); len(fps)!=2 {
		t.Errorf("4-connectivity found %d footprints; want 2", len(fps))
	}
}

// A U shape connects across rows through its base, so union-find must
// merge runs transitively into a single footprint.
func TestMergeUShape(t *testing.T) {
	width:=int32(16)
	conv:=make([]float32, width*16)
	for y:=int32(3); y<6; y++ {
		conv[4+y*width]=10
		conv[8+y*width]=10
	}
	for x:=int32(4); x<9; x++ {
		conv[x+6*width]=10
	}
	fps:=FindFootprints(conv, width, fixedThreshold(5), buf.Region{X0:0, Y0:0, X1:width, Y1:16}, Conn8)
	if len(fps)!=1 {
		t.Fatalf("found %d footprints; want 1 merged U shape", len(fps))
	}
	if fps[0].NumPixels()!=11 {
		t.Errorf("footprint has %d pixels; want 11", fps[0].NumPixels())
	}
}

func TestInteriorRespected(t *testing.T) {
	width:=int32(16)
	conv:=make([]float32, width*16)
	conv[1+1*width]=10   // outside the interior
	conv[8+8*width]=10
	fps:=FindFootprints(conv, width, fixedThreshold(5), buf.Region{X0:4, Y0:4, X1:12, Y1:12}, Conn8)
	if len(fps)!=1 {
		t.Fatalf("found %d footprints; want 1, outside the interior does not count", len(fps))
	}
	if fps[0].Spans[0].Y!=8 {
		t.Errorf("footprint at row %d; want 8", fps[0].Spans[0].Y)
	}
}

func TestGrowRowOnly(t *testing.T) {
	f:=&Footprint{Spans:[]Span{{5, 5, 7}}}
	f.normalize()
	g:=f.Grow(2, false, buf.Region{X0:0, Y0:0, X1:16, Y1:16})
	if len(g.Spans)!=1 || g.Spans[0]!=(Span{5, 3, 9}) {
		t.Errorf("row growth spans=%v; want [{5 3 9}]", g.Spans)
	}
}

func TestGrowIsotropic(t *testing.T) {
	f:=&Footprint{Spans:[]Span{{5, 5, 6}}}
	f.normalize()
	g:=f.Grow(2, true, buf.Region{X0:0, Y0:0, X1:16, Y1:16})
	if g.BBox!=(buf.Region{X0:3, Y0:3, X1:8, Y1:8}) {
		t.Errorf("isotropic growth bbox=%v; want {3 3 8 8}", g.BBox)
	}
	// the diamond-ish disc keeps corners shorter than the middle row
	if g.Spans[0].Length()>=g.Spans[2].Length() {
		t.Errorf("top span %d not shorter than middle span %d", g.Spans[0].Length(), g.Spans[2].Length())
	}
	if g.Contains(3, 3) {
		t.Errorf("isotropic growth contains the square corner")
	}
}

func TestGrowClipped(t *testing.T) {
	f:=&Footprint{Spans:[]Span{{0, 0, 2}}}
	f.normalize()
	g:=f.Grow(3, true, buf.Region{X0:0, Y0:0, X1:16, Y1:16})
	if g.BBox.X0!=0 || g.BBox.Y0!=0 {
		t.Errorf("clipped growth bbox=%v; want origin at (0,0)", g.BBox)
	}
	for _,s:=range g.Spans {
		if s.X0<0 || s.Y<0 {
			t.Errorf("span %v outside bounds", s)
		}
	}
}

func TestGrowZeroIdentity(t *testing.T) {
	f:=&Footprint{Spans:[]Span{{5, 5, 7}}}
	f.normalize()
	if g:=f.Grow(0, true, buf.Region{X0:0, Y0:0, X1:16, Y1:16}); g!=f {
		t.Errorf("zero growth returned a new footprint")
	}
}

func TestSetPeekMask(t *testing.T) {
	e:=buf.NewExposure(16, 16)
	f:=&Footprint{Spans:[]Span{{5, 5, 8}, {6, 5, 8}}}
	f.normalize()
	f.SetMask(e, buf.MaskDetected)
	if res:=e.CountMask(buf.MaskDetected); res!=6 {
		t.Errorf("masked %d pixels; want 6", res)
	}
	e.Mask[e.Index(6, 5)]|=buf.MaskSaturated
	if bits:=f.PeekMask(e); bits!=buf.MaskDetected|buf.MaskSaturated {
		t.Errorf("peek=%s; want DETECTED|SAT", bits)
	}
}

func TestConfigValidate(t *testing.T) {
	c:=DefaultConfig()
	if err:=c.Validate(); err!=nil {
		t.Errorf("default config invalid: %v", err)
	}
	c.Threshold=0
	if err:=c.Validate(); err==nil {
		t.Errorf("zero threshold accepted; want error")
	}
	c=DefaultConfig()
	c.GrowRadius=-1
	if err:=c.Validate(); err==nil {
		t.Errorf("negative grow radius accepted; want error")
	}
}
