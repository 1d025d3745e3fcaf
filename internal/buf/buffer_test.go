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


package buf

import (
	"testing"
)


func TestExposureIndex(t *testing.T) {
	e:=NewExposure(7, 5)
	type testCase struct {
		x, y, index int32
	}
	tcs:=[]testCase{
		{0, 0,  0},
		{6, 0,  6},
		{0, 1,  7},
		{3, 2, 17},
		{6, 4, 34},
	}
	for _,tc:=range tcs {
		if res:=e.Index(tc.x, tc.y); res!=tc.index {
			t.Errorf("index(%d,%d)=%d; want %d", tc.x, tc.y, res, tc.index)
		}
	}
	if e.Pixels()!=35 {
		t.Errorf("pixels=%d; want 35", e.Pixels())
	}
}

func TestExposureContains(t *testing.T) {
	e:=NewExposure(7, 5)
	type testCase struct {
		x, y   int32
		expect bool
	}
	tcs:=[]testCase{
		{ 0,  0, true},
		{ 6,  4, true},
		{ 7,  4, false},
		{ 6,  5, false},
		{-1,  0, false},
		{ 0, -1, false},
	}
	for _,tc:=range tcs {
		if res:=e.Contains(tc.x, tc.y); res!=tc.expect {
			t.Errorf("contains(%d,%d)=%v; want %v", tc.x, tc.y, res, tc.expect)
		}
	}
}

func TestExposureFromPlanes(t *testing.T) {
	image:=make([]float32, 12)
	e, err:=NewExposureFromPlanes(image, nil, nil, 4, 0, 0)
	if err!=nil { t.Fatalf("valid planes rejected: %v", err) }
	if e.Width!=4 || e.Height!=3 {
		t.Errorf("extent %dx%d; want 4x3", e.Width, e.Height)
	}
	if len(e.Variance)!=12 || len(e.Mask)!=12 {
		t.Errorf("allocated planes sizes %d %d; want 12 12", len(e.Variance), len(e.Mask))
	}

	if _, err:=NewExposureFromPlanes(image, nil, nil, 5, 0, 0); err==nil {
		t.Errorf("image size 12 with width 5 accepted; want error")
	}
	if _, err:=NewExposureFromPlanes(image, make([]float32, 11), nil, 4, 0, 0); err==nil {
		t.Errorf("mismatched variance plane accepted; want error")
	}
}

func TestExposureClone(t *testing.T) {
	e:=NewExposure(3, 3)
	e.Image[4]=42
	e.Mask[4]=MaskBad
	c:=e.Clone()
	c.Image[4]=0
	c.Mask[4]=0
	if e.Image[4]!=42 || e.Mask[4]!=MaskBad {
		t.Errorf("clone shares planes with original")
	}
}

func TestRegionClip(t *testing.T) {
	e:=NewExposure(10, 8)
	type testCase struct {
		in, expect Region
	}
	tcs:=[]testCase{
		{Region{ 2,  2,  5,  5}, Region{2, 2,  5, 5}},
		{Region{-3, -2,  5,  5}, Region{0, 0,  5, 5}},
		{Region{ 2,  2, 15, 12}, Region{2, 2, 10, 8}},
		{Region{-1, -1, 20, 20}, Region{0, 0, 10, 8}},
	}
	for _,tc:=range tcs {
		if res:=tc.in.Clip(e); res!=tc.expect {
			t.Errorf("clip(%v)=%v; want %v", tc.in, res, tc.expect)
		}
	}
}

func TestRegionEmptyGrow(t *testing.T) {
	r:=Region{3, 3, 3, 7}
	if !r.Empty() { t.Errorf("zero-width region not empty") }
	if !(Region{5, 5, 3, 7}).Empty() { t.Errorf("inverted region not empty") }
	g:=NewRegion(3, 3, 5, 7).Grow(2)
	if g!=(Region{1, 1, 7, 9}) {
		t.Errorf("grow=%v; want {1 1 7 9}", g)
	}
	if g.Width()!=6 || g.Height()!=8 {
		t.Errorf("grown extent %dx%d; want 6x8", g.Width(), g.Height())
	}
}

func TestInterior(t *testing.T) {
	e:=NewExposure(10, 8)
	if res:=e.Interior(2); res!=(Region{2, 2, 8, 6}) {
		t.Errorf("interior(2)=%v; want {2 2 8 6}", res)
	}
	if res:=e.Bounds(); res!=(Region{0, 0, 10, 8}) {
		t.Errorf("bounds=%v; want {0 0 10 8}", res)
	}
}
