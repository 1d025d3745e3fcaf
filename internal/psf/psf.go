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


package psf

import (
	"fmt"
	"math"
)

// Converts a full width at half maximum to a Gaussian sigma
const FWHMToSigma = 0.42466090014400953 // 1/(2*sqrt(2*ln 2))

// A fixed-size square weight array realizing a PSF at one position.
// Width is odd; weights are normalized to sum 1; the center pixel is at
// (HalfWidth, HalfWidth).
type Kernel struct {
	Width   int32
	Weights []float32
}

func (k *Kernel) HalfWidth() int32 { return k.Width/2 }

// Sum of squared weights, the effective variance shrink factor of the kernel
func (k *Kernel) SumSquares() float32 {
	sum:=float32(0)
	for _,w:=range k.Weights { sum+=w*w }
	return sum
}

func (k *Kernel) normalize() {
	sum:=float32(0)
	for _,w:=range k.Weights { sum+=w }
	if sum==0 { return }
	for i:=range k.Weights { k.Weights[i]/=sum }
}

// Creates a circular Gaussian kernel of given odd width and sigma
func NewGaussianKernel(width int32, sigma float32) Kernel {
	return newKernel(width, func(distSq float32) float32 {
		return float32(math.Exp(float64(-0.5*distSq/(sigma*sigma))))
	})
}

// Creates a circular double Gaussian kernel: inner sigma1, outer sigma2
// with peak amplitude ratio b
func NewDoubleGaussianKernel(width int32, sigma1, sigma2, b float32) Kernel {
	return newKernel(width, func(distSq float32) float32 {
		inner:=float32(math.Exp(float64(-0.5*distSq/(sigma1*sigma1))))
		if sigma2<=0 || b<=0 { return inner }
		outer:=float32(math.Exp(float64(-0.5*distSq/(sigma2*sigma2))))
		return inner+b*outer
	})
}

func newKernel(width int32, radial func(distSq float32) float32) Kernel {
	if width%2==0 { width++ }
	k:=Kernel{Width:width, Weights:make([]float32, width*width)}
	hw:=width/2
	for y:=-hw; y<=hw; y++ {
		for x:=-hw; x<=hw; x++ {
			k.Weights[(x+hw)+(y+hw)*width]=radial(float32(x*x+y*y))
		}
	}
	k.normalize()
	return k
}

// A point-spread function model. The closed set of variants lives in this
// package; consumers only realize kernels at positions.
type Model interface {
	// Realize the PSF kernel at the given image position
	EvalKernel(x, y float32) Kernel
	// Characteristic Gaussian-equivalent width of the core, in pixels
	Sigma() float32
	String() string
}

// A circularly symmetric single Gaussian PSF, constant across the image
type SingleGaussian struct {
	Size   int32
	Width  float32
	kernel Kernel
}

func NewSingleGaussian(size int32, sigma float32) (*SingleGaussian, error) {
	if sigma<=0 { return nil, fmt.Errorf("sigma may not be <=0: %g", sigma) }
	return &SingleGaussian{Size:size, Width:sigma, kernel:NewGaussianKernel(size, sigma)}, nil
}

func (p *SingleGaussian) EvalKernel(x, y float32) Kernel { return p.kernel }
func (p *SingleGaussian) Sigma() float32                 { return p.Width }
func (p *SingleGaussian) String() string {
	return fmt.Sprintf("single Gaussian PSF size %d sigma %.2f", p.Size, p.Width)
}

// A circularly symmetric double Gaussian PSF, constant across the image.
// The standard initial guess before any fit has run.
type DoubleGaussian struct {
	Size   int32
	Sigma1 float32
	Sigma2 float32
	B      float32
	kernel Kernel
}

func NewDoubleGaussian(size int32, sigma1, sigma2, b float32) (*DoubleGaussian, error) {
	if sigma1<=0 { return nil, fmt.Errorf("sigma1 may not be <=0: %g", sigma1) }
	return &DoubleGaussian{
		Size:sigma2Size(size), Sigma1:sigma1, Sigma2:sigma2, B:b,
		kernel:NewDoubleGaussianKernel(sigma2Size(size), sigma1, sigma2, b),
	}, nil
}

func sigma2Size(size int32) int32 {
	if size%2==0 { size++ }
	return size
}

// The conventional initial guess: FWHM of 5 pixels realized on a 15x15 kernel
func NewInitialGuess() Model {
	sigma:=float32(5.0*FWHMToSigma)
	dg, _:=NewDoubleGaussian(15, sigma, 2*sigma, 0.1)
	return dg
}

func (p *DoubleGaussian) EvalKernel(x, y float32) Kernel { return p.kernel }
func (p *DoubleGaussian) Sigma() float32                 { return p.Sigma1 }
func (p *DoubleGaussian) String() string {
	return fmt.Sprintf("double Gaussian PSF size %d sigma1 %.2f sigma2 %.2f b %.2f", p.Size, p.Sigma1, p.Sigma2, p.B)
}

// An image-based PSF: a mean image plus principal components whose
// coefficients vary linearly with position.
type ImageBasis struct {
	Size       int32        // kernel width, odd
	Mean       []float32    // Size*Size mean star image
	Components [][]float32  // principal component images, Size*Size each
	Coeffs     [][3]float32 // per component: constant, x and y coefficient
	CoreSigma  float32      // Gaussian-equivalent core width of the mean image
}

func (p *ImageBasis) EvalKernel(x, y float32) Kernel {
	k:=Kernel{Width:p.Size, Weights:append([]float32(nil), p.Mean...)}
	for c,comp:=range p.Components {
		coeff:=p.Coeffs[c][0] + p.Coeffs[c][1]*x + p.Coeffs[c][2]*y
		for i,v:=range comp {
			k.Weights[i]+=coeff*v
		}
	}
	// clamp negative ringing before normalizing
	for i,w:=range k.Weights {
		if w<0 { k.Weights[i]=0 }
	}
	k.normalize()
	return k
}

func (p *ImageBasis) Sigma() float32 { return p.CoreSigma }
func (p *ImageBasis) String() string {
	return fmt.Sprintf("image basis PSF size %d components %d core sigma %.2f", p.Size, len(p.Components), p.CoreSigma)
}

// Calculates the Gaussian-equivalent sigma of a kernel image from its
// second moments about the center
func KernelSigma(weights []float32, width int32) float32 {
	hw:=width/2
	sum, moment:=float32(0), float32(0)
	for y:=-hw; y<=hw; y++ {
		for x:=-hw; x<=hw; x++ {
			v:=weights[(x+hw)+(y+hw)*width]
			if v<0 { continue }
			sum+=v
			moment+=v*float32(x*x+y*y)
		}
	}
	if sum<=0 { return 0 }
	return float32(math.Sqrt(float64(moment/sum/2)))
}
