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


// Package render exports reduced exposures as viewable images: 16-bit
// TIFF of the pixel data, and PNG overlays that color mask planes and
// detections for visual inspection.
package render

import (
	"bufio"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"

	"github.com/starfield/reduce/internal/buf"
	"github.com/starfield/reduce/internal/measure"
)

// Writes the exposure's image plane as grayscale 16-bit TIFF, scaling
// [min,max] to full range with the given gamma.
func WriteMonoTIFF16ToFile(e *buf.Exposure, fileName string, min, max, gamma float32) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	defer writer.Flush()
	return WriteMonoTIFF16(writer, e, min, max, gamma)
}

func WriteMonoTIFF16(writer io.Writer, e *buf.Exposure, min, max, gamma float32) error {
	width, height:=int(e.Width), int(e.Height)
	img:=image.NewGray16(image.Rect(0, 0, width, height))
	scale:=1/(max-min)
	gammaInv:=float64(1.0/gamma)
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			gray:=(e.Image[yoffset+x]-min)*scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray<0 { gray=0 }
			if gray>1 { gray=1 }
			if gammaInv!=1.0 { gray=float32(math.Pow(float64(gray), gammaInv)) }
			img.SetGray16(x, y, color.Gray16{uint16(gray*65535)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Colors for the mask overlay, distributed around the hue circle so
// adjacent bits stay distinguishable.
var maskBits=[]buf.Mask{
	buf.MaskBad, buf.MaskSaturated, buf.MaskInterp, buf.MaskCR,
	buf.MaskEdge, buf.MaskDetected, buf.MaskTrail,
}

func maskColor(bit int) colorful.Color {
	return colorful.Hsv(float64(bit)*360.0/float64(len(maskBits)), 0.9, 1.0)
}

// Writes a PNG with the image plane as gray background and mask bits
// blended on top in per-plane colors.
func WriteMaskOverlayToFile(e *buf.Exposure, fileName string, min, max float32) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	defer writer.Flush()
	return WriteMaskOverlay(writer, e, min, max)
}

func WriteMaskOverlay(writer io.Writer, e *buf.Exposure, min, max float32) error {
	width, height:=int(e.Width), int(e.Height)
	img:=image.NewRGBA(image.Rect(0, 0, width, height))
	scale:=1/(max-min)
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			gray:=float64((e.Image[yoffset+x]-min)*scale)
			if math.IsNaN(gray) || gray<0 { gray=0 }
			if gray>1 { gray=1 }
			c:=colorful.Color{R: gray, G: gray, B: gray}
			if m:=e.Mask[yoffset+x]; m!=0 {
				for bit, flag:=range maskBits {
					if m&flag!=0 {
						c=c.BlendRgb(maskColor(bit), 0.6)
						break
					}
				}
			}
			r, g, b:=c.RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return png.Encode(writer, img)
}

// Paints a filled circle of given radius and value onto the exposure's
// image plane, clipping at the edges.
func FillCircle(e *buf.Exposure, xc, yc, r, value float32) {
	for y:=-r; y<=r; y+=0.5 {
		for x:=-r; x<=r; x+=0.5 {
			if y*y+x*x>r*r+1e-6 { continue }
			px, py:=int32(xc+x), int32(yc+y)
			if e.Contains(px, py) { e.Image[e.Index(px, py)]=value }
		}
	}
}

// Returns a copy of the exposure with each source drawn as a circle
// sized by its shape, for visual checks of the detection run.
func NewExposureFromSources(src *buf.Exposure, sources []measure.Source, radiusMultiple float32) *buf.Exposure {
	res:=buf.NewExposure(src.Width, src.Height)
	res.ID, res.FileName=src.ID, src.FileName
	for i:=range sources {
		s:=&sources[i]
		radius:=float32(math.Sqrt(float64(s.Ixx+s.Iyy)))*radiusMultiple
		if radius<1 { radius=1 }
		FillCircle(res, s.X, s.Y, radius, s.PsfFlux/(radius*radius*float32(math.Pi)))
	}
	return res
}
