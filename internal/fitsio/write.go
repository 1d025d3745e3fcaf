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


package fitsio

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/starfield/reduce/internal/buf"
)

// Writes the image plane of an exposure to the named file as a 32-bit
// floating point FITS image. Creates or overwrites the file.
func WriteFile(e *buf.Exposure, fileName string) error {
	f, err:=os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err!=nil { return err }
	defer f.Close()
	return Write(f, e)
}

// Writes the variance plane as a 32-bit floating point FITS image.
func WriteVarianceFile(e *buf.Exposure, fileName string) error {
	if e.Variance==nil { return fmt.Errorf("%d: exposure has no variance plane", e.ID) }
	f, err:=os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err!=nil { return err }
	defer f.Close()
	return writePlane(f, e.Width, e.Height, e.Variance)
}

// Writes the mask plane as a 32-bit floating point FITS image, one
// pixel per mask word. BITPIX -32 holds 16-bit words exactly.
func WriteMaskFile(e *buf.Exposure, fileName string) error {
	if e.Mask==nil { return fmt.Errorf("%d: exposure has no mask plane", e.ID) }
	f, err:=os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err!=nil { return err }
	defer f.Close()
	data:=make([]float32, len(e.Mask))
	for i, m:=range e.Mask { data[i]=float32(m) }
	return writePlane(f, e.Width, e.Height, data)
}

func Write(f io.Writer, e *buf.Exposure) error {
	return writePlane(f, e.Width, e.Height, e.Image)
}

func writePlane(f io.Writer, width, height int32, data []float32) error {
	sb:=strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "    FITS standard 4.0")
	writeInt32(&sb, "BITPIX", -32, "    32-bit floating point")
	writeInt32(&sb, "NAXIS", 2, "[1] Number of axis")
	writeInt32(&sb, "NAXIS1", width, "[1] Axis size")
	writeInt32(&sb, "NAXIS2", height, "[1] Axis size")
	writeFloat32(&sb, "BZERO", 0, "[1] Zero offset")
	writeEnd(&sb)

	// pad the header block with spaces
	if rem:=sb.Len()%blockSize; rem>0 {
		sb.WriteString(strings.Repeat(" ", blockSize-rem))
	}
	if _, err:=f.Write([]byte(sb.String())); err!=nil { return err }

	// payload in network byte order, NaNs written as zero for
	// compatibility with other software
	buffer:=make([]byte, 16*1024)
	valuesPerBuffer:=len(buffer)>>2
	for block:=0; block<len(data); block+=valuesPerBuffer {
		size:=len(data)-block
		if size>valuesPerBuffer { size=valuesPerBuffer }
		for offset:=0; offset<size; offset++ {
			d:=data[block+offset]
			if math.IsNaN(float64(d)) { d=0 }
			val:=math.Float32bits(d)
			buffer[(offset<<2)+0]=byte(val>>24)
			buffer[(offset<<2)+1]=byte(val>>16)
			buffer[(offset<<2)+2]=byte(val>>8)
			buffer[(offset<<2)+3]=byte(val)
		}
		if _, err:=f.Write(buffer[:size<<2]); err!=nil { return err }
	}

	// pad the data unit to a whole block
	written:=len(data)*4
	if rem:=written%blockSize; rem>0 {
		if _, err:=f.Write(make([]byte, blockSize-rem)); err!=nil { return err }
	}
	return nil
}

func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key)>8 { key=key[0:8] }
	if len(comment)>47 { comment=comment[0:47] }
	v:="F"
	if value { v="T" }
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

func writeInt32(w io.Writer, key string, value int32, comment string) {
	if len(key)>8 { key=key[0:8] }
	if len(comment)>47 { comment=comment[0:47] }
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

func writeFloat32(w io.Writer, key string, value float32, comment string) {
	if len(key)>8 { key=key[0:8] }
	if len(comment)>47 { comment=comment[0:47] }
	fmt.Fprintf(w, "%-8s= %20g / %-47s", key, value, comment)
}

func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", lineSize-3))
}
