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


// Package fitsio reads and writes two-dimensional FITS images as
// exposures. Spec: https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
package fitsio

import (
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/starfield/reduce/internal/buf"
)

const blockSize = 2880 // FITS header and data unit block size
const lineSize  = 80   // FITS header line size

// Parsed FITS header values, keyed by card name.
type Header struct {
	Bools   map[string]bool
	Ints    map[string]int32
	Floats  map[string]float32
	Strings map[string]string
	End     bool
}

func newHeader() Header {
	return Header{
		Bools:   map[string]bool{},
		Ints:    map[string]int32{},
		Floats:  map[string]float32{},
		Strings: map[string]string{},
	}
}

func (h *Header) popInt32(id int32, key string) (int32, error) {
	if val, ok:=h.Ints[key]; ok {
		delete(h.Ints, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", id, key)
}

func (h *Header) popFloat(key string, def float32) float32 {
	if val, ok:=h.Ints[key]; ok {
		delete(h.Ints, key)
		return float32(val)
	}
	if val, ok:=h.Floats[key]; ok {
		delete(h.Floats, key)
		return val
	}
	return def
}

// Reads a 2D FITS image from the named file into a fresh exposure with
// allocated variance and mask planes. Decompresses when the name ends in
// .gz or .gzip.
func ReadFile(fileName string, id int32, logWriter io.Writer) (*buf.Exposure, error) {
	f, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	defer f.Close()

	var r io.Reader=f
	lExt:=strings.ToLower(path.Ext(fileName))
	if lExt==".gz" || lExt==".gzip" {
		if r, err=gzip.NewReader(f); err!=nil { return nil, err }
	}
	e, err:=Read(r, id, logWriter)
	if err!=nil { return nil, err }
	e.FileName=fileName
	return e, nil
}

func Read(r io.Reader, id int32, logWriter io.Writer) (*buf.Exposure, error) {
	header:=newHeader()
	if err:=header.read(r, id, logWriter); err!=nil { return nil, err }

	if !header.Bools["SIMPLE"] {
		return nil, fmt.Errorf("%d: not a valid FITS file; SIMPLE=T missing in header", id)
	}
	bitpix, err:=header.popInt32(id, "BITPIX")
	if err!=nil { return nil, err }
	naxis, err:=header.popInt32(id, "NAXIS")
	if err!=nil { return nil, err }
	if naxis!=2 { return nil, fmt.Errorf("%d: FITS file has %d axes, want 2", id, naxis) }
	width, err:=header.popInt32(id, "NAXIS1")
	if err!=nil { return nil, err }
	height, err:=header.popInt32(id, "NAXIS2")
	if err!=nil { return nil, err }
	if width<1 || height<1 {
		return nil, fmt.Errorf("%d: FITS file has degenerate dimensions %dx%d", id, width, height)
	}
	bzero :=header.popFloat("BZERO", 0)
	bscale:=header.popFloat("BSCALE", 1)

	e:=buf.NewExposure(width, height)
	e.ID=int(id)
	if err:=readData(r, id, bitpix, bzero, bscale, e.Image); err!=nil { return nil, err }
	return e, nil
}

// Reads pixel payload in network byte order into dst, converting from
// the on-disk type and applying the BZERO/BSCALE transform.
func readData(r io.Reader, id, bitpix int32, bzero, bscale float32, dst []float32) error {
	var bytesPerValue int32
	switch bitpix {
	case 8:
		bytesPerValue=1
	case 16:
		bytesPerValue=2
	case 32, -32:
		bytesPerValue=4
	default:
		return fmt.Errorf("%d: unsupported BITPIX value %d", id, bitpix)
	}

	raw:=make([]byte, int(bytesPerValue)*len(dst))
	if _, err:=io.ReadFull(r, raw); err!=nil {
		return fmt.Errorf("%d: reading %d pixels: %s", id, len(dst), err.Error())
	}
	for i:=range dst {
		b:=raw[int32(i)*bytesPerValue:]
		var v float32
		switch bitpix {
		case 8:
			v=float32(b[0])
		case 16:
			v=float32(int16(uint16(b[0])<<8 | uint16(b[1])))
		case 32:
			v=float32(int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])))
		case -32:
			v=math.Float32frombits(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
		}
		dst[i]=v*bscale + bzero
	}
	return nil
}

var reParser *regexp.Regexp=compileRE()

func (h *Header) read(r io.Reader, id int32, logWriter io.Writer) error {
	block:=make([]byte, blockSize)
	for !h.End {
		if _, err:=io.ReadFull(r, block); err!=nil {
			return fmt.Errorf("%d: %s", id, err.Error())
		}
		for lineNo:=0; lineNo<blockSize/lineSize && !h.End; lineNo++ {
			line:=block[lineNo*lineSize : (lineNo+1)*lineSize]
			subValues:=reParser.FindSubmatch(line)
			if subValues==nil {
				fmt.Fprintf(logWriter, "%d: Warning: cannot parse FITS header line '%s', ignoring\n", id, string(line))
				continue
			}
			h.readLine(reParser.SubexpNames(), subValues)
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte) {
	key:=""
	// index 0 is the whole line
	for i:=1; i<len(subNames); i++ {
		if subValues[i]==nil || len(subNames[i])!=1 { continue }
		switch subNames[i][0] {
		case 'E':
			h.End=true
		case 'k':
			key=string(subValues[i])
		case 'b':
			if len(subValues[i])>0 {
				v:=subValues[i][0]
				h.Bools[key]= v=='t' || v=='T'
			}
		case 'i':
			if val, err:=strconv.ParseInt(string(subValues[i]), 10, 64); err==nil {
				h.Ints[key]=int32(val)
			}
		case 'f':
			if val, err:=strconv.ParseFloat(string(subValues[i]), 64); err==nil {
				h.Floats[key]=float32(val)
			}
		case 's':
			h.Strings[key]=string(subValues[i])
		}
	}
}

// Builds the regexp parser for FITS header lines. History, comment and
// blank lines match and are discarded.
func compileRE() *regexp.Regexp {
	white   :="\\s+"
	whiteOpt:="\\s*"
	rest    :=".*"

	histLine:="HISTORY"+white+rest
	commLine:="COMMENT"+white+rest
	endLine :="(?P<E>END)"+whiteOpt

	key   :="(?P<k>[A-Z0-9_-]+)"
	boo   :="(?P<b>[TF])"
	inte  :="(?P<i>[+-]?[0-9]+)"
	floa  :="(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?)"
	stri  :="'(?P<s>[^']*)'"
	val   :="(?:"+boo+"|"+inte+"|"+floa+"|"+stri+")"
	commOpt:="(?:/.*)?"
	keyLine:=key+whiteOpt+"="+whiteOpt+val+whiteOpt+commOpt

	return regexp.MustCompile("^(?:"+white+"|"+histLine+"|"+commLine+"|"+keyLine+"|"+endLine+")$")
}
