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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/starfield/reduce/internal/detect"
)

// Per-source detection and measurement flags. Failures never remove a
// source; they set a bit and leave best-effort values in place.
type Flag uint32

const (
	FlagEdge         Flag = 1 << iota // footprint touches the image edge
	FlagSaturated                     // footprint contains saturated pixels
	FlagSaturCenter                   // peak pixel is saturated
	FlagInterp                        // footprint contains interpolated pixels
	FlagInterpCenter                  // peak pixel was interpolated
	FlagCR                            // footprint contains cosmic-ray pixels
	FlagBinned                        // measured on binned (native) pixel data
	FlagBadCentroid                   // centroid fit did not converge
	FlagBadShape                      // second moments are degenerate
	FlagBadPsfFlux                    // PSF flux negative or undefined
	FlagBadApFlux                     // aperture flux undefined
	FlagBadApCorr                     // no aperture correction available
)

// One measured object. Created once per footprint, mutated by the
// measurement sequence and later by aperture correction, never deleted.
type Source struct {
	ID         int32
	X, XErr    float32 // centroid and uncertainty, X direction
	Y, YErr    float32 // centroid and uncertainty, Y direction
	Ixx, Ixy, Iyy float32 // second-order central moments
	PsfFlux    float32
	PsfFluxErr float32
	ApFlux     float32
	ApFluxErr  float32
	ApCorr     float32 // multiplicative aperture correction at (X,Y)
	ApCorrErr  float32
	Flags      Flag

	Footprint *detect.Footprint // originating footprint, not serialized
}

func (s *Source) HasFlags(f Flag) bool { return s.Flags&f!=0 }

// Writes sources as one line each: id, centroid with errors, moments, PSF
// and aperture flux, and the flag word in hex. The classic interchange
// format for detection lists.
func WriteSources(w io.Writer, sources []Source) error {
	for i:=range sources {
		s:=&sources[i]
		_, err:=fmt.Fprintf(w, "%-3d %7.2f %7.2f  %7.2f %7.2f   %7.3f %7.3f %7.3f   %8.1f %8.1f 0x%x\n",
			s.ID, s.X, s.XErr, s.Y, s.YErr, s.Ixx, s.Ixy, s.Iyy, s.PsfFlux, s.ApFlux, uint32(s.Flags))
		if err!=nil { return err }
	}
	return nil
}

// Reads sources in the format produced by WriteSources, skipping blank
// and # comment lines. Footprints are not reconstructed.
func ReadSources(r io.Reader) (sources []Source, err error) {
	scanner:=bufio.NewScanner(r)
	for scanner.Scan() {
		line:=strings.TrimSpace(scanner.Text())
		if line=="" || strings.HasPrefix(line, "#") { continue }
		fields:=strings.Fields(line)
		if len(fields)!=11 {
			return nil, fmt.Errorf("source line has %d fields, want 11: %q", len(fields), line)
		}
		var s Source
		id, err:=strconv.ParseInt(fields[0], 10, 32)
		if err!=nil { return nil, fmt.Errorf("parsing source id %q: %w", fields[0], err) }
		s.ID=int32(id)
		floats:=[]*float32{&s.X, &s.XErr, &s.Y, &s.YErr, &s.Ixx, &s.Ixy, &s.Iyy, &s.PsfFlux, &s.ApFlux}
		for i,dst:=range floats {
			v, err:=strconv.ParseFloat(fields[i+1], 32)
			if err!=nil { return nil, fmt.Errorf("parsing source %d field %d %q: %w", s.ID, i+1, fields[i+1], err) }
			*dst=float32(v)
		}
		flags, err:=strconv.ParseUint(strings.TrimPrefix(fields[10], "0x"), 16, 32)
		if err!=nil { return nil, fmt.Errorf("parsing source %d flags %q: %w", s.ID, fields[10], err) }
		s.Flags=Flag(flags)
		sources=append(sources, s)
	}
	return sources, scanner.Err()
}
