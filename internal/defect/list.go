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


package defect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Reads a defect list, one defect per line as "x0 y0 x1 y1" with
// exclusive upper bounds. Blank lines and lines starting with # are
// skipped.
func ReadList(r io.Reader) (defects []Defect, err error) {
	scanner:=bufio.NewScanner(r)
	lineNo:=0
	for scanner.Scan() {
		lineNo++
		line:=strings.TrimSpace(scanner.Text())
		if line=="" || strings.HasPrefix(line, "#") { continue }
		fields:=strings.Fields(line)
		if len(fields)!=4 {
			return nil, fmt.Errorf("defect list line %d has %d fields, want 4: %q", lineNo, len(fields), line)
		}
		var vals [4]int32
		for i, f:=range fields {
			v, err:=strconv.ParseInt(f, 10, 32)
			if err!=nil { return nil, fmt.Errorf("defect list line %d field %d %q: %w", lineNo, i, f, err) }
			vals[i]=int32(v)
		}
		d:=New(vals[0], vals[1], vals[2], vals[3])
		if d.Region.Empty() {
			return nil, fmt.Errorf("defect list line %d describes empty region %s", lineNo, d)
		}
		defects=append(defects, d)
	}
	return defects, scanner.Err()
}

// Reads a defect list from the named file.
func ReadListFile(fileName string) ([]Defect, error) {
	f, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	defer f.Close()
	return ReadList(f)
}
