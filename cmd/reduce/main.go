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

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starfield/reduce/internal/pipeline"
	"github.com/starfield/reduce/internal/rest"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var config  = flag.String("config", "", "load reduction policy from YAML `file`")
var logFile = flag.String("log", "", "save log output to `file` in addition to stdout")

var out     = flag.String("out", "", "save reduced pixel data with given filename pattern, e.g. `red%02d.fits`")
var mask    = flag.String("mask", "", "save mask planes with given filename pattern, e.g. `mask%02d.png` or `mask%02d.mask.fits`")
var sources = flag.String("sources", "sources%02d.txt", "save measured source lists with given filename pattern")

var defects = flag.String("defects", "", "load known bad detector regions from `file`")

var backCell  = flag.Int64("backCell", 256, "background estimation cell size in pixels")
var backSigma = flag.Float64("backSigma", 3.0, "background estimation sigma for clipping foreground objects")

var crSigma    = flag.Float64("crSigma", 6.0, "cosmic ray rejection threshold over the convolved noise")
var crContrast = flag.Float64("crContrast", 2.5, "cosmic ray sharpness contrast over the PSF profile")

var threshold = flag.Float64("threshold", 5.0, "detection threshold in standard deviations of the local noise")
var grow      = flag.Int64("grow", 1, "footprint dilation radius in pixels")

var apRadius = flag.Float64("apRadius", 7, "aperture photometry radius in pixels")

var apCorrOrder = flag.Int64("apCorrOrder", 0, "aperture correction surface polynomial order")
var apCorrRad   = flag.Float64("apCorrRad", 9, "aperture correction calibration radius in pixels")

var redetect = flag.Bool("redetect", false, "detect and measure again with the fitted PSF")

var port   = flag.Int64("port", 8080, "port number for the REST API server")
var chroot = flag.String("chroot", "", "change filesystem root to `dir` before serving the REST API (requires root)")
var setuid = flag.Int64("setuid", -1, "switch to user `id` before serving the REST API")

func main() {
	logWriter:=io.Writer(os.Stdout)
	debug.SetGCPercent(10)
	start:=time.Now()
	flag.Usage=func() {
		fmt.Fprintf(logWriter, `Reduce Copyright (c) 2026 The starfield/reduce authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (reduce|serve|policy|legal|version) (img0.fits ... imgn.fits)

Commands:
  reduce  Reduce input exposures: repair, detect and measure sources
  serve   Start the REST API server
  policy  Print the effective reduction policy as YAML
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *logFile!="" {
		f, err:=os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err!=nil {
			fmt.Fprintf(logWriter, "Unable to open logfile '%s'\n", *logFile)
			os.Exit(-1)
		}
		defer f.Close()
		logWriter=io.MultiWriter(os.Stdout, f)
	}

	// Enable CPU profiling if flagged
	if *cpuprofile!="" {
		f, err:=os.Create(*cpuprofile)
		if err!=nil {
			fmt.Fprintf(logWriter, "Could not create CPU profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer f.Close()
		if err:=pprof.StartCPUProfile(f); err!=nil {
			fmt.Fprintf(logWriter, "Could not start CPU profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer pprof.StopCPUProfile()
	}

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	policy, err:=buildPolicy(args[1:])
	if err!=nil {
		fmt.Fprintf(logWriter, "Error building policy: %s\n", err.Error())
		os.Exit(-1)
	}

	switch args[0] {
	case "reduce":
		ctx:=pipeline.NewContext(logWriter)
		fmt.Fprintf(logWriter, "Using %d threads and %d MiB of physical memory\n", ctx.MaxThreads, ctx.MemoryMB)
		_, err=pipeline.Reduce(policy, ctx)

	case "serve":
		rest.MakeSandbox(*chroot, int(*setuid))
		rest.Serve(int(*port))

	case "policy":
		var m []byte
		if m, err=yaml.Marshal(policy); err==nil {
			fmt.Fprintf(logWriter, "%s", string(m))
		}

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed:=time.Since(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile!="" {
		f, err:=os.Create(*memprofile)
		if err!=nil {
			fmt.Fprintf(logWriter, "Could not create memory profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err:=pprof.Lookup("allocs").WriteTo(f, 0); err!=nil {
			fmt.Fprintf(logWriter, "Could not write allocation profile: %s\n", err.Error())
			os.Exit(-1)
		}
	}

	if err!=nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		os.Exit(-1)
	}
}

// Builds the effective policy: config file settings over defaults, then
// explicitly given flags over both, then positional file arguments.
func buildPolicy(inputs []string) (*pipeline.Policy, error) {
	policy:=pipeline.NewDefaultPolicy()
	if *config!="" {
		var err error
		if policy, err=pipeline.LoadPolicyFile(*config); err!=nil { return nil, err }
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			policy.SaveImage=*out
		case "mask":
			policy.SaveMask=*mask
		case "sources":
			policy.SaveSources=*sources
		case "defects":
			policy.DefectFile=*defects
		case "backCell":
			policy.Background.CellSize=int32(*backCell)
		case "backSigma":
			policy.Background.Sigma=float32(*backSigma)
		case "crSigma":
			policy.Cosmic.NSigma=float32(*crSigma)
		case "crContrast":
			policy.Cosmic.Contrast=float32(*crContrast)
		case "threshold":
			policy.Detect.Threshold=float32(*threshold)
		case "grow":
			policy.Detect.GrowRadius=int32(*grow)
		case "apRadius":
			policy.Measure.ApRadius=float32(*apRadius)
		case "apCorrOrder":
			policy.ApCorr.Order=int32(*apCorrOrder)
		case "apCorrRad":
			policy.ApCorr.WideRadius=float32(*apCorrRad)
		case "redetect":
			policy.Redetect=*redetect
		}
	})
	if policy.SaveSources=="" {
		policy.SaveSources=*sources
	}
	if len(inputs)>0 {
		policy.Input=inputs
	}
	return policy, nil
}
