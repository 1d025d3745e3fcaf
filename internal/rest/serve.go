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


package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/starfield/reduce/internal/measure"
	"github.com/starfield/reduce/internal/pipeline"
)

func Serve(port int) {
	r:=gin.Default()
	api:=r.Group("/api")
	{
		v1:=api.Group("/v1")
		{
			v1.GET ("/ping",   getPing)
			v1.GET ("/policy", getPolicy)
			v1.POST("/reduce", postReduce)
		}
	}
	r.Run(fmt.Sprintf(":%d", port))
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

// Returns the default reduction policy as YAML, as a template for
// client-side editing.
func getPolicy(c *gin.Context) {
	m, err:=yaml.Marshal(pipeline.NewDefaultPolicy())
	if err!=nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", m)
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err:=json.MarshalIndent(args, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postReduceArgs struct {
	FilePatterns []string `json:"filePatterns"`
	PolicyFile   string   `json:"policyFile"`
	Redetect     bool     `json:"redetect"`
}

// Runs a full reduction and streams the log followed by the measured
// source lists as the response body.
func postReduce(c *gin.Context) {
	logWriter:=c.Writer
	var args postReduceArgs
	if err:=c.ShouldBind(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	policy:=pipeline.NewDefaultPolicy()
	if args.PolicyFile!="" {
		var err error
		if policy, err=pipeline.LoadPolicyFile(args.PolicyFile); err!=nil {
			fmt.Fprintf(logWriter, "Error loading policy: %s\n", err.Error())
			return
		}
	}
	policy.Input=args.FilePatterns
	policy.Redetect=policy.Redetect || args.Redetect

	ctx:=pipeline.NewContext(logWriter)
	results, err:=pipeline.Reduce(policy, ctx)
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	for _, r:=range results {
		fmt.Fprintf(logWriter, "# exposure %d: %d sources, psf %s\n",
			r.Exposure.ID, len(r.Sources), r.PsfModel())
		if err:=measure.WriteSources(logWriter, r.Sources); err!=nil {
			fmt.Fprintf(logWriter, "error: %s\n", err.Error())
			break
		}
	}
	logWriter.(http.Flusher).Flush()
}
