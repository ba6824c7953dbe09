// axiplan plans a drawing offline. It reads polylines as JSON, runs the
// motion planner and either prints plan statistics or emits the plan in
// the wire format the host's /plot endpoint accepts.
//
// The input is a JSON array of polylines, each polyline an array of
// [x, y] millimetre pairs:
//
//	[[[0,0],[40,0],[40,40]],[[10,10],[30,10]]]
//
// Usage:
//
//	axiplan [-config ~/axidraw.cfg] [-json] drawing.json
//	axiplan -json < drawing.json | curl --data-binary @- localhost:9080/plot
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"axidraw-go/pkg/config"
	"axidraw-go/pkg/geom"
	"axidraw-go/pkg/planner"
)

func main() {
	configFile := flag.String("config", "", "Host configuration file")
	emitJSON := flag.Bool("json", false, "Emit the plan as JSON instead of statistics")
	flag.Parse()

	hc := config.DefaultHostConfig()
	if *configFile != "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			fatalf("config: %v", err)
		}
		hc, err = config.LoadHostConfig(cfg)
		if err != nil {
			fatalf("config: %v", err)
		}
	}

	input := os.Stdin
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()
		input = f
	}

	paths, err := readPolylines(input)
	if err != nil {
		fatalf("input: %v", err)
	}
	if len(paths) == 0 {
		fatalf("input: no polylines")
	}

	scaled := planner.ScalePaths(paths, hc.Device)
	plan, err := planner.Plan(scaled, hc.Tooling, geom.Vec2{})
	if err != nil {
		fatalf("plan: %v", err)
	}

	if *emitJSON {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(plan); err != nil {
			fatalf("encode: %v", err)
		}
		return
	}

	spm := hc.Device.StepsPerMM
	fmt.Printf("polylines:      %d\n", len(paths))
	fmt.Printf("motions:        %d\n", len(plan.Motions))
	fmt.Printf("duration:       %.1f s\n", plan.Duration())
	fmt.Printf("total distance: %.1f mm\n", plan.Distance()/spm)
	fmt.Printf("draw distance:  %.1f mm\n", plan.DrawDistance()/spm)
}

// readPolylines decodes the [[[x,y],...],...] input shape.
func readPolylines(r io.Reader) ([][]geom.Vec2, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var raw [][][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	paths := make([][]geom.Vec2, 0, len(raw))
	for _, poly := range raw {
		points := make([]geom.Vec2, 0, len(poly))
		for _, p := range poly {
			points = append(points, geom.Vec2{X: p[0], Y: p[1]})
		}
		paths = append(paths, points)
	}
	return paths, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "axiplan: "+format+"\n", args...)
	os.Exit(1)
}
