// Plotter-specific metrics definitions
//
// Defines the metrics the plotter host exports: EBB command traffic,
// sub-step accounting, plot lifecycle and planning statistics.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
)

// PlotterMetrics holds all plotter host metrics.
type PlotterMetrics struct {
	// EBB command traffic
	CommandsTotal *Counter
	CommandErrors *Counter
	MovesSkipped  *Counter

	// Plot lifecycle
	PlotState    *Gauge
	PlotProgress *Gauge
	PlotsTotal   *Counter
	PlotsFailed  *Counter
	PlotDuration *Histogram

	// Planner statistics
	PlansTotal   *Counter
	PlanMotions  *Gauge
	PlanSeconds  *Gauge
	PlanningTime *Histogram

	// System metrics
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge

	registry *Registry
}

// NewPlotterMetrics creates and registers all plotter metrics on a
// private registry.
func NewPlotterMetrics() *PlotterMetrics {
	pm := &PlotterMetrics{registry: NewRegistry()}

	pm.CommandsTotal = NewCounter("plotter_ebb_commands_total",
		"EBB commands sent, by command name")
	pm.CommandErrors = NewCounter("plotter_ebb_command_errors_total",
		"EBB commands that failed or were rejected")
	pm.MovesSkipped = NewCounter("plotter_moves_skipped_total",
		"Moves elided because the quantised step count was zero")

	pm.PlotState = NewGauge("plotter_state",
		"Supervisor state (0=idle 1=plotting 2=paused 3=cancelling)")
	pm.PlotProgress = NewGauge("plotter_plot_progress",
		"Index of the motion currently executing")
	pm.PlotsTotal = NewCounter("plotter_plots_total",
		"Plots accepted")
	pm.PlotsFailed = NewCounter("plotter_plots_failed_total",
		"Plots aborted by a protocol or transport error")
	pm.PlotDuration = NewHistogram("plotter_plot_duration_seconds",
		"Wall time of completed plots",
		ExponentialBuckets(1, 2, 12))

	pm.PlansTotal = NewCounter("plotter_plans_total",
		"Plans produced by the planner")
	pm.PlanMotions = NewGauge("plotter_plan_motions",
		"Motion count of the most recent plan")
	pm.PlanSeconds = NewGauge("plotter_plan_seconds",
		"Estimated duration of the most recent plan")
	pm.PlanningTime = NewHistogram("plotter_planning_seconds",
		"Time spent planning", DefaultBuckets())

	pm.GoGoroutines = NewGauge("plotter_go_goroutines",
		"Number of goroutines")
	pm.GoMemoryHeap = NewGauge("plotter_go_memory_heap_bytes",
		"Heap bytes in use")

	pm.registerAll()
	return pm
}

func (pm *PlotterMetrics) registerAll() {
	for _, m := range []Metric{
		pm.CommandsTotal, pm.CommandErrors, pm.MovesSkipped,
		pm.PlotState, pm.PlotProgress, pm.PlotsTotal, pm.PlotsFailed,
		pm.PlotDuration,
		pm.PlansTotal, pm.PlanMotions, pm.PlanSeconds, pm.PlanningTime,
		pm.GoGoroutines, pm.GoMemoryHeap,
	} {
		pm.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics refreshes the runtime gauges.
func (pm *PlotterMetrics) UpdateSystemMetrics() {
	pm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	pm.GoMemoryHeap.Set(nil, float64(ms.HeapInuse))
}

// Gather renders the registry in Prometheus text format.
func (pm *PlotterMetrics) Gather() string {
	pm.UpdateSystemMetrics()
	return pm.registry.Gather()
}

var (
	plotterOnce sync.Once
	plotter     *PlotterMetrics
)

// Plotter returns the process-wide plotter metrics.
func Plotter() *PlotterMetrics {
	plotterOnce.Do(func() {
		plotter = NewPlotterMetrics()
	})
	return plotter
}
