// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dataframe maintains a bounded time-ordered detection table and
// computes per-class windowed statistics re-emitted as columnar frames.
package dataframe

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog"

	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/metrics"
)

// ClassNames maps the fixed detection classes to their column prefixes.
var ClassNames = map[int32]string{
	0: "nozzle",
	1: "adhesion",
	2: "spaghetti",
	3: "print",
	4: "raft",
}

// classOrder fixes the column layout.
var classOrder = []int32{0, 1, 2, 3, 4}

type row struct {
	x0, y0, x1, y1 float32
	class          int32
	score          float32
	ts             int64
}

// WindowRow is one aggregated output row: a (window, class) pair with the
// full per-class breakdown of the window it belongs to.
type WindowRow struct {
	Class         int32      `json:"class"`
	TS            int64      `json:"ts"`
	LowerBoundary int64      `json:"_lower_boundary"`
	UpperBoundary int64      `json:"_upper_boundary"`
	ClassCount    [5]int64   `json:"-"`
	ClassMean     [5]float64 `json:"-"`
	ClassStd      [5]float64 `json:"-"`
	GroupCount    int64      `json:"group__count"`
	GroupMean     float64    `json:"group__mean"`
}

// NumColumns is the width of every emitted frame: class, ts, the two
// boundary columns, count/mean/std for each of the five classes, and the
// two whole-window columns.
const NumColumns = 4 + 3*5 + 2

func (a *Aggregator) process(frame []byte) ([]WindowRow, error) {
	cfg := a.Config()

	reader, err := ipc.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	defer reader.Release()

	incoming := make([]row, 0, 64)
	for reader.Next() {
		rec := reader.Record()
		x0 := rec.Column(0).(*array.Float32)
		y0 := rec.Column(1).(*array.Float32)
		x1 := rec.Column(2).(*array.Float32)
		y1 := rec.Column(3).(*array.Float32)
		class := rec.Column(4).(*array.Int32)
		score := rec.Column(5).(*array.Float32)
		ts := rec.Column(6).(*array.Int64)
		for i := 0; i < int(rec.NumRows()); i++ {
			incoming = append(incoming, row{
				x0: x0.Value(i), y0: y0.Value(i), x1: x1.Value(i), y1: y1.Value(i),
				class: class.Value(i), score: score.Value(i), ts: ts.Value(i),
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	a.stateMu.Lock()
	a.rows = append(a.rows, incoming...)

	// retention: keep only rows within max_size_duration of the newest
	var maxTS int64 = math.MinInt64
	for _, r := range a.rows {
		if r.ts > maxTS {
			maxTS = r.ts
		}
	}
	cutoff := maxTS - cfg.MaxSizeDuration.Nanoseconds()
	kept := a.rows[:0]
	for _, r := range a.rows {
		if r.ts >= cutoff {
			kept = append(kept, r)
		}
	}
	a.rows = kept

	// filtered working copy; the retained table keeps every row
	working := make([]row, 0, len(a.rows))
	for _, r := range a.rows {
		if float64(r.score) > cfg.FilterThreshold {
			working = append(working, r)
		}
	}
	metrics.AggregatorRowsRetained.Set(float64(len(a.rows)))
	a.stateMu.Unlock()

	sort.Slice(working, func(i, j int) bool { return working[i].ts < working[j].ts })

	return aggregate(working, cfg), nil
}

// aggregate computes the dynamic left-closed windows grouped by class.
// Windows start at every multiple of window_interval (shifted by
// window_offset), span window_period, and include a row when
// lower ≤ ts < upper.
func aggregate(rows []row, cfg Config) []WindowRow {
	if len(rows) == 0 {
		return nil
	}

	every := cfg.WindowInterval.Nanoseconds()
	period := cfg.WindowPeriod.Nanoseconds()
	offset := cfg.WindowOffset.Nanoseconds()
	if every <= 0 {
		every = time.Second.Nanoseconds()
	}
	if period <= 0 {
		period = every
	}

	minTS, maxTS := rows[0].ts, rows[len(rows)-1].ts

	// first window whose span can still contain minTS
	start := ((minTS-offset)/every)*every + offset
	for start+period <= minTS {
		start += every
	}
	for start-every+period > minTS && start > minTS-period {
		start -= every
	}

	var out []WindowRow
	lo := 0
	for lower := start; lower <= maxTS; lower += every {
		upper := lower + period

		// rows are ts-sorted; advance the left edge lazily
		for lo < len(rows) && rows[lo].ts < lower {
			lo++
		}
		var window []row
		for i := lo; i < len(rows) && rows[i].ts < upper; i++ {
			window = append(window, rows[i])
		}
		if len(window) == 0 {
			continue
		}

		var counts [5]int64
		var sums [5]float64
		var groupSum float64
		for _, r := range window {
			groupSum += float64(r.score)
			if r.class >= 0 && int(r.class) < len(counts) {
				counts[r.class]++
				sums[r.class] += float64(r.score)
			}
		}
		var means, stds [5]float64
		for _, c := range classOrder {
			if counts[c] == 0 {
				continue
			}
			means[c] = sums[c] / float64(counts[c])
		}
		for _, r := range window {
			if r.class >= 0 && int(r.class) < len(counts) {
				d := float64(r.score) - means[r.class]
				stds[r.class] += d * d
			}
		}
		for _, c := range classOrder {
			denom := counts[c] - int64(cfg.DDOF)
			if denom <= 0 {
				stds[c] = 0
				continue
			}
			stds[c] = math.Sqrt(stds[c] / float64(denom))
		}

		// truncate labels the row with the window start, otherwise the
		// first observation inside it
		label := window[0].ts
		if cfg.Truncate {
			label = lower
		}

		for _, c := range classOrder {
			if counts[c] == 0 {
				continue
			}
			out = append(out, WindowRow{
				Class:         c,
				TS:            label,
				LowerBoundary: lower,
				UpperBoundary: upper,
				ClassCount:    counts,
				ClassMean:     means,
				ClassStd:      stds,
				GroupCount:    int64(len(window)),
				GroupMean:     groupSum / float64(len(window)),
			})
		}
	}
	return out
}

// Process ingests one Arrow IPC frame from the decoder and returns the
// aggregation serialized in the configured output mode. A frame whose
// windows are all empty yields (nil, nil).
func (a *Aggregator) Process(frame []byte) ([]byte, error) {
	rows, err := a.process(frame)
	if err != nil {
		return nil, err
	}
	metrics.AggregatorFramesTotal.Inc()
	if len(rows) == 0 {
		return nil, nil
	}
	return a.Config().Output.encode(rows)
}

// Aggregator holds the bounded table and its hot-settable configuration
// under two separate mutexes, never both at once.
type Aggregator struct {
	stateMu sync.Mutex
	rows    []row

	cfgMu sync.Mutex
	cfg   Config

	log zerolog.Logger
}

// NewAggregator builds an aggregator with the given starting configuration;
// zero fields fall back to defaults.
func NewAggregator(cfg Config) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg: cfg,
		log: applog.WithComponent("dataframe"),
	}
}

// Config returns a snapshot of the current configuration.
func (a *Aggregator) Config() Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Len reports the retained table size.
func (a *Aggregator) Len() int {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return len(a.rows)
}
