// Package judge implements the §4.I Regression Judge: metadata
// compatibility checking and the K-of-N persistence rule over per-run
// metric comparisons against a stored baseline.
package judge

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/malbeclabs/linkbench/internal/baseline"
)

// DefaultThreshold is θ, the default regression threshold.
const DefaultThreshold = 0.10

// Outcome is the Judge's final verdict.
type Outcome int

const (
	Pass Outcome = iota
	Regression
)

func (o Outcome) String() string {
	if o == Regression {
		return "regression"
	}
	return "pass"
}

// Metric names a single regression-checked dimension, for per-run reporting.
type Metric string

const (
	MetricPPS      Metric = "pps"
	MetricMbps     Metric = "mbps"
	MetricLatency  Metric = "latency"
	MetricDropRate Metric = "drop_rate"
)

var allMetrics = []Metric{MetricPPS, MetricMbps, MetricLatency, MetricDropRate}

// RunMetrics is one run's comparable values, derived alongside its
// aggregate.RunResult.
type RunMetrics struct {
	PPS      float64
	Mbps     float64
	P95NS    float64
	DropRate float64
}

// MetadataField names one compatibility-checked metadata attribute.
type MetadataField string

const (
	FieldFilter        MetadataField = "filter"
	FieldThreads       MetadataField = "threads"
	FieldWarmupSec     MetadataField = "warmup_sec"
	FieldDurationSec   MetadataField = "duration_sec"
	FieldTrafficMode   MetadataField = "traffic_mode"
	FieldTrafficTarget MetadataField = "traffic_target"
	FieldTrafficRate   MetadataField = "traffic_rate"
	FieldInterface     MetadataField = "interface"
	FieldOS            MetadataField = "os"
	FieldBPFBufferSize MetadataField = "bpf_buffer_size"
	FieldGitSHA        MetadataField = "git_sha"
)

var mustMatchFields = []MetadataField{
	FieldFilter, FieldThreads, FieldWarmupSec, FieldDurationSec,
	FieldTrafficMode, FieldTrafficTarget, FieldTrafficRate,
}

var warnOnlyFields = []MetadataField{
	FieldInterface, FieldOS, FieldBPFBufferSize, FieldGitSHA,
}

// FieldMismatch records one metadata field's comparison outcome.
type FieldMismatch struct {
	Field        MetadataField
	MustMatch    bool
	BaselineVal  string
	CurrentVal   string
}

// MetricVerdict names which runs regressed for one metric and the final
// persistence call.
type MetricVerdict struct {
	Metric     Metric
	Regressed  []bool // one entry per run, in run order
	Persistent bool
}

// Report is the Judge's full structured output (§4.I, SUPPLEMENTED
// FEATURES: "names exactly which runs regressed per metric").
type Report struct {
	Outcome          Outcome
	MetadataOK       bool
	FatalMismatches  []FieldMismatch
	WarnMismatches   []FieldMismatch
	MetricVerdicts   []MetricVerdict
}

func fieldValue(md baseline.Metadata, f MetadataField) string {
	switch f {
	case FieldFilter:
		return md.Filter
	case FieldThreads:
		return fmt.Sprint(md.Threads)
	case FieldWarmupSec:
		return fmt.Sprint(md.WarmupSec)
	case FieldDurationSec:
		return fmt.Sprint(md.DurationSec)
	case FieldTrafficMode:
		return md.TrafficMode
	case FieldTrafficTarget:
		return md.TrafficTarget
	case FieldTrafficRate:
		return fmt.Sprint(md.TrafficRate)
	case FieldInterface:
		return md.Interface
	case FieldOS:
		return md.OS
	case FieldBPFBufferSize:
		return fmt.Sprint(md.BPFBufferSize)
	case FieldGitSHA:
		return md.GitSHA
	default:
		return ""
	}
}

// checkMetadata compares current against the baseline's metadata block field
// by field. It does not special-case an empty baseline block: Evaluate
// handles that case before calling it, and the record's Valid() is checked
// separately by the caller that loads the baseline.
func checkMetadata(log *slog.Logger, base, current baseline.Metadata) ([]FieldMismatch, []FieldMismatch) {
	var fatal, warn []FieldMismatch
	for _, f := range mustMatchFields {
		bv, cv := fieldValue(base, f), fieldValue(current, f)
		if bv != cv {
			fatal = append(fatal, FieldMismatch{Field: f, MustMatch: true, BaselineVal: bv, CurrentVal: cv})
		}
	}
	for _, f := range warnOnlyFields {
		bv, cv := fieldValue(base, f), fieldValue(current, f)
		if bv != cv {
			warn = append(warn, FieldMismatch{Field: f, MustMatch: false, BaselineVal: bv, CurrentVal: cv})
			if log != nil {
				log.Warn("judge: metadata field differs from baseline (warn-only)", "field", f, "baseline", bv, "current", cv)
			}
		}
	}
	return fatal, warn
}

// Evaluate runs the full §4.I judgment: metadata compatibility against
// currentMD, then per-run per-metric regression checks with K-of-N
// persistence. If any must-match field mismatches, MetadataOK is false and
// metric comparison is skipped entirely (S5: "per-metric comparison not
// performed"). When the baseline has no metadata at all (a zero-value
// Metadata, indistinguishable from "wasn't recorded"), compatibility passes
// with a warning rather than flagging every must-match field as mismatched.
func Evaluate(log *slog.Logger, base baseline.Record, currentMD baseline.Metadata, runs []RunMetrics, threshold float64) Report {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if base.Metadata == (baseline.Metadata{}) {
		if log != nil {
			log.Warn("judge: baseline has no metadata block, skipping compatibility check")
		}
		verdicts := evaluateMetrics(base, runs, threshold)
		return Report{
			Outcome:        outcomeFrom(verdicts),
			MetadataOK:     true,
			MetricVerdicts: verdicts,
		}
	}

	fatal, warn := checkMetadata(log, base.Metadata, currentMD)
	if len(fatal) > 0 {
		return Report{
			Outcome:         Regression,
			MetadataOK:      false,
			FatalMismatches: fatal,
			WarnMismatches:  warn,
		}
	}

	verdicts := evaluateMetrics(base, runs, threshold)
	return Report{
		Outcome:        outcomeFrom(verdicts),
		MetadataOK:     true,
		WarnMismatches: warn,
		MetricVerdicts: verdicts,
	}
}

func evaluateMetrics(base baseline.Record, runs []RunMetrics, threshold float64) []MetricVerdict {
	n := len(runs)
	if n == 0 {
		return nil
	}
	needed := int(math.Ceil(0.6 * float64(n)))
	if needed < 1 {
		needed = 1
	}

	verdicts := make([]MetricVerdict, 0, len(allMetrics))
	for _, m := range allMetrics {
		flags := make([]bool, n)
		count := 0
		for i, r := range runs {
			regressed := isRegressed(m, base, r, threshold)
			flags[i] = regressed
			if regressed {
				count++
			}
		}
		verdicts = append(verdicts, MetricVerdict{
			Metric:     m,
			Regressed:  flags,
			Persistent: count >= needed,
		})
	}
	return verdicts
}

func isRegressed(m Metric, base baseline.Record, r RunMetrics, threshold float64) bool {
	switch m {
	case MetricPPS:
		return r.PPS < base.Packets.RatePPS*(1-threshold)
	case MetricMbps:
		return r.Mbps < base.Bytes.RateMbps*(1-threshold)
	case MetricLatency:
		return r.P95NS > float64(base.LatencyNS.P95)*(1+threshold)
	case MetricDropRate:
		baseDrop := base.DropRate()
		if baseDrop > 0 {
			return r.DropRate > baseDrop*(1+threshold)
		}
		return r.DropRate > threshold
	default:
		return false
	}
}

func outcomeFrom(verdicts []MetricVerdict) Outcome {
	for _, v := range verdicts {
		if v.Persistent {
			return Regression
		}
	}
	return Pass
}
