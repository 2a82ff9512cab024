// Package baseline implements the §6 JSON schema: the on-disk
// Baseline/metrics record, its load/save mechanics, and the mapping from a
// metrics.Snapshot into that schema.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/linkbench/internal/metrics"
)

// loadRetries bounds retries for a transient baseline-read failure (e.g. the
// file briefly locked by a concurrent writer). A missing file or malformed
// JSON is not transient and is returned on the first attempt.
const loadRetries = 2

// Metadata is the §4.I compatibility-checked metadata block. Must-match
// fields are Filter/Threads/WarmupSec/DurationSec/TrafficMode/TrafficTarget/
// TrafficRate; Interface/OS/BPFBufferSize/GitSHA are warn-only.
type Metadata struct {
	Interface      string `json:"interface"`
	Filter         string `json:"filter"`
	Threads        int    `json:"threads"`
	BPFBufferSize  int    `json:"bpf_buffer_size"`
	DurationSec    int    `json:"duration_sec"`
	WarmupSec      int    `json:"warmup_sec"`
	TrafficMode    string `json:"traffic_mode"`
	TrafficTarget  string `json:"traffic_target"`
	TrafficRate    int    `json:"traffic_rate"`
	OS             string `json:"os"`
	GitSHA         string `json:"git_sha"`
}

type packets struct {
	Captured  uint64  `json:"captured"`
	Processed uint64  `json:"processed"`
	RatePPS   float64 `json:"rate_pps"`
}

type bytesBlock struct {
	Captured  uint64  `json:"captured"`
	Processed uint64  `json:"processed"`
	RateMbps  float64 `json:"rate_mbps"`
}

type errorsBlock struct {
	ParseErrors      uint64 `json:"parse_errors"`
	ChecksumFailures uint64 `json:"checksum_failures"`
	QueueDrops       uint64 `json:"queue_drops"`
	CaptureDrops     uint64 `json:"capture_drops"`
}

type ethertypeBlock struct {
	IPv4  uint64 `json:"ipv4"`
	IPv6  uint64 `json:"ipv6"`
	ARP   uint64 `json:"arp"`
	Other uint64 `json:"other"`
}

type protocolsBlock struct {
	TCP   uint64 `json:"tcp"`
	UDP   uint64 `json:"udp"`
	ICMP  uint64 `json:"icmp"`
	Other uint64 `json:"other"`
}

type queueBlock struct {
	DepthMax uint32 `json:"depth_max"`
}

type latencyBlock struct {
	Count uint64 `json:"count"`
	Sum   uint64 `json:"sum"`
	Avg   uint64 `json:"avg"`
	Max   uint64 `json:"max"`
	P50   uint64 `json:"p50"`
	P95   uint64 `json:"p95"`
	P99   uint64 `json:"p99"`
}

// Record is the full §6 on-disk schema: a single snapshot plus metadata,
// usable both as a live run's report and as a stored regression baseline.
type Record struct {
	ElapsedSec        float64               `json:"elapsed_sec"`
	CaptureElapsedSec float64               `json:"capture_elapsed_sec"`
	Packets           packets               `json:"packets"`
	Bytes             bytesBlock            `json:"bytes"`
	Errors            errorsBlock           `json:"errors"`
	Ethertype         ethertypeBlock        `json:"ethertype"`
	Protocols         protocolsBlock        `json:"protocols"`
	Queue             queueBlock            `json:"queue"`
	LatencyNS         latencyBlock          `json:"latency_ns"`
	LatencyHistogram  [metrics.HistogramBuckets]uint64 `json:"latency_histogram"`
	Metadata          Metadata              `json:"metadata"`
}

// FromSnapshot builds a Record from a metrics snapshot and the run's
// metadata, computing rate_pps/rate_mbps directly rather than leaving them
// to recomputation on load.
func FromSnapshot(snap metrics.Snapshot, md Metadata) Record {
	r := Record{
		ElapsedSec:        snap.ElapsedSec,
		CaptureElapsedSec: snap.CaptureElapsedSec,
		Packets: packets{
			Captured:  snap.PktsCaptured,
			Processed: snap.PktsProcessed,
			RatePPS:   ratePPS(snap.PktsProcessed, snap.CaptureElapsedSec),
		},
		Bytes: bytesBlock{
			Captured:  snap.BytesCaptured,
			Processed: snap.BytesProcessed,
			RateMbps:  rateMbps(snap.BytesProcessed, snap.CaptureElapsedSec),
		},
		Errors: errorsBlock{
			ParseErrors:      snap.ParseErrors,
			ChecksumFailures: snap.ChecksumFailures,
			QueueDrops:       snap.QueueDrops,
			CaptureDrops:     snap.CaptureDrops,
		},
		Ethertype: ethertypeBlock{
			IPv4:  snap.EtherIPv4,
			IPv6:  snap.EtherIPv6,
			ARP:   snap.EtherARP,
			Other: snap.EtherOther,
		},
		Protocols: protocolsBlock{
			TCP:   snap.ProtoTCP,
			UDP:   snap.ProtoUDP,
			ICMP:  snap.ProtoICMP,
			Other: snap.ProtoOther,
		},
		Queue: queueBlock{DepthMax: snap.QueueDepthMax},
		LatencyNS: latencyBlock{
			Count: snap.LatencyCount,
			Sum:   snap.LatencySumNS,
			Avg:   snap.LatencyAvgNS,
			Max:   snap.LatencyMaxNS,
			P50:   snap.LatencyP50NS,
			P95:   snap.LatencyP95NS,
			P99:   snap.LatencyP99NS,
		},
		LatencyHistogram: snap.Histogram,
		Metadata:         md,
	}
	return r
}

func ratePPS(processed uint64, elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		return 0
	}
	return float64(processed) / elapsedSec
}

func rateMbps(bytesProcessed uint64, elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		return 0
	}
	return float64(bytesProcessed) * 8 / 1e6 / elapsedSec
}

// DropRate derives the fraction of captured packets that never reached
// processing, the aggregate drop-rate metric the Judge compares (§4.I).
func (r Record) DropRate() float64 {
	if r.Packets.Captured == 0 {
		return 0
	}
	dropped := r.Packets.Captured - r.Packets.Processed
	return float64(dropped) / float64(r.Packets.Captured)
}

// Valid reports whether this record can serve as a regression baseline
// (§3: "A baseline is valid if pps>0 or processed>0").
func (r Record) Valid() bool {
	return r.Packets.RatePPS > 0 || r.Packets.Processed > 0
}

// Load reads a Record from path. Missing JSON keys default to their zero
// value; a rate_pps or rate_mbps that is absent (zero) is recomputed from
// processed / capture_elapsed_sec rather than trusted as a literal zero
// rate, matching the loader contract in §6.
func Load(path string) (Record, error) {
	var data []byte
	readOp := func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if isTransientReadErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		data = b
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), loadRetries)
	if err := backoff.Retry(readOp, policy); err != nil {
		return Record{}, fmt.Errorf("baseline: read %q: %w", path, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("baseline: parse %q: %w", path, err)
	}
	if r.Packets.RatePPS == 0 {
		r.Packets.RatePPS = ratePPS(r.Packets.Processed, r.CaptureElapsedSec)
	}
	if r.Bytes.RateMbps == 0 {
		r.Bytes.RateMbps = rateMbps(r.Bytes.Processed, r.CaptureElapsedSec)
	}
	return r, nil
}

// Save writes r to path as indented JSON, formatting rate_mbps to 4 decimal
// places and rate_pps to 2 (§6) by rounding before marshal — encoding/json
// has no per-field precision directive, so the rounding happens here rather
// than via a struct tag.
func Save(path string, r Record) error {
	r.Packets.RatePPS = round(r.Packets.RatePPS, 2)
	r.Bytes.RateMbps = round(r.Bytes.RateMbps, 4)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("baseline: write %q: %w", path, err)
	}
	return nil
}

// isTransientReadErr reports whether err plausibly clears on its own shortly
// after (file briefly unavailable), as opposed to a permanent condition like
// a missing file or permission denial.
func isTransientReadErr(err error) bool {
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

func round(v float64, decimals int) float64 {
	p := 1.0
	for i := 0; i < decimals; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
