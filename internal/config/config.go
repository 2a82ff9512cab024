// Package config is the ambient configuration layer: a plain struct with a
// Validate method that fills in defaults and rejects missing required
// fields, matching tools/uping's ListenerConfig.Validate convention.
package config

import "fmt"

const (
	// DefaultRuns is N, the number of independent measurement runs.
	DefaultRuns = 5
	// DefaultWarmupSec is the warmup window duration.
	DefaultWarmupSec = 2
	// DefaultDurationSec is the measurement window duration.
	DefaultDurationSec = 10
	// DefaultWorkers is the worker pool size.
	DefaultWorkers = 4
	// DefaultQueueCapacity is Q, the bounded queue capacity.
	DefaultQueueCapacity = 100
	// DefaultThreshold is θ, the regression threshold.
	DefaultThreshold = 0.10
	// DefaultMinPackets is the minimum total processed packets for a
	// sufficient sample.
	DefaultMinPackets = 200
	// DefaultBPFBufferSize is the BSD/macOS BPF device read buffer size.
	DefaultBPFBufferSize = 128 * 1024
)

// Config is the full set of knobs the measurement controller and judge need
// for one invocation. CLI flag parsing that populates this struct is an
// external collaborator (§1); this package only owns defaulting and
// validation.
type Config struct {
	Interface        string
	AttachICMPFilter bool
	Promiscuous      bool
	BPFBufferSize    int

	Runs        int
	WarmupSec   int
	DurationSec int
	Workers     int
	QueueDepth  int

	TrafficCommand string
	TrafficArgs    []string
	TrafficMode    string
	TrafficTarget  string
	TrafficRate    int

	MinPackets uint64
	Threshold  float64

	BaselinePath string
	Regression   bool
	WriteReport  string

	MetricsAddr string
}

// Validate fills in defaults and rejects configurations the pipeline cannot
// run with.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface is required")
	}
	if c.Runs <= 0 {
		c.Runs = DefaultRuns
	}
	if c.WarmupSec < 0 {
		return fmt.Errorf("config: warmup_sec must be >= 0")
	}
	if c.DurationSec < 0 {
		return fmt.Errorf("config: duration_sec must be >= 0")
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueCapacity
	}
	if c.BPFBufferSize <= 0 {
		c.BPFBufferSize = DefaultBPFBufferSize
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinPackets == 0 {
		c.MinPackets = DefaultMinPackets
	}
	if c.Regression && c.BaselinePath == "" {
		return fmt.Errorf("config: baseline path is required when regression mode is enabled")
	}
	return nil
}

// FilterName returns the human-readable filter identifier recorded in
// baseline metadata (§6 metadata.filter).
func (c *Config) FilterName() string {
	if c.AttachICMPFilter {
		return "icmp"
	}
	return "none"
}
