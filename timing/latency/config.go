package latency

import (
	"errors"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// ErrInvalidConfig is returned by Validate for unusable latency values.
var ErrInvalidConfig = errors.New("invalid timing config")

// TimingConfig holds latency values for the instruction classes the in-order
// core distinguishes.
type TimingConfig struct {
	// ALULatency covers ADD, SUB, logical ops and move-wide. Default: 1.
	ALULatency uint64 `yaml:"alu_latency"`

	// BranchLatency is the resolve latency of any branch. Default: 1.
	BranchLatency uint64 `yaml:"branch_latency"`

	// MispredictPenalty is the fetch bubble after a branch the predictor
	// got wrong. Default: 2.
	MispredictPenalty uint64 `yaml:"mispredict_penalty"`

	// LoadLatency is added on top of the L1D access. Default: 1.
	LoadLatency uint64 `yaml:"load_latency"`

	// StoreLatency is added on top of the L1D access. Default: 1.
	StoreLatency uint64 `yaml:"store_latency"`

	// SyscallLatency covers SVC and ERET. Default: 10.
	SyscallLatency uint64 `yaml:"syscall_latency"`

	// L1IHitLatency, L1DHitLatency and MemoryLatency feed the timing caches.
	L1IHitLatency uint64 `yaml:"l1i_hit_latency"`
	L1DHitLatency uint64 `yaml:"l1d_hit_latency"`
	MemoryLatency uint64 `yaml:"memory_latency"`
}

// DefaultTimingConfig returns the base core's default latencies.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		ALULatency:        1,
		BranchLatency:     1,
		MispredictPenalty: 2,
		LoadLatency:       1,
		StoreLatency:      1,
		SyscallLatency:    10,
		L1IHitLatency:     1,
		L1DHitLatency:     3,
		MemoryLatency:     100,
	}
}

// LoadConfig loads a TimingConfig from a YAML (or JSON) file. Fields absent
// from the file keep their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig writes a TimingConfig as YAML.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that every latency on the execute path is non-zero and
// that memory is no faster than the caches.
func (c *TimingConfig) Validate() error {
	nonZero := []struct {
		name  string
		value uint64
	}{
		{"alu_latency", c.ALULatency},
		{"branch_latency", c.BranchLatency},
		{"load_latency", c.LoadLatency},
		{"store_latency", c.StoreLatency},
		{"syscall_latency", c.SyscallLatency},
		{"l1i_hit_latency", c.L1IHitLatency},
		{"l1d_hit_latency", c.L1DHitLatency},
	}
	for _, f := range nonZero {
		if f.value == 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, f.name)
		}
	}

	if c.MemoryLatency < c.L1DHitLatency || c.MemoryLatency < c.L1IHitLatency {
		return fmt.Errorf("%w: memory_latency must be >= the L1 hit latencies",
			ErrInvalidConfig)
	}

	return nil
}

// Clone returns a copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
