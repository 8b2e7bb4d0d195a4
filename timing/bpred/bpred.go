// Package bpred provides the branch predictor of the base core: a table of
// 2-bit saturating counters indexed by PC, plus a direct-mapped branch
// target buffer.
package bpred

import (
	"fmt"
	"math/bits"
)

// Config sizes the predictor. Both sizes must be powers of two.
type Config struct {
	BHTSize uint32 `yaml:"bht_size"`
	BTBSize uint32 `yaml:"btb_size"`
}

// DefaultConfig returns a 1024-entry BHT and a 256-entry BTB.
func DefaultConfig() Config {
	return Config{BHTSize: 1024, BTBSize: 256}
}

// Validate checks the table sizes.
func (c Config) Validate() error {
	if c.BHTSize == 0 || bits.OnesCount32(c.BHTSize) != 1 {
		return fmt.Errorf("bht size %d is not a power of two", c.BHTSize)
	}
	if c.BTBSize == 0 || bits.OnesCount32(c.BTBSize) != 1 {
		return fmt.Errorf("btb size %d is not a power of two", c.BTBSize)
	}
	return nil
}

// Statistics counts predictor outcomes.
type Statistics struct {
	Predictions    uint64
	Mispredictions uint64
	BTBHits        uint64
	BTBMisses      uint64
}

// Accuracy returns the fraction of correct predictions.
func (s Statistics) Accuracy() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Predictions-s.Mispredictions) / float64(s.Predictions)
}

// Prediction is the fetch-time guess for one branch.
type Prediction struct {
	Taken       bool
	Target      uint64
	TargetKnown bool
}

// Correct reports whether p matches the resolved outcome. A taken branch
// is only predicted correctly when the BTB supplied its target.
func (p Prediction) Correct(taken bool, target uint64) bool {
	if p.Taken != taken {
		return false
	}
	return !taken || (p.TargetKnown && p.Target == target)
}

type btbEntry struct {
	valid  bool
	pc     uint64
	target uint64
}

// Predictor is a bimodal predictor with a BTB.
type Predictor struct {
	bht   []uint8
	btb   []btbEntry
	stats Statistics
}

// New creates a predictor. It panics on an invalid Config.
func New(cfg Config) *Predictor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("bpred: %v", err))
	}

	p := &Predictor{
		bht: make([]uint8, cfg.BHTSize),
		btb: make([]btbEntry, cfg.BTBSize),
	}
	p.Reset()
	return p
}

func (p *Predictor) index(pc uint64, size int) int {
	return int(pc>>2) & (size - 1)
}

// Predict looks up the branch at pc.
func (p *Predictor) Predict(pc uint64) Prediction {
	pred := Prediction{Taken: p.bht[p.index(pc, len(p.bht))] >= 2}

	e := p.btb[p.index(pc, len(p.btb))]
	if e.valid && e.pc == pc {
		pred.Target = e.target
		pred.TargetKnown = true
		p.stats.BTBHits++
	} else {
		p.stats.BTBMisses++
	}

	return pred
}

// Resolve scores pred against the outcome and trains the tables. It
// reports whether the branch was mispredicted.
func (p *Predictor) Resolve(pc uint64, pred Prediction, taken bool, target uint64) bool {
	p.stats.Predictions++
	mispredicted := !pred.Correct(taken, target)
	if mispredicted {
		p.stats.Mispredictions++
	}

	i := p.index(pc, len(p.bht))
	switch {
	case taken && p.bht[i] < 3:
		p.bht[i]++
	case !taken && p.bht[i] > 0:
		p.bht[i]--
	}

	if taken {
		p.btb[p.index(pc, len(p.btb))] = btbEntry{valid: true, pc: pc, target: target}
	}

	return mispredicted
}

// Stats returns the counters.
func (p *Predictor) Stats() Statistics {
	return p.stats
}

// Reset sets every counter to weakly taken and empties the BTB.
func (p *Predictor) Reset() {
	for i := range p.bht {
		p.bht[i] = 2
	}
	clear(p.btb)
	p.stats = Statistics{}
}
