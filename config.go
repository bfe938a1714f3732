package murty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-yaml"
)

// Config holds the tunables of a Solver. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	// Tolerance for deciding that a multiplier or slack violates its bound.
	Tolerance float64 `yaml:"tolerance"`
	// IterationLimit scales the pivot budget, which is IterationLimit times
	// the number of unilateral and friction constraints (times the number of
	// friction iterations), plus one.
	IterationLimit int `yaml:"iteration_limit"`
	// BlockPivoting starts every pivoting loop in block mode.
	BlockPivoting bool `yaml:"block_pivoting"`
	// Patience is the number of block pivoting iterations allowed without a
	// drop in the number of violations before falling back to single
	// pivots.
	Patience int `yaml:"patience"`
	// RebuildRatio triggers a rebuild of A when the number of unilateral and
	// friction constraints divided by the number of constraint slots in A
	// falls to or below it.
	RebuildRatio float64 `yaml:"rebuild_ratio"`
	// AdaptiveRebuild rebuilds A instead of updating it when the initial
	// pivots are estimated to cost more than half an analysis.
	AdaptiveRebuild bool `yaml:"adaptive_rebuild"`
	// UpdateBetweenSolves lets A be updated with pivots from one solve to the
	// next. If false, A is rebuilt on every solve.
	UpdateBetweenSolves bool `yaml:"update_between_solves"`
	// NTFrictionActivity keeps contact activity unfrozen during friction
	// iterations after the first.
	NTFrictionActivity bool `yaml:"nt_friction_activity"`
	// HybridSolves enables iterative solves, preconditioned by the last
	// factorization, for problems without unilateral constraints.
	HybridSolves bool `yaml:"hybrid_solves"`
	// HybridRatio is the fraction of the average direct solve time that the
	// average hybrid solve time must stay below.
	HybridRatio float64 `yaml:"hybrid_ratio"`
	// HybridTolExp is the exponent of the relative residual, 10^-HybridTolExp,
	// at which a hybrid solve is accepted.
	HybridTolExp int `yaml:"hybrid_tol_exp"`
	// TimingWeight is the smoothing weight of the running solve time
	// averages.
	TimingWeight float64 `yaml:"timing_weight"`
	// CheckConsistency panics whenever the A constraint bookkeeping or the
	// J row back references become inconsistent.
	CheckConsistency bool `yaml:"check_consistency"`

	Log *slog.Logger `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Tolerance:           1e-10,
		IterationLimit:      10,
		BlockPivoting:       true,
		Patience:            4,
		RebuildRatio:        0.1,
		AdaptiveRebuild:     true,
		UpdateBetweenSolves: true,
		NTFrictionActivity:  true,
		HybridRatio:         0.8,
		HybridTolExp:        10,
		TimingWeight:        0.25,
	}
}

// LoadConfig decodes a YAML document over the defaults. Unknown keys are an
// error.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r, yaml.DisallowUnknownField())
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding solver config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults replaces the fields that validate would reject, and the
// hybrid tolerance exponent if it is not positive, by their defaults.
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Tolerance < 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.IterationLimit <= 0 {
		cfg.IterationLimit = def.IterationLimit
	}
	if cfg.Patience <= 0 {
		cfg.Patience = def.Patience
	}
	if cfg.TimingWeight <= 0 || cfg.TimingWeight > 1 {
		cfg.TimingWeight = def.TimingWeight
	}
	if cfg.HybridTolExp <= 0 {
		cfg.HybridTolExp = def.HybridTolExp
	}
	return cfg
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Tolerance < 0:
		return fmt.Errorf("negative tolerance %v: %w", cfg.Tolerance, ErrInput)
	case cfg.IterationLimit <= 0:
		return fmt.Errorf("iteration limit %v must be positive: %w", cfg.IterationLimit, ErrInput)
	case cfg.Patience <= 0:
		return fmt.Errorf("patience %v must be positive: %w", cfg.Patience, ErrInput)
	case cfg.TimingWeight <= 0 || cfg.TimingWeight > 1:
		return fmt.Errorf("timing weight %v outside (0,1]: %w", cfg.TimingWeight, ErrInput)
	}
	return nil
}
