package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrategyVariant selects the threshold profile a symbol trades with. The
// rule shape is identical across variants; only the numbers (and the
// selective momentum filter) differ.
type StrategyVariant string

const (
	VariantConservative StrategyVariant = "conservative"
	VariantSelective    StrategyVariant = "selective"
	VariantAggressive   StrategyVariant = "aggressive"
)

// CoinParams holds the per-symbol trading parameters, loaded once at
// startup and read-only afterwards. Thresholds are always coin-specific;
// hard-coded global thresholds silently filter out low-volatility symbols.
type CoinParams struct {
	Symbol          string          `yaml:"symbol"`
	Excluded        bool            `yaml:"excluded"`
	StrategyVariant StrategyVariant `yaml:"strategy_variant"`

	HybridVolThresholdPct float64 `yaml:"hybrid_vol_threshold_pct"`
	ATRVolThresholdPct    float64 `yaml:"atr_vol_threshold_pct"`
	BBBandMin             float64 `yaml:"bb_band_min"`
	BBBandMax             float64 `yaml:"bb_band_max"`
	BBBandwidthThreshold  float64 `yaml:"bb_bandwidth_threshold"`
	MinSignalStrength     float64 `yaml:"min_signal_strength"`
	MomentumFloor         float64 `yaml:"momentum_floor"` // selective only; 0 disables
	CooldownSeconds       int     `yaml:"cooldown_seconds"`

	PositionSizeFraction  float64 `yaml:"position_size_fraction"`
	Leverage              int     `yaml:"leverage"`
	HardStopATRMultiplier float64 `yaml:"hard_stop_atr_multiplier"`
	MinLossFloorPct       float64 `yaml:"min_loss_floor_pct"`
}

// Defaults returns the baseline parameter set for a variant. Symbol files
// override individual fields on top of these.
func Defaults(symbol string, variant StrategyVariant) CoinParams {
	p := CoinParams{
		Symbol:                symbol,
		StrategyVariant:       variant,
		MinSignalStrength:     0.5,
		PositionSizeFraction:  0.02,
		Leverage:              10,
		HardStopATRMultiplier: 2.0,
		MinLossFloorPct:       0.01,
	}

	switch variant {
	case VariantSelective:
		p.HybridVolThresholdPct = 0.0008
		p.ATRVolThresholdPct = 0.0030
		p.BBBandMin = 0.48
		p.BBBandMax = 0.52
		p.BBBandwidthThreshold = 0.001
		p.MomentumFloor = 1e-4
		p.CooldownSeconds = 300
	case VariantAggressive:
		p.HybridVolThresholdPct = 0.0002
		p.ATRVolThresholdPct = 0.0010
		p.BBBandMin = 0.35
		p.BBBandMax = 0.65
		p.BBBandwidthThreshold = 0.003
		p.CooldownSeconds = 180
	default: // conservative
		p.StrategyVariant = VariantConservative
		p.HybridVolThresholdPct = 0.0004
		p.ATRVolThresholdPct = 0.0015
		p.BBBandMin = 0.40
		p.BBBandMax = 0.60
		p.BBBandwidthThreshold = 0.002
		p.CooldownSeconds = 300
	}

	return p
}

// Validate checks the invariants enforced at load time.
func (p CoinParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("coin params: empty symbol")
	}
	switch p.StrategyVariant {
	case VariantConservative, VariantSelective, VariantAggressive:
	default:
		return fmt.Errorf("coin params %s: unknown strategy variant %q", p.Symbol, p.StrategyVariant)
	}
	if p.BBBandMin >= p.BBBandMax {
		return fmt.Errorf("coin params %s: bb_band_min %.4f >= bb_band_max %.4f", p.Symbol, p.BBBandMin, p.BBBandMax)
	}
	if p.BBBandMin < 0 || p.BBBandMax > 1 {
		return fmt.Errorf("coin params %s: band window [%.4f, %.4f] outside [0,1]", p.Symbol, p.BBBandMin, p.BBBandMax)
	}
	if p.HybridVolThresholdPct <= 0 || p.ATRVolThresholdPct <= 0 {
		return fmt.Errorf("coin params %s: volatility thresholds must be positive", p.Symbol)
	}
	if p.BBBandwidthThreshold <= 0 {
		return fmt.Errorf("coin params %s: bb_bandwidth_threshold must be positive", p.Symbol)
	}
	if p.CooldownSeconds < 0 {
		return fmt.Errorf("coin params %s: negative cooldown", p.Symbol)
	}
	if p.PositionSizeFraction <= 0 || p.PositionSizeFraction > 1 {
		return fmt.Errorf("coin params %s: position_size_fraction %.4f outside (0,1]", p.Symbol, p.PositionSizeFraction)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("coin params %s: leverage %d < 1", p.Symbol, p.Leverage)
	}
	if p.HardStopATRMultiplier < 1.0 {
		return fmt.Errorf("coin params %s: hard_stop_atr_multiplier %.2f < 1.0", p.Symbol, p.HardStopATRMultiplier)
	}
	if p.MinLossFloorPct <= 0 {
		return fmt.Errorf("coin params %s: min_loss_floor_pct must be positive", p.Symbol)
	}
	return nil
}

// coinParamsFile mirrors the on-disk YAML layout: a default variant plus
// per-symbol overrides.
type coinParamsFile struct {
	DefaultVariant StrategyVariant `yaml:"default_variant"`
	Coins          []coinOverride  `yaml:"coins"`
}

type coinOverride struct {
	Symbol          string           `yaml:"symbol"`
	Excluded        *bool            `yaml:"excluded"`
	StrategyVariant *StrategyVariant `yaml:"strategy_variant"`

	HybridVolThresholdPct *float64 `yaml:"hybrid_vol_threshold_pct"`
	ATRVolThresholdPct    *float64 `yaml:"atr_vol_threshold_pct"`
	BBBandMin             *float64 `yaml:"bb_band_min"`
	BBBandMax             *float64 `yaml:"bb_band_max"`
	BBBandwidthThreshold  *float64 `yaml:"bb_bandwidth_threshold"`
	MinSignalStrength     *float64 `yaml:"min_signal_strength"`
	MomentumFloor         *float64 `yaml:"momentum_floor"`
	CooldownSeconds       *int     `yaml:"cooldown_seconds"`

	PositionSizeFraction  *float64 `yaml:"position_size_fraction"`
	Leverage              *int     `yaml:"leverage"`
	HardStopATRMultiplier *float64 `yaml:"hard_stop_atr_multiplier"`
	MinLossFloorPct       *float64 `yaml:"min_loss_floor_pct"`
}

// Load reads a coin-parameter YAML file and returns the validated
// per-symbol map.
func Load(path string) (map[string]CoinParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coin params: %w", err)
	}
	return Parse(data)
}

// Parse builds the per-symbol parameter map from raw YAML.
func Parse(data []byte) (map[string]CoinParams, error) {
	var file coinParamsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing coin params: %w", err)
	}

	if file.DefaultVariant == "" {
		file.DefaultVariant = VariantConservative
	}

	out := make(map[string]CoinParams, len(file.Coins))
	for _, c := range file.Coins {
		if _, dup := out[c.Symbol]; dup {
			return nil, fmt.Errorf("coin params: duplicate symbol %s", c.Symbol)
		}

		variant := file.DefaultVariant
		if c.StrategyVariant != nil {
			variant = *c.StrategyVariant
		}
		p := Defaults(c.Symbol, variant)
		c.apply(&p)

		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[c.Symbol] = p
	}

	return out, nil
}

func (c coinOverride) apply(p *CoinParams) {
	if c.Excluded != nil {
		p.Excluded = *c.Excluded
	}
	if c.HybridVolThresholdPct != nil {
		p.HybridVolThresholdPct = *c.HybridVolThresholdPct
	}
	if c.ATRVolThresholdPct != nil {
		p.ATRVolThresholdPct = *c.ATRVolThresholdPct
	}
	if c.BBBandMin != nil {
		p.BBBandMin = *c.BBBandMin
	}
	if c.BBBandMax != nil {
		p.BBBandMax = *c.BBBandMax
	}
	if c.BBBandwidthThreshold != nil {
		p.BBBandwidthThreshold = *c.BBBandwidthThreshold
	}
	if c.MinSignalStrength != nil {
		p.MinSignalStrength = *c.MinSignalStrength
	}
	if c.MomentumFloor != nil {
		p.MomentumFloor = *c.MomentumFloor
	}
	if c.CooldownSeconds != nil {
		p.CooldownSeconds = *c.CooldownSeconds
	}
	if c.PositionSizeFraction != nil {
		p.PositionSizeFraction = *c.PositionSizeFraction
	}
	if c.Leverage != nil {
		p.Leverage = *c.Leverage
	}
	if c.HardStopATRMultiplier != nil {
		p.HardStopATRMultiplier = *c.HardStopATRMultiplier
	}
	if c.MinLossFloorPct != nil {
		p.MinLossFloorPct = *c.MinLossFloorPct
	}
}
