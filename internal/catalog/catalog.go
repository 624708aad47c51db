// Package catalog resolves source instrument names to broker instrument ids and
// specs, and quantizes volume and price to what the broker will accept.
package catalog

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/brokerapi"
)

// UnknownSymbol is returned by Resolve when a name cannot be mapped to a broker
// instrument through either the custom map or the broker's own dynamic catalog.
// The catalog never fabricates an id.
const UnknownSymbol = "unknown"

// Catalog holds one account's instrument catalog and naming configuration.
type Catalog struct {
	prefix string
	suffix string
	custom map[string]string // upper(source name) -> upper(broker name)

	mu          sync.RWMutex
	byName      map[string]brokerapi.Instrument // upper(broker name) -> spec
	allowForex  bool
}

// New builds a Catalog for one account. prefix/suffix are stripped from source
// names before lookup; custom maps take precedence over prefix/suffix stripping.
func New(prefix, suffix string, custom map[string]string, allowForexLotFallback bool) *Catalog {
	normalized := make(map[string]string, len(custom))
	for k, v := range custom {
		normalized[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return &Catalog{
		prefix:     prefix,
		suffix:     suffix,
		custom:     normalized,
		byName:     make(map[string]brokerapi.Instrument),
		allowForex: allowForexLotFallback,
	}
}

// Load replaces the catalog's instrument set, keyed by upper-cased broker name.
func (c *Catalog) Load(instruments []brokerapi.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]brokerapi.Instrument, len(instruments))
	for _, inst := range instruments {
		c.byName[strings.ToUpper(inst.Name)] = inst
	}
}

// NormalizeName converts a source instrument name into the broker's naming
// convention: (1) custom map override, (2) strip configured prefix/suffix,
// (3) upper-case.
func (c *Catalog) NormalizeName(sourceSymbol string) string {
	raw := strings.ToUpper(strings.TrimSpace(sourceSymbol))

	if mapped, ok := c.custom[raw]; ok {
		return mapped
	}

	name := raw
	if c.prefix != "" && strings.HasPrefix(name, strings.ToUpper(c.prefix)) {
		name = name[len(c.prefix):]
	}
	if c.suffix != "" && strings.HasSuffix(name, strings.ToUpper(c.suffix)) {
		name = name[:len(name)-len(c.suffix)]
	}
	return name
}

// Resolve returns the broker instrument spec for a source symbol name, or
// ok=false if it cannot be resolved. It never returns a fabricated id: if the
// normalized name is not present in the broker's own dynamic catalog, the
// result is the zero Instrument and ok=false (callers should treat the symbol
// as UnknownSymbol and skip the event).
func (c *Catalog) Resolve(sourceSymbol string) (brokerapi.Instrument, bool) {
	name := c.NormalizeName(sourceSymbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byName[name]
	return inst, ok
}

// QuantizeVolume clamps v to [min,max], snaps to the nearest step from min, then
// re-clamps to min. If both min and step are unset (zero) the raw value passes
// through unchanged, since the broker gave us nothing to quantize against; if
// only step is unset, v is clamped but not snapped. An unset (zero) max means
// no upper clamp.
func QuantizeVolume(v, min, step, max int64) int64 {
	if min == 0 && step == 0 {
		return v
	}
	if v < min {
		v = min
	}
	if max > 0 && v > max {
		v = max
	}
	if step > 0 {
		offset := v - min
		snapped := min + roundToStep(offset, step)
		v = snapped
	}
	if v < min {
		v = min
	}
	return v
}

func roundToStep(offset, step int64) int64 {
	if step <= 0 {
		return offset
	}
	half := step / 2
	steps := (offset + half) / step
	return steps * step
}

// LotsToUnits converts source lots to broker native units using the instrument's
// own lot size when known. If the instrument's lot size is unknown (zero), the
// conversion fails closed (ok=false) unless allowForex is set on the catalog, in
// which case it falls back to the documented 100,000-units/lot forex convention.
// This fallback must be an explicit operator opt-in: auto-detecting metal vs.
// forex by symbol-name substring risks silently mispricing any instrument whose
// name doesn't match the heuristic.
func (c *Catalog) LotsToUnits(lots decimal.Decimal, inst brokerapi.Instrument) (int64, bool) {
	if inst.LotSize > 0 {
		units := lots.Mul(decimal.NewFromInt(inst.LotSize)).Round(0)
		return units.IntPart(), true
	}
	if !c.allowForex {
		return 0, false
	}
	const forexUnitsPerLot = 100000
	units := lots.Mul(decimal.NewFromInt(forexUnitsPerLot)).Round(0)
	return units.IntPart(), true
}

// QuantizePrice rounds p to the instrument's digits, half-up away from zero
// (decimal.Decimal.Round already rounds half away from zero). If digits is
// negative (unknown) the price passes through unchanged.
func QuantizePrice(p decimal.Decimal, digits int32) decimal.Decimal {
	if digits < 0 {
		return p
	}
	return p.Round(digits)
}
