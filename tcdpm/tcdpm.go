// Package tcdpm provides ready-made device policy managers that plug into
// tcpe.Engine via SetCapabilityEvaluator/SetSinkCapabilityBuilder, covering
// the common constant-current, constant-voltage and constant-power charging
// profiles.
package tcdpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/Ralim/usb-pd/pdmsg"
	"github.com/Ralim/usb-pd/tcpe"
)

// Policy bundles parameter validation with the capability-evaluation
// interface tcpe.Engine expects from a device policy manager.
type Policy interface {
	Validate() error
	tcpe.CapabilityEvaluator
}

var (
	errBadCurrentPPS         = errors.New("tcdpm: current must be >= 1000mA & <= 5000mA")
	errBadVoltageWindow      = errors.New("tcdpm: voltage must be >= 3300mV & <= 21000mV")
	errBadCurrentFixed       = errors.New("tcdpm: current must be >= 0mA & <= 5000mA")
	errMaxCurrentLessThanMin = errors.New("tcdpm: max current must be >= min current")
	errMaxVoltageLessThanMin = errors.New("tcdpm: max voltage must be >= min voltage")
)

// cvCurrentMargin pads the requested current of a PPS match by 150mA so the
// source doesn't clamp right at the operating point under small load swings.
const cvCurrentMargin = 150 // mA

// overlapWindow intersects [reqMin, reqMax] with a PDO's own advertised
// voltage window, returning ok=false if the two ranges don't overlap at all.
func overlapWindow(reqMin, reqMax, pdoMin, pdoMax uint16) (min, max uint16, ok bool) {
	min, max = reqMin, reqMax
	if min < pdoMin {
		min = pdoMin
	}
	if max > pdoMax {
		max = pdoMax
	}
	return min, max, min <= max
}

// CCPolicy is a constant-current policy: the source is expected to drop
// voltage to hold the negotiated current, and raise it back up to the
// negotiated ceiling once load current falls. Useful for driving LEDs or
// charging Li-ion cells directly. Constant current is only reachable on PPS
// (or EPR AVS, via EPRCCPolicy) profiles — plenty of PD chargers advertise
// PPS support without actually regulating current correctly, so verify
// under real load before relying on this in a product.
type CCPolicy struct {
	// MinVoltage and MaxVoltage bound the acceptable operating voltage in
	// millivolts while current stays below MaxCurrent.
	MinVoltage uint16
	MaxVoltage uint16

	// MinCurrent and MaxCurrent are in milliamps. Per the PPS standard both
	// must be >= 1000mA. Higher currents up to MaxCurrent are preferred.
	MinCurrent uint16
	MaxCurrent uint16

	// PreferLowerVoltage picks the lowest matching voltage instead of the
	// default highest, when a source offers more than one usable profile.
	PreferLowerVoltage bool
}

// Validate returns an error if the policy's parameters fall outside what
// the PD PPS standard allows.
func (c CCPolicy) Validate() error {
	if c.MinCurrent < 1000 || c.MaxCurrent < 1000 || c.MinCurrent > 5000 || c.MaxCurrent > 5000 {
		return errBadCurrentPPS
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltageWindow
	}
	if c.MinCurrent > c.MaxCurrent {
		return errMaxCurrentLessThanMin
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapabilities picks the best matching PPS profile and returns a
// RequestDO for it, or pdmsg.EmptyRequestDO if nothing matches.
func (c CCPolicy) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var bestVoltage uint16
	if c.PreferLowerVoltage {
		bestVoltage = ^uint16(0)
	}
	rdo := pdmsg.EmptyRequestDO
	for i, p := range pdos {
		if p.Type() != pdmsg.PDOTypePPS {
			continue
		}
		pps := pdmsg.PPSPDO(p)
		minV, maxV, ok := overlapWindow(c.MinVoltage, c.MaxVoltage, pps.MinVoltage(), pps.MaxVoltage())
		if !ok || pps.MaxCurrent() < c.MinCurrent {
			continue
		}
		cur := pps.MaxCurrent()
		if cur > c.MaxCurrent {
			cur = c.MaxCurrent
		}
		if c.PreferLowerVoltage && minV < bestVoltage {
			rdo.SetSelectedObjectPosition(uint8(i) + 1)
			rdo.SetPPSOutputVoltage(minV)
			rdo.SetPPSOutputCurrent(cur)
			bestVoltage = minV
		} else if !c.PreferLowerVoltage && maxV > bestVoltage {
			rdo.SetSelectedObjectPosition(uint8(i) + 1)
			rdo.SetPPSOutputVoltage(maxV)
			rdo.SetPPSOutputCurrent(cur)
			bestVoltage = maxV
		}
	}
	return rdo
}

// CVPolicy is a constant-voltage policy: the source must hold the
// negotiated voltage and supply at least the negotiated current. It
// considers both fixed and PPS profiles, adding a small current margin on
// PPS matches so the source doesn't clamp right at the edge of its rating.
type CVPolicy struct {
	MinVoltage uint16
	MaxVoltage uint16

	// Current is the minimum current in milliamps the source must sustain
	// at the negotiated voltage.
	Current uint16

	PreferLowerVoltage bool

	// PreferPPS prefers a matching PPS profile over a matching fixed one
	// when both are available. Fixed wins by default.
	PreferPPS bool
}

// Validate returns an error if the policy's parameters are out of range.
func (c CVPolicy) Validate() error {
	if c.Current > 5000 {
		return errBadCurrentFixed
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltageWindow
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapabilities picks the best matching fixed or PPS profile.
func (c *CVPolicy) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	ppsMinCurrent := c.Current + cvCurrentMargin

	var bestFixedV, bestPPSV uint16
	if c.PreferLowerVoltage {
		bestFixedV, bestPPSV = ^uint16(0), ^uint16(0)
	}
	fixedRDO, ppsRDO := pdmsg.EmptyRequestDO, pdmsg.EmptyRequestDO

	for i, p := range pdos {
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			v := fs.Voltage()
			if v < c.MinVoltage || v > c.MaxVoltage || fs.MaxCurrent() < c.Current {
				continue
			}
			if (c.PreferLowerVoltage && v < bestFixedV) || (!c.PreferLowerVoltage && v > bestFixedV) {
				fixedRDO.SetSelectedObjectPosition(uint8(i) + 1)
				fixedRDO.SetFixedOperatingCurrent(c.Current)
				fixedRDO.SetFixedMaxOperatingCurrent(c.Current)
				bestFixedV = v
			}
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			minV, maxV, ok := overlapWindow(c.MinVoltage, c.MaxVoltage, pps.MinVoltage(), pps.MaxVoltage())
			if !ok || ppsMinCurrent > pps.MaxCurrent() {
				continue
			}
			if c.PreferLowerVoltage && minV < bestPPSV {
				ppsRDO.SetSelectedObjectPosition(uint8(i) + 1)
				ppsRDO.SetPPSOutputVoltage(minV)
				ppsRDO.SetPPSOutputCurrent(c.Current)
				bestPPSV = minV
			} else if !c.PreferLowerVoltage && maxV > bestPPSV {
				ppsRDO.SetSelectedObjectPosition(uint8(i) + 1)
				ppsRDO.SetPPSOutputVoltage(maxV)
				ppsRDO.SetPPSOutputCurrent(c.Current)
				bestPPSV = maxV
			}
		}
	}
	return pickFixedOrPPS(fixedRDO, ppsRDO, c.PreferPPS)
}

// CPPolicy is a constant-power policy: the source must be able to supply
// the requested wattage at the negotiated voltage. It's CVPolicy with the
// current derived from power/voltage at match time instead of fixed.
type CPPolicy struct {
	MinVoltage uint16
	MaxVoltage uint16

	// Power is the minimum power in milliwatts the source must sustain at
	// the negotiated voltage.
	Power uint16

	PreferLowerVoltage bool
	PreferPPS          bool
}

// EvaluateCapabilities picks the best matching fixed or PPS profile able to
// sustain Power milliwatts.
func (c *CPPolicy) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var bestFixedV, bestPPSV uint16
	if c.PreferLowerVoltage {
		bestFixedV, bestPPSV = ^uint16(0), ^uint16(0)
	}
	fixedRDO, ppsRDO := pdmsg.EmptyRequestDO, pdmsg.EmptyRequestDO

	for i, p := range pdos {
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			v := fs.Voltage()
			need := uint16(uint32(c.Power) * 1000 / uint32(v))
			if v < c.MinVoltage || v > c.MaxVoltage || fs.MaxCurrent() < need {
				continue
			}
			if (c.PreferLowerVoltage && v < bestFixedV) || (!c.PreferLowerVoltage && v > bestFixedV) {
				fixedRDO.SetSelectedObjectPosition(uint8(i) + 1)
				fixedRDO.SetFixedOperatingCurrent(need)
				fixedRDO.SetFixedMaxOperatingCurrent(need)
				bestFixedV = v
			}
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			minV, maxV, ok := overlapWindow(c.MinVoltage, c.MaxVoltage, pps.MinVoltage(), pps.MaxVoltage())
			if !ok {
				continue
			}
			needAtMax := uint16(uint32(c.Power)*1000/uint32(maxV)) + cvCurrentMargin
			lowestFeasibleV := uint32(c.Power) * 1000 / uint32(pps.MaxCurrent()-cvCurrentMargin)
			if lowestFeasibleV < uint32(minV) {
				lowestFeasibleV = uint32(minV)
			}
			if c.PreferLowerVoltage && lowestFeasibleV < uint32(bestPPSV) && lowestFeasibleV <= uint32(maxV) {
				ppsRDO.SetSelectedObjectPosition(uint8(i) + 1)
				ppsRDO.SetPPSOutputVoltage(uint16(lowestFeasibleV))
				ppsRDO.SetPPSOutputCurrent(uint16(uint32(c.Power) * 1000 / lowestFeasibleV))
				bestPPSV = uint16(lowestFeasibleV)
			} else if !c.PreferLowerVoltage && maxV > bestPPSV && needAtMax <= pps.MaxCurrent() {
				ppsRDO.SetSelectedObjectPosition(uint8(i) + 1)
				ppsRDO.SetPPSOutputVoltage(maxV)
				ppsRDO.SetPPSOutputCurrent(needAtMax)
				bestPPSV = maxV
			}
		}
	}
	return pickFixedOrPPS(fixedRDO, ppsRDO, c.PreferPPS)
}

// pickFixedOrPPS resolves the final RequestDO between a fixed and a PPS
// candidate: whichever one matched wins, and preferPPS breaks the tie when
// both did.
func pickFixedOrPPS(fixedRDO, ppsRDO pdmsg.RequestDO, preferPPS bool) pdmsg.RequestDO {
	if fixedRDO == pdmsg.EmptyRequestDO {
		return ppsRDO
	}
	if ppsRDO == pdmsg.EmptyRequestDO {
		return fixedRDO
	}
	if preferPPS {
		return ppsRDO
	}
	return fixedRDO
}

// EPRCCPolicy extends CCPolicy into EPR territory: once MaxVoltage climbs
// past the SPR ceiling, it requests EPR mode entry and evaluates the EPR
// capability list with CCPolicy's matching. That matching only considers
// PPS PDOs; EPR AVS PDOs in the list are skipped and never selected.
type EPRCCPolicy struct {
	CCPolicy
}

// WantsEPR requests EPR entry only when the configured voltage window
// actually needs it; otherwise negotiation stays in SPR via the embedded
// CCPolicy and the EPR handshake cost is skipped.
func (c EPRCCPolicy) WantsEPR(sprPDOs []pdmsg.PDO) bool {
	return c.MaxVoltage > 21000
}

// EvaluateEPRCapabilities reuses CCPolicy's matching logic against the EPR
// capability list; only its PPS PDOs can be selected.
func (c EPRCCPolicy) EvaluateEPRCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	return c.CCPolicy.EvaluateCapabilities(pdos)
}

// DefaultSinkCapabilities implements tcpe.SinkCapabilityBuilder with the
// simplest possible Sink_Capabilities advertisement: one 5V fixed profile
// at the given current. Suitable for sink devices that don't need to tell
// a dual-role partner anything more specific about their own power needs.
type DefaultSinkCapabilities struct {
	// MaxCurrent in milliamps the device can sink at 5V.
	MaxCurrent uint16
}

// BuildSinkCapabilities implements tcpe.SinkCapabilityBuilder.
func (d DefaultSinkCapabilities) BuildSinkCapabilities(isPD3 bool) []pdmsg.PDO {
	p := pdmsg.NewFixedSupplyPDO()
	p.SetVoltage(5000)
	p.SetMaxCurrent(d.MaxCurrent)
	return []pdmsg.PDO{pdmsg.PDO(p)}
}

// Logger wraps another Policy and writes a human-readable description of
// every Source_Capabilities list it sees before passing the call through,
// mostly useful while bringing up a new charger or debugging negotiation.
type Logger struct {
	w    io.Writer
	sep  string
	base Policy
}

// NewLogger returns a Logger that writes to w, separating lines with sep
// (commonly "\n", "\r" or "\r\n"). If base is nil, EvaluateCapabilities
// always responds with pdmsg.EmptyRequestDO after logging.
func NewLogger(w io.Writer, sep string, base Policy) *Logger {
	return &Logger{w: w, sep: sep, base: base}
}

// Validate delegates to the wrapped policy, if any.
func (l *Logger) Validate() error {
	if l.base != nil {
		return l.base.Validate()
	}
	return nil
}

// EvaluateCapabilities logs pdos then delegates to the wrapped policy.
func (l *Logger) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	fmt.Fprintf(l.w, "Received %d profiles:%s", len(pdos), l.sep)
	for i, p := range pdos {
		fmt.Fprintf(l.w, "  %d) ", i+1)
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			fmt.Fprintf(l.w, "Fixed %.1fV @ max. %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
		case pdmsg.PDOTypeVariableSupply:
			fmt.Fprint(l.w, "Variable (not supported)")
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			var limited string
			if pps.IsPowerLimited() {
				limited = " (power limited)"
			}
			minV, maxV, maxC := float32(pps.MinVoltage())/1000, float32(pps.MaxVoltage())/1000, float32(pps.MaxCurrent())/1000
			fmt.Fprintf(l.w, "Programmable %.1f-%.1fV @ max. %.1fA%s", minV, maxV, maxC, limited)
		case pdmsg.PDOTypeBattery:
			fmt.Fprint(l.w, "Battery (not supported)")
		case pdmsg.PDOTypeEPRAVS:
			fmt.Fprint(l.w, "EPRAVS (not supported)")
		default:
			fmt.Fprint(l.w, "INVALID!")
		}
		fmt.Fprint(l.w, l.sep)
	}
	if l.base != nil {
		return l.base.EvaluateCapabilities(pdos)
	}
	return pdmsg.EmptyRequestDO
}
