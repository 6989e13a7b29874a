package scientisst

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	linCoeffAScale = 65536
	linCoeffARound = linCoeffAScale / 2

	lutVrefLow     = 1000
	lutVrefHigh    = 1200
	lutADCStepSize = 64
	lutPoints      = 20
	lutLowThresh   = 2880
	lutHighThresh  = lutLowThresh + lutADCStepSize

	adc12BitMax = 4095

	// VoltDividerFactor is the gain of the input stage of the board
	VoltDividerFactor = 3.399

	// Full scale of the external 24bit channels in mV
	externalFullScale = 3.3 * 2 * 1000
	externalMaxCode   = 1<<24 - 1
)

// ADC attenuation settings as reported by the firmware
const (
	Atten0dB   = 0
	Atten2_5dB = 1
	Atten6dB   = 2
	Atten11dB  = 3
)

// CalibrationSize is the length of the calibration payload sent after the version string
const CalibrationSize = 24

// Calibration holds the ESP32 ADC characteristics of the internal channels.
// It is read once during the version handshake and never modified afterwards.
type Calibration struct {
	ADCUnit     uint32 `json:"adc_unit"`
	Attenuation uint32 `json:"attenuation"`
	BitWidth    uint32 `json:"bit_width"`
	CoeffA      uint32 `json:"coeff_a"`
	CoeffB      uint32 `json:"coeff_b"`
	Vref        uint32 `json:"vref"`

	lowCurve  *[lutPoints]uint32
	highCurve *[lutPoints]uint32
}

// ParseCalibration decodes the 24 byte calibration payload: adc unit,
// attenuation, bit width, coeff a, coeff b, vref, each a little endian uint32.
func ParseCalibration(b []byte) (*Calibration, error) {
	if len(b) < CalibrationSize {
		return nil, fmt.Errorf("calibration payload has %d bytes, expected %d: %w", len(b), CalibrationSize, ErrContactingDevice)
	}
	c := &Calibration{
		ADCUnit:     binary.LittleEndian.Uint32(b[0:4]),
		Attenuation: binary.LittleEndian.Uint32(b[4:8]),
		BitWidth:    binary.LittleEndian.Uint32(b[8:12]),
		CoeffA:      binary.LittleEndian.Uint32(b[12:16]),
		CoeffB:      binary.LittleEndian.Uint32(b[16:20]),
		Vref:        binary.LittleEndian.Uint32(b[20:24]),
	}

	// The firmware reports the width as the esp-idf enum (0 = 9bit ... 3 = 12bit)
	if c.BitWidth <= 3 {
		c.BitWidth += 9
	}
	if c.BitWidth < 9 || c.BitWidth > 12 {
		return nil, fmt.Errorf("calibration bit width %d: %w", c.BitWidth, ErrContactingDevice)
	}
	if c.ADCUnit != 1 && c.ADCUnit != 2 {
		return nil, fmt.Errorf("calibration adc unit %d: %w", c.ADCUnit, ErrContactingDevice)
	}
	if c.Attenuation > Atten11dB {
		return nil, fmt.Errorf("calibration attenuation %d: %w", c.Attenuation, ErrContactingDevice)
	}

	c.attachCurves()
	return c, nil
}

func (c *Calibration) attachCurves() {
	c.lowCurve, c.highCurve = nil, nil
	if c.Attenuation != Atten11dB {
		return
	}
	if c.ADCUnit == 2 {
		c.lowCurve, c.highCurve = &lutADC2Low, &lutADC2High
	} else {
		c.lowCurve, c.highCurve = &lutADC1Low, &lutADC1High
	}
}

// Bytes encodes c back into the payload layout read by ParseCalibration
func (c *Calibration) Bytes() []byte {
	b := make([]byte, CalibrationSize)
	binary.LittleEndian.PutUint32(b[0:4], c.ADCUnit)
	binary.LittleEndian.PutUint32(b[4:8], c.Attenuation)
	binary.LittleEndian.PutUint32(b[8:12], c.BitWidth)
	binary.LittleEndian.PutUint32(b[12:16], c.CoeffA)
	binary.LittleEndian.PutUint32(b[16:20], c.CoeffB)
	binary.LittleEndian.PutUint32(b[20:24], c.Vref)
	return b
}

// HasLUT reports whether the high range lookup curves are in use
func (c *Calibration) HasLUT() bool {
	return c.lowCurve != nil
}

func (c *Calibration) linear(code uint32) int64 {
	return int64((uint64(c.CoeffA)*uint64(code)+linCoeffARound)/linCoeffAScale) + int64(c.CoeffB)
}

// lut interpolates the voltage on the (vref, code) grid spanned by the two curves
func (c *Calibration) lut(code uint32) int64 {
	i := int64(code-lutLowThresh) / lutADCStepSize
	if i > lutPoints-2 {
		i = lutPoints - 2
	}

	// x is vref, y the adc code
	vref := int64(c.Vref)
	x2dist := lutVrefHigh - vref
	x1dist := vref - lutVrefLow
	y2dist := (i+1)*lutADCStepSize + lutLowThresh - int64(code)
	y1dist := int64(code) - (i*lutADCStepSize + lutLowThresh)

	q11 := int64(c.lowCurve[i])
	q12 := int64(c.lowCurve[i+1])
	q21 := int64(c.highCurve[i])
	q22 := int64(c.highCurve[i+1])

	v := q11*x2dist*y2dist + q21*x1dist*y2dist + q12*x2dist*y1dist + q22*x1dist*y1dist
	const denom = (lutVrefHigh - lutVrefLow) * lutADCStepSize
	return roundDiv(v, denom)
}

// interpolateTwoPoints returns the value at x between y1 (x=0) and y2 (x=step)
func interpolateTwoPoints(y1, y2, step, x int64) int64 {
	return roundDiv(y1*step+y2*x-y1*x, step)
}

// roundDiv divides adding half the denominator first, as the firmware does
func roundDiv(num, denom int64) int64 {
	return (num + denom/2) / denom
}

// RawToMillivolts converts a raw internal channel code to millivolts at the
// board input.
func (c *Calibration) RawToMillivolts(code uint16) int32 {
	v := uint32(code) << (12 - c.BitWidth)
	if v > adc12BitMax {
		v = adc12BitMax
	}

	var mv int64
	switch {
	case !c.HasLUT() || v < lutLowThresh:
		mv = c.linear(v)
	case v <= lutHighThresh:
		mv = interpolateTwoPoints(c.linear(v), c.lut(v), lutADCStepSize, int64(v-lutLowThresh))
	default:
		mv = c.lut(v)
	}
	return int32(math.Round(float64(mv) * VoltDividerFactor))
}

// ExternalMillivolts converts a raw 24bit AX channel code to millivolts
func ExternalMillivolts(code uint32) float64 {
	mv := float64(code&externalMaxCode) * externalFullScale / externalMaxCode
	return math.Round(mv*1000) / 1000
}

func (c *Calibration) millivolts(ch Channel, code uint32) float64 {
	if ch.External() {
		return ExternalMillivolts(code)
	}
	return float64(c.RawToMillivolts(uint16(code)))
}
