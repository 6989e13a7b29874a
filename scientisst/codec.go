package scientisst

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// trailerSize counts the I/O status byte and the seq+crc byte
const trailerSize = 2

// PacketSize returns the length of one acquisition packet for the given
// channels. AX channels take 3 bytes each. AI channels are packed two per
// 3 bytes, an odd one out shares its spare nibble with the I/O byte.
func PacketSize(chs []Channel) int {
	internal, external := 0, 0
	for _, ch := range chs {
		if ch.External() {
			external++
		} else {
			internal++
		}
	}

	size := 3 * external
	if internal%2 == 0 {
		size += internal * 12 / 8
	} else {
		size += (internal*12 - 4) / 8
	}
	return size + trailerSize
}

// Decoder unpacks acquisition packets for a fixed set of channels
type Decoder struct {
	channels []Channel
	size     int
	cal      *Calibration
}

// NewDecoder returns a Decoder for chs. cal may be nil, in which case only
// external channels get millivolt values.
func NewDecoder(chs []Channel, cal *Calibration) *Decoder {
	return &Decoder{
		channels: append([]Channel(nil), chs...),
		size:     PacketSize(chs),
		cal:      cal,
	}
}

// PacketSize is the number of bytes per packet
func (d *Decoder) PacketSize() int {
	return d.size
}

func le16(b []byte, i int) uint32 {
	var v uint32
	for k := 1; k >= 0; k-- {
		v <<= 8
		if i+k < len(b) {
			v |= uint32(b[i+k])
		}
	}
	return v
}

func le24(b []byte, i int) uint32 {
	var v uint32
	for k := 2; k >= 0; k-- {
		v <<= 8
		if i+k < len(b) {
			v |= uint32(b[i+k])
		}
	}
	return v
}

// Decode unpacks a packet whose CRC was already verified
func (d *Decoder) Decode(buf []byte, convert bool) (Frame, error) {
	if len(buf) != d.size {
		return Frame{}, fmt.Errorf("packet has %d bytes, expected %d: %w", len(buf), d.size, ErrInvalidParameter)
	}

	n := len(buf)
	f := Frame{
		Seq: buf[n-1] >> 4,
		Raw: make([]uint32, len(d.channels)),
	}
	for i := range f.Digital {
		f.Digital[i] = buf[n-2]&(0x80>>i) != 0
	}
	if convert {
		f.MV = make([]float64, len(d.channels))
	}

	// Channels are packed last one first
	pos := 0
	midFrame := false
	for i := len(d.channels) - 1; i >= 0; i-- {
		ch := d.channels[i]
		var v uint32
		switch {
		case ch.External():
			v = le24(buf, pos)
			pos += 3
		case !midFrame:
			v = le16(buf, pos) & 0xFFF
			pos++
			midFrame = true
		default:
			v = le16(buf, pos) >> 4
			pos += 2
			midFrame = false
		}

		f.Raw[i] = v
		if convert {
			if d.cal != nil {
				f.MV[i] = d.cal.millivolts(ch, v)
			} else if ch.External() {
				f.MV[i] = ExternalMillivolts(v)
			}
		}
	}
	return f, nil
}

// decodeFrames decodes up to n frames from buf. A packet failing its CRC
// check moves the window forward by a single byte. Whenever the window runs
// past the buffered bytes more is asked for one byte; if it has none,
// decoding stops and the frames decoded so far are returned.
func (d *Decoder) decodeFrames(buf []byte, n int, more func() ([]byte, error), convert bool) (frames []Frame, resyncs int) {
	start := 0
	for len(frames) < n {
		if len(buf)-start < d.size {
			b, err := more()
			if err != nil || len(b) == 0 {
				log.Warnf("Resynchronization stopped after %d frames: %v", len(frames), err)
				return frames, resyncs
			}
			buf = append(buf, b...)
			continue
		}

		pkt := buf[start : start+d.size]
		if !checkCRC4(pkt) {
			log.Warnf("Error checking CRC4 of packet '%# x', resynchronizing", pkt)
			resyncs++
			start++
			continue
		}

		f, _ := d.Decode(pkt, convert)
		frames = append(frames, f)
		start += d.size
	}
	return frames, resyncs
}

// ValidPacket reports whether the CRC4 in the last byte of pkt matches
func ValidPacket(pkt []byte) bool {
	return checkCRC4(pkt)
}

// EncodePacket builds the packet the firmware would send for f. Values are
// taken by position, as in Decode, and masked to the channel resolution.
func EncodePacket(chs []Channel, f Frame) ([]byte, error) {
	if len(f.Raw) != len(chs) {
		return nil, fmt.Errorf("frame has %d values for %d channels: %w", len(f.Raw), len(chs), ErrInvalidParameter)
	}
	buf := make([]byte, PacketSize(chs))
	n := len(buf)

	put := func(i int, b byte) {
		if i < n-1 {
			buf[i] |= b
		}
	}

	pos := 0
	midFrame := false
	for i := len(chs) - 1; i >= 0; i-- {
		v := f.Raw[i]
		switch {
		case chs[i].External():
			v &= 0xFFFFFF
			put(pos, byte(v))
			put(pos+1, byte(v>>8))
			put(pos+2, byte(v>>16))
			pos += 3
		case !midFrame:
			v &= 0xFFF
			put(pos, byte(v))
			put(pos+1, byte(v>>8)&0x0F)
			pos++
			midFrame = true
		default:
			v &= 0xFFF
			put(pos, byte(v<<4))
			put(pos+1, byte(v>>4))
			pos += 2
			midFrame = false
		}
	}

	for i, on := range f.Digital {
		if on {
			buf[n-2] |= 0x80 >> i
		}
	}
	buf[n-1] = (f.Seq & 0x0F) << 4
	sealCRC4(buf)
	return buf, nil
}
