package sense

import (
	"time"

	"github.com/blang/semver"
	uuid "github.com/satori/go.uuid"
	"github.com/scientisst/gosense/scientisst"
)

// Metadata describes one acquisition run
type Metadata struct {
	RunID      string
	Device     string
	Firmware   string
	API        scientisst.APIMode
	Channels   []scientisst.Channel
	SampleRate int
	Convert    bool
	Started    time.Time
}

// NewMetadata describes the acquisition running on d, under a fresh run ID
func NewMetadata(d *scientisst.Device, convert bool) Metadata {
	return Metadata{
		RunID:      uuid.NewV4().String(),
		Device:     d.Address(),
		Firmware:   d.Version(),
		API:        d.API(),
		Channels:   d.Channels(),
		SampleRate: d.SampleRate(),
		Convert:    convert,
		Started:    time.Now(),
	}
}

// FirmwareSemver parses the firmware version reported by the device,
// tolerating a leading v
func (m Metadata) FirmwareSemver() (semver.Version, bool) {
	v, err := semver.ParseTolerant(m.Firmware)
	return v, err == nil
}

// Labels names the value columns of each channel: AI1 or, when converting,
// AI1_raw and AI1_mv.
func (m Metadata) Labels() []string {
	var labels []string
	for _, ch := range m.Channels {
		if m.Convert {
			labels = append(labels, ch.String()+"_raw", ch.String()+"_mv")
		} else {
			labels = append(labels, ch.String())
		}
	}
	return labels
}

// Header names every column of a frame line
func (m Metadata) Header() []string {
	return append([]string{"NSeq", "I1", "I2", "O1", "O2"}, m.Labels()...)
}

// Map returns the metadata with the keys written to the file header
func (m Metadata) Map() map[string]interface{} {
	channels := make([]int, len(m.Channels))
	resolution := []int{4, 1, 1, 1, 1}
	for i, ch := range m.Channels {
		channels[i] = int(ch)
		resolution = append(resolution, ch.Resolution())
	}

	md := map[string]interface{}{
		"API version":        m.API.String(),
		"Channels":           channels,
		"Channels labels":    m.Labels(),
		"Device":             m.Device,
		"Firmware version":   m.Firmware,
		"Header":             m.Header(),
		"Resolution (bits)":  resolution,
		"Run ID":             m.RunID,
		"Sampling rate (Hz)": m.SampleRate,
		"Timestamp":          float64(m.Started.UnixMicro()) / 1e6,
		"ISO 8601":           m.Started.Format(time.RFC3339Nano),
	}

	if v, ok := m.FirmwareSemver(); ok {
		md["Firmware semver"] = v.String()
	}

	// Columns are counted from 0, NSeq first
	if m.Convert {
		raw := make([]int, len(m.Channels))
		mv := make([]int, len(m.Channels))
		for i := range m.Channels {
			raw[i] = 5 + 2*i
			mv[i] = 6 + 2*i
		}
		md["Channels indexes raw"] = raw
		md["Channels indexes mV"] = mv
	} else {
		idx := make([]int, len(m.Channels))
		for i := range m.Channels {
			idx[i] = 5 + i
		}
		md["Channels indexes"] = idx
	}
	return md
}
