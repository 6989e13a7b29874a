package scientisst

// DeviceState is the protocol state of a Device session
type DeviceState byte

const (
	Disconnected DeviceState = iota
	Idle
	Acquiring
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Idle:
		return "Idle"
	case Acquiring:
		return "Acquiring"
	}
	return "DeviceState(?)"
}

// APIMode selects the protocol flavour spoken by the firmware
type APIMode byte

const (
	APIBitalino   APIMode = 1
	APIScientISST APIMode = 2
	APIJSON       APIMode = 3
)

func (m APIMode) String() string {
	switch m {
	case APIBitalino:
		return "BITalino"
	case APIScientISST:
		return "ScientISST"
	case APIJSON:
		return "JSON"
	}
	return "APIMode(?)"
}

// header is the product name the firmware prefixes its version string with
func (m APIMode) header() string {
	if m == APIBitalino {
		return "BITalino"
	}
	return "ScientISST"
}
