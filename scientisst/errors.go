package scientisst

import "errors"

// Errors returned by Device operations. They are wrapped with context,
// so compare with errors.Is.
var (
	ErrInvalidAddress         = errors.New("invalid address")
	ErrDeviceNotIdle          = errors.New("device is not idle")
	ErrDeviceNotInAcquisition = errors.New("device is not in acquisition mode")
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrContactingDevice       = errors.New("lost communication with the device")
	ErrNotSupported           = errors.New("operation not supported by the device")
	ErrUnknown                = errors.New("unknown error")
)
