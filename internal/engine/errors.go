package engine

import "errors"

var (
	// ErrDisabled names the disabled engine state (spec.md §4.7
	// disabled-flag check); no function in this package returns it.
	ErrDisabled = errors.New("engine: disabled")
	// ErrEnableTimeout is returned by Enable/Disable if the enabled flag
	// does not read back as the requested value within timeout.
	ErrEnableTimeout = errors.New("engine: state change not observed in time")
	// ErrUnknownDevice is returned by FreeEngine for a device with no
	// acquired engine.
	ErrUnknownDevice = errors.New("engine: no engine acquired for device")
	// ErrChannelOutOfRange is returned for a channel index outside
	// [0, maxChannel).
	ErrChannelOutOfRange = errors.New("engine: channel index out of range")
)
