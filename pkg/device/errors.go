package device

import "errors"

// ErrNotConnected is returned by register access while the link is down.
var ErrNotConnected = errors.New("device: not connected")

// ErrNotValidated is returned by identity accessors before Validate has
// succeeded on the current connection.
var ErrNotValidated = errors.New("device: not validated")

// ErrNoRegisters is returned by value accessors before FetchRegisters has
// succeeded in the current cycle.
var ErrNoRegisters = errors.New("device: registers not fetched")

// ErrUnsupported marks a reading the connected device does not provide.
// Consumers omit such readings instead of failing the cycle.
var ErrUnsupported = errors.New("device: reading not supported")
