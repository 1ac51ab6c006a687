package memutils

import "github.com/pkg/errors"

// ErrInvalidArgument is returned when a caller passes a value that can never be valid, such as a zero bank count.
// It always indicates a programming error and should not be retried.
var ErrInvalidArgument error = errors.New("invalid argument")

// ErrOutOfRange is returned when a bank index is greater than or equal to the number of banks on the device
var ErrOutOfRange error = errors.New("bank index out of range")

// ErrAllocationFailed is returned when the kernel refused to create a buffer object or the virtual address heap
// was exhausted. The caller may retry with a different placement or report an out of memory condition.
var ErrAllocationFailed error = errors.New("allocation failed")

// ErrUnsupportedPlacement is returned when a placement decision requires a bank that is not present in the
// device's local memory regions. The caller is expected to fall back to system memory.
var ErrUnsupportedPlacement error = errors.New("unsupported placement")

// ErrUnrecoverable marks lifetime-tracking bugs such as a reference count driven below zero. Values wrapping it
// are only ever used as panic payloads.
var ErrUnrecoverable error = errors.New("unrecoverable")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
