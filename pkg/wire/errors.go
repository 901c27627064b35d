package wire

import "github.com/simeonmiteff/nanostack/pkg/errs"

// errShort is returned by every Frame constructor when the backing
// slice is too short to hold a fixed-size header.
var errShort = errs.Wrap(errs.ErrMalformed, "wire: buffer shorter than header")
