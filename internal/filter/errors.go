package filter

import "errors"

// ErrBadFilterBlob is returned when a filter blob is truncated or
// otherwise fails to decode.
var ErrBadFilterBlob = errors.New("filter: bad filter blob")
