package peer

import "github.com/packice/fruina/errs"

// Kind and the error-kind constants are re-exported from errs so callers of
// this package never need to import errs directly just to check a failure
// reason.
type Kind = errs.Kind

const (
	Internal       = errs.Internal
	NotFound       = errs.NotFound
	Exists         = errs.Exists
	NotReady       = errs.NotReady
	Gone           = errs.Gone
	InvalidLease   = errs.InvalidLease
	Forbidden      = errs.Forbidden
	SealViolation  = errs.SealViolation
	Full           = errs.Full
	TransportError = errs.TransportError
)

// Is and KindOf are re-exported for the same reason.
var (
	Is     = errs.Is
	KindOf = errs.KindOf
)
