package wire

import "golang.org/x/xerrors"

// ParseError is returned when a frame or an embedded document fails to
// decode: insufficient bytes, a negative or inconsistent length, a
// number-returned field that disagrees with the documents actually present,
// or a malformed embedded document.
type ParseError struct {
	Reason  string
	Wrapped error
}

func (e ParseError) Error() string {
	if e.Wrapped != nil {
		return xerrors.Errorf("wire: parse error: %s: %w", e.Reason, e.Wrapped).Error()
	}
	return xerrors.New("wire: parse error: " + e.Reason).Error()
}

func (e ParseError) Unwrap() error { return e.Wrapped }
