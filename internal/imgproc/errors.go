package imgproc

import "errors"

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("image decode failed")
	// ErrEncode matches every *EncodeError.
	ErrEncode = errors.New("image encode failed")
)

// DecodeError reports input bytes that are not a recognized image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "failed to decode image: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodeError reports a crop that could not be encoded.
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return "failed to encode " + e.Format + " crop: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }

func (e *EncodeError) Is(target error) bool { return target == ErrEncode }
