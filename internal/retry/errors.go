package retry

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy — политика повторов некорректна.
var ErrInvalidPolicy = errors.New("invalid retry policy")

func errInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, msg)
}
