package message

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrBadParams is returned when message parameters do not have the
// expected shape.
var ErrBadParams = errors.New("unexpected message parameters")

// Args returns the positional arguments of m.
func Args(m Message) []any {
	switch v := m.(type) {
	case Command:
		return v.Args
	case Event:
		return v.Args
	case Request:
		return v.Params
	case Response:
		return v.Params
	case Notification:
		return v.Params
	default:
		return nil
	}
}

// DecodeParams converts the positional arguments of m into the values
// pointed to by dst, in order. Arguments decoded from JSON arrive as
// generic maps and float64 numbers; DecodeParams round-trips them through
// JSON so callers can use concrete types. Missing trailing arguments leave
// their destinations untouched.
func DecodeParams(m Message, dst ...any) error {
	args := Args(m)
	if len(args) > len(dst) {
		return fmt.Errorf("%w: %s has %d params, expected at most %d", ErrBadParams, Tag(m), len(args), len(dst))
	}
	for i, arg := range args {
		if err := convert(arg, dst[i]); err != nil {
			return fmt.Errorf("%w: %s param %d: %v", ErrBadParams, Tag(m), i, err)
		}
	}
	return nil
}

func convert(src, dst any) error {
	// fast paths for values that were never serialized
	switch d := dst.(type) {
	case *string:
		if s, ok := src.(string); ok {
			*d = s
			return nil
		}
	case *bool:
		if b, ok := src.(bool); ok {
			*d = b
			return nil
		}
	case *any:
		*d = src
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
