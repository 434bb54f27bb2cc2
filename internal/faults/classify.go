package faults

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
)

// Classifier maps an error it recognises to a code. The second result is
// false when the classifier has no opinion.
type Classifier func(error) (Code, bool)

type classifiers struct {
	mu   sync.RWMutex
	list []Classifier
}

func (c *classifiers) add(fn Classifier) {
	c.mu.Lock()
	c.list = append(c.list, fn)
	c.mu.Unlock()
}

// classify turns any error into an *Error. Already classified errors are
// returned as is. Registered classifiers run before the built-in rules.
func (c *classifiers) classify(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}

	c.mu.RLock()
	list := c.list
	c.mu.RUnlock()

	for _, fn := range list {
		if code, ok := fn(err); ok {
			return Wrap(code, err, "")
		}
	}

	return Wrap(builtinCode(err), err, "")
}

// Classify applies the built-in rules only.
func Classify(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(builtinCode(err), err, "")
}

func builtinCode(err error) Code {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		netErr    net.Error
		opErr     *net.OpError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeNetworkTimeout
	case errors.Is(err, context.Canceled):
		return CodeConnectionClosed
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return CodeValidation
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeNetworkTimeout
	case errors.As(err, &opErr):
		return CodeNetworkUnreachable
	default:
		return CodeInternal
	}
}
