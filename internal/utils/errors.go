package utils

// OpError carries the component and operation an error originated from.
type OpError struct {
	Component string
	Op        string
	Msg       string
	Err       error
}

func (e *OpError) Error() string {
	base := e.Component + ": " + e.Op
	if e.Msg != "" {
		base += ": " + e.Msg
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewError creates a new error tagged with component and operation
func NewError(component, op, msg string) error {
	return &OpError{Component: component, Op: op, Msg: msg}
}

// WrapError wraps an error with component and operation context
func WrapError(err error, component, op string) error {
	if err == nil {
		return nil
	}
	return &OpError{Component: component, Op: op, Err: err}
}
