package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents an upstream connection failure.
// It is recovered internally by reconnecting and never reaches client sessions.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError rejects an order synchronously. Never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "validation error [" + e.Field + "]: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for a request field.
func NewValidationError(field, reason string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrUnknownSymbol is returned when a symbol is not present in reference data.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrInvalidOrder is returned for malformed order requests.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrNoPrice is returned when no tick has been seen for a symbol yet.
	ErrNoPrice = errors.New("no price available")

	// ErrMarketClosed is returned when a market order hits a closed trading session.
	ErrMarketClosed = errors.New("market closed")

	// ErrInsufficientMargin is returned when marginRequired exceeds free margin.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPositionNotFound is returned when closing a position that is not open.
	ErrPositionNotFound = errors.New("position not found")

	// ErrOrderNotFound is returned for an unknown or no longer pending order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrSessionClosed is returned when writing to a session that went away.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionSlow is returned when a session's outbound buffer is full.
	ErrSessionSlow = errors.New("session buffer full")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
