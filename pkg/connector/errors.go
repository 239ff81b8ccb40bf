package connector

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgconn"
)

// ErrorClass is a coarse classification of a store error
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassConnection
	ClassConstraint
	ClassData
	ClassTransaction
	ClassTimeout
)

// String returns the class name
func (c ErrorClass) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassConstraint:
		return "constraint"
	case ClassData:
		return "data"
	case ClassTransaction:
		return "transaction"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifyError maps a driver error to an ErrorClass using the SQLSTATE
// class of a Postgres error when one is present
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return ClassConnection
		case strings.HasPrefix(pgErr.Code, "23"):
			return ClassConstraint
		case strings.HasPrefix(pgErr.Code, "22"):
			return ClassData
		case strings.HasPrefix(pgErr.Code, "40"), strings.HasPrefix(pgErr.Code, "25"):
			return ClassTransaction
		case pgErr.Code == "57014":
			return ClassTimeout
		}
		return ClassUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnection
	}
	if pgconn.Timeout(err) {
		return ClassTimeout
	}
	return ClassUnknown
}

// IsRetryable reports whether an operation failing with err may succeed if retried
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ClassConnection, ClassTransaction, ClassTimeout:
		return true
	default:
		return false
	}
}
