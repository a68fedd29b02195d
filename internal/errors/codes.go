// Package errors defines the replica error taxonomy: status and sub-status
// codes returned by replicas and gateways, and the StoreError type that
// carries them through the data plane.
package errors

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a replica failure.
type Kind int

const (
	KindInternalServerError Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindRequestTimeout
	KindConflict
	KindGone
	KindInvalidPartition
	KindPartitionKeyRangeGone
	KindPartitionKeyRangeIsSplitting
	KindPartitionIsMigrating
	KindPreconditionFailed
	KindRequestEntityTooLarge
	KindLocked
	KindRequestRateTooLarge
	KindRetryWith
	KindServiceUnavailable
)

var kindNames = map[Kind]string{
	KindInternalServerError:          "InternalServerError",
	KindBadRequest:                   "BadRequest",
	KindUnauthorized:                 "Unauthorized",
	KindForbidden:                    "Forbidden",
	KindNotFound:                     "NotFound",
	KindMethodNotAllowed:             "MethodNotAllowed",
	KindRequestTimeout:               "RequestTimeout",
	KindConflict:                     "Conflict",
	KindGone:                         "Gone",
	KindInvalidPartition:             "InvalidPartition",
	KindPartitionKeyRangeGone:        "PartitionKeyRangeGone",
	KindPartitionKeyRangeIsSplitting: "PartitionKeyRangeIsSplitting",
	KindPartitionIsMigrating:         "PartitionIsMigrating",
	KindPreconditionFailed:           "PreconditionFailed",
	KindRequestEntityTooLarge:        "RequestEntityTooLarge",
	KindLocked:                       "Locked",
	KindRequestRateTooLarge:          "RequestRateTooLarge",
	KindRetryWith:                    "RetryWith",
	KindServiceUnavailable:           "ServiceUnavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTP status codes used on the wire.
const (
	StatusBadRequest            = 400
	StatusUnauthorized          = 401
	StatusForbidden             = 403
	StatusNotFound              = 404
	StatusMethodNotAllowed      = 405
	StatusRequestTimeout        = 408
	StatusConflict              = 409
	StatusGone                  = 410
	StatusPreconditionFailed    = 412
	StatusRequestEntityTooLarge = 413
	StatusLocked                = 423
	StatusTooManyRequests       = 429
	StatusRetryWith             = 449
	StatusInternalServerError   = 500
	StatusServiceUnavailable    = 503
	StatusNotModified           = 304
)

// Sub-status codes. Values at or above 20000 are generated by this client.
const (
	SubStatusUnknown                        = 0
	SubStatusNameCacheIsStale               = 1000
	SubStatusPartitionKeyMismatch           = 1001
	SubStatusPartitionKeyRangeGone          = 1002
	SubStatusReadSessionNotAvailable        = 1002
	SubStatusCompletingSplit                = 1007
	SubStatusCompletingPartitionMigration   = 1008
	SubStatusTransportGenerated410          = 20001
	SubStatusTimeoutGenerated410            = 20002
	SubStatusReadQuorumNotMet               = 20901
	SubStatusGlobalStrongWriteBarrierNotMet = 20902
)

// StoreError is the error type returned by every data plane component.
type StoreError struct {
	Kind            Kind
	StatusCode      int
	SubStatus       int
	Message         string
	ResourceAddress string
	ActivityID      string
	RetryAfter      time.Duration
	Headers         map[string]string
	// Replicas lists the physical addresses contacted before the failure.
	Replicas []string
	// TriggerAddressRefresh asks the caller to re-resolve addresses in the background.
	TriggerAddressRefresh bool
	Cause                 error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d/%d): %s", e.Kind, e.StatusCode, e.SubStatus, e.Message)
	if e.ResourceAddress != "" {
		fmt.Fprintf(&b, " [resource=%s]", e.ResourceAddress)
	}
	if len(e.Replicas) > 0 {
		fmt.Fprintf(&b, " [replicas=%s]", strings.Join(e.Replicas, ","))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StoreError to gRPC status
func (e *StoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps error kinds to gRPC codes
func (e *StoreError) toGRPCCode() codes.Code {
	switch e.Kind {
	case KindBadRequest:
		return codes.InvalidArgument
	case KindUnauthorized:
		return codes.Unauthenticated
	case KindForbidden:
		return codes.PermissionDenied
	case KindNotFound:
		return codes.NotFound
	case KindMethodNotAllowed:
		return codes.Unimplemented
	case KindRequestTimeout:
		return codes.DeadlineExceeded
	case KindConflict:
		return codes.AlreadyExists
	case KindPreconditionFailed:
		return codes.FailedPrecondition
	case KindRequestEntityTooLarge, KindRequestRateTooLarge:
		return codes.ResourceExhausted
	case KindGone, KindInvalidPartition, KindPartitionKeyRangeGone, KindPartitionKeyRangeIsSplitting,
		KindPartitionIsMigrating, KindLocked, KindRetryWith, KindServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// New creates a StoreError of the given kind with its canonical status code.
func New(kind Kind, subStatus int, message string, cause error) *StoreError {
	return &StoreError{
		Kind:       kind,
		StatusCode: kind.StatusCode(),
		SubStatus:  subStatus,
		Message:    message,
		Cause:      cause,
	}
}

// StatusCode returns the canonical HTTP status of a kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return StatusBadRequest
	case KindUnauthorized:
		return StatusUnauthorized
	case KindForbidden:
		return StatusForbidden
	case KindNotFound:
		return StatusNotFound
	case KindMethodNotAllowed:
		return StatusMethodNotAllowed
	case KindRequestTimeout:
		return StatusRequestTimeout
	case KindConflict:
		return StatusConflict
	case KindGone, KindInvalidPartition, KindPartitionKeyRangeGone, KindPartitionKeyRangeIsSplitting, KindPartitionIsMigrating:
		return StatusGone
	case KindPreconditionFailed:
		return StatusPreconditionFailed
	case KindRequestEntityTooLarge:
		return StatusRequestEntityTooLarge
	case KindLocked:
		return StatusLocked
	case KindRequestRateTooLarge:
		return StatusTooManyRequests
	case KindRetryWith:
		return StatusRetryWith
	case KindServiceUnavailable:
		return StatusServiceUnavailable
	default:
		return StatusInternalServerError
	}
}

// WithResourceAddress records the resource the failure relates to
func (e *StoreError) WithResourceAddress(address string) *StoreError {
	e.ResourceAddress = address
	return e
}

// WithActivityID records the request activity id
func (e *StoreError) WithActivityID(id string) *StoreError {
	e.ActivityID = id
	return e
}

// WithReplicas records the contacted replicas
func (e *StoreError) WithReplicas(replicas []string) *StoreError {
	e.Replicas = replicas
	return e
}

// WithTriggerAddressRefresh marks the error as a signal to refresh addresses
func (e *StoreError) WithTriggerAddressRefresh() *StoreError {
	e.TriggerAddressRefresh = true
	return e
}

// Convenience constructors for common errors

func BadRequest(subStatus int, message string) *StoreError {
	return New(KindBadRequest, subStatus, message, nil)
}

func NotFound(subStatus int, message string) *StoreError {
	return New(KindNotFound, subStatus, message, nil)
}

func Gone(subStatus int, message string, cause error) *StoreError {
	return New(KindGone, subStatus, message, cause)
}

func InvalidPartition(message string) *StoreError {
	return New(KindInvalidPartition, SubStatusNameCacheIsStale, message, nil)
}

func PartitionKeyRangeGone(message string) *StoreError {
	return New(KindPartitionKeyRangeGone, SubStatusPartitionKeyRangeGone, message, nil)
}

func RequestTimeout(message string, cause error) *StoreError {
	return New(KindRequestTimeout, SubStatusUnknown, message, cause)
}

func ServiceUnavailable(message string, cause error) *StoreError {
	return New(KindServiceUnavailable, SubStatusUnknown, message, cause)
}

func InternalServerError(message string, cause error) *StoreError {
	return New(KindInternalServerError, SubStatusUnknown, message, cause)
}
