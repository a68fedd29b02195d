package errors

import (
	stderrors "errors"
	"strconv"
	"strings"
	"time"
)

// FromResponse maps a non-success replica or gateway response to a StoreError.
// Header names are matched case-insensitively.
func FromResponse(statusCode int, headers map[string]string, body []byte, resourceAddress string) *StoreError {
	subStatus := 0
	if v := headerValue(headers, "x-ms-substatus"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			subStatus = n
		}
	}

	kind := KindInternalServerError
	switch statusCode {
	case StatusBadRequest:
		kind = KindBadRequest
	case StatusUnauthorized:
		kind = KindUnauthorized
	case StatusForbidden:
		kind = KindForbidden
	case StatusNotFound:
		kind = KindNotFound
	case StatusMethodNotAllowed:
		kind = KindMethodNotAllowed
	case StatusRequestTimeout:
		kind = KindRequestTimeout
	case StatusConflict:
		kind = KindConflict
	case StatusGone:
		kind = goneKind(subStatus)
	case StatusPreconditionFailed:
		kind = KindPreconditionFailed
	case StatusRequestEntityTooLarge:
		kind = KindRequestEntityTooLarge
	case StatusLocked:
		kind = KindLocked
	case StatusTooManyRequests:
		kind = KindRequestRateTooLarge
	case StatusRetryWith:
		kind = KindRetryWith
	case StatusServiceUnavailable:
		kind = KindServiceUnavailable
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = kind.String()
	}

	e := &StoreError{
		Kind:            kind,
		StatusCode:      statusCode,
		SubStatus:       subStatus,
		Message:         message,
		ResourceAddress: resourceAddress,
		ActivityID:      headerValue(headers, "x-ms-activity-id"),
		Headers:         headers,
	}
	// a plain 410 from a replica means the cached address no longer serves the range
	if kind == KindGone {
		e.TriggerAddressRefresh = true
	}
	if kind == KindRequestRateTooLarge {
		if v := headerValue(headers, "x-ms-retry-after-ms"); v != "" {
			if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				e.RetryAfter = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return e
}

func goneKind(subStatus int) Kind {
	switch subStatus {
	case SubStatusNameCacheIsStale:
		return KindInvalidPartition
	case SubStatusPartitionKeyRangeGone:
		return KindPartitionKeyRangeGone
	case SubStatusCompletingSplit:
		return KindPartitionKeyRangeIsSplitting
	case SubStatusCompletingPartitionMigration:
		return KindPartitionIsMigrating
	default:
		return KindGone
	}
}

func headerValue(headers map[string]string, name string) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// As extracts a StoreError from err's chain.
func As(err error) (*StoreError, bool) {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsKind reports whether err is a StoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	se, ok := As(err)
	return ok && se.Kind == kind
}

// IsGone reports whether err is any 410 family error.
func IsGone(err error) bool {
	se, ok := As(err)
	return ok && se.StatusCode == StatusGone
}

// IsPlainGone reports whether err is a retriable Gone without a partition sub-kind.
func IsPlainGone(err error) bool {
	return IsKind(err, KindGone)
}

func IsInvalidPartition(err error) bool {
	return IsKind(err, KindInvalidPartition)
}

func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

func IsRequestTimeout(err error) bool {
	return IsKind(err, KindRequestTimeout)
}

// HasSubStatus reports whether err is a StoreError carrying subStatus.
func HasSubStatus(err error, subStatus int) bool {
	se, ok := As(err)
	return ok && se.SubStatus == subStatus
}

// CanContinueOnReplicaError reports whether a quorum read may continue with
// other replicas after err. Partition topology changes and request validation
// failures must surface to the caller instead.
func CanContinueOnReplicaError(err error) bool {
	se, ok := As(err)
	if !ok {
		return true
	}
	switch se.Kind {
	case KindPartitionKeyRangeGone, KindPartitionKeyRangeIsSplitting, KindPartitionIsMigrating:
		return false
	}
	if v := strings.TrimSpace(headerValue(se.Headers, "x-ms-request-validation-failure")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n == 1 {
			return false
		}
	}
	return true
}

// ShouldTriggerAddressRefresh reports whether err asks for an address refresh.
func ShouldTriggerAddressRefresh(err error) bool {
	se, ok := As(err)
	return ok && se.TriggerAddressRefresh
}
