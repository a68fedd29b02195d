package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorResponse represents the error body written by the debug API.
type ErrorResponse struct {
	Status     string `json:"status"`
	Code       string `json:"code"`
	SubStatus  int    `json:"sub_status,omitempty"`
	Message    string `json:"message"`
	ActivityID string `json:"activity_id,omitempty"`
}

// Handler writes data plane errors as HTTP responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Status: "error", Message: err.Error()}
	statusCode := http.StatusInternalServerError

	if se, ok := As(err); ok {
		statusCode = se.StatusCode
		resp.Code = se.Kind.String()
		resp.SubStatus = se.SubStatus
		resp.Message = se.Message
		resp.ActivityID = se.ActivityID
	} else if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		statusCode = GRPCToHTTPStatus(st.Code())
		resp.Code = st.Code().String()
		resp.Message = st.Message()
	} else {
		resp.Code = KindInternalServerError.String()
	}

	h.logger.Warn("HTTP error response",
		zap.String("path", r.URL.Path),
		zap.Int("status_code", statusCode),
		zap.String("code", resp.Code),
		zap.Int("sub_status", resp.SubStatus),
		zap.String("message", resp.Message),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// GRPCToHTTPStatus converts a gRPC code to an HTTP status code.
func GRPCToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
