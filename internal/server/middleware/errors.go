package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const resultCodeKey = "escrow.result_code"

// ErrorDetail is the body of every failed API response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody wraps ErrorDetail as {"error":{...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// WriteError aborts the request with err rendered as an ErrorBody. Status errors keep their code
// and message; any other error becomes Internal with a generic message.
func WriteError(c *gin.Context, err error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		log.Printf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
		st = status.New(codes.Internal, "internal error")
	}
	c.Set(resultCodeKey, st.Code())
	c.AbortWithStatusJSON(runtime.HTTPStatusFromCode(st.Code()), ErrorBody{
		Error: ErrorDetail{Code: st.Code().String(), Message: st.Message()},
	})
}

// ResultCode returns the code WriteError rendered, or a code inferred from the HTTP status.
func ResultCode(c *gin.Context) codes.Code {
	if v, ok := c.Get(resultCodeKey); ok {
		if code, ok := v.(codes.Code); ok {
			return code
		}
	}
	switch s := c.Writer.Status(); {
	case s < http.StatusBadRequest:
		return codes.OK
	case s == http.StatusNotFound:
		return codes.NotFound
	case s == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case s < http.StatusInternalServerError:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// Recovery turns a panic into an Internal error response.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Printf("http: panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		WriteError(c, status.Error(codes.Internal, "internal error"))
	})
}

// NotFound renders unknown routes in the API's error shape.
func NotFound(c *gin.Context) {
	WriteError(c, status.Error(codes.NotFound, "route not found"))
}
