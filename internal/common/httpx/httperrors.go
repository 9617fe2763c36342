package httpx

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error is the JSON error envelope sent to API clients.
type Error struct {
	Description string `json:"description"`
	StatusCode  int    `json:"http_status_code"`
}

type errorRsp struct {
	Result int    `json:"result"`
	Error  string `json:"error"`
}

const Failure int = 0

func (e *Error) Send(w http.ResponseWriter) {
	if w == nil {
		return
	}
	rsp := &errorRsp{
		Result: Failure,
		Error:  e.Description,
	}
	rspJson, err := json.Marshal(rsp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Unable to parse error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	w.Write(rspJson)
}

func (e *Error) Error() string {
	return e.Description
}

func (current Error) Is(other error) bool {
	return current.Error() == other.Error()
}

// SendError maps an apperrors.Error onto the wire envelope, using the status
// code carried by the error chain.
func SendError(w http.ResponseWriter, err apperrors.Error) {
	if err == nil {
		return
	}
	statusCode := err.StatusCode()
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	httperror := &Error{
		StatusCode:  statusCode,
		Description: err.ErrorAll(),
	}
	httperror.Send(w)
}

func ErrApplicationError(msg ...string) *Error {
	description := "Unable to process request"
	if len(msg) > 0 {
		description = msg[0]
	}
	return &Error{
		Description: description,
		StatusCode:  http.StatusInternalServerError,
	}
}

func ErrUnableToParseReqData() *Error {
	return &Error{
		Description: "Unable to parse request data",
		StatusCode:  http.StatusBadRequest,
	}
}

func ErrReqMethodNotSupported() *Error {
	return &Error{
		Description: "Request Method Not Supported",
		StatusCode:  http.StatusMethodNotAllowed,
	}
}

func ErrInvalidRequest(msg ...string) *Error {
	description := "Invalid request"
	if len(msg) > 0 {
		description = msg[0]
	}
	return &Error{
		Description: description,
		StatusCode:  http.StatusBadRequest,
	}
}
