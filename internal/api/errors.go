package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type errorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, errorResponse{Error: ErrorBody{Message: msg, Type: errType, Param: param}})
}

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param)
}

func writeNotFound(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, param)
}
