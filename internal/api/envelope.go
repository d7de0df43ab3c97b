package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the uniform API envelope. Code 1 marks success, 0 failure.
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

// ok writes a success envelope
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 1, Msg: "success", Data: data})
}

// fail writes a business failure. These carry HTTP 200; the envelope
// code distinguishes them.
func fail(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, Response{Code: 0, Msg: msg})
}

// failStatus writes a failure with an explicit HTTP status, reserved for
// entity not-found, auth and backtest stage failures
func failStatus(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: 0, Msg: msg})
}
