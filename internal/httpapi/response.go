// Package httpapi 是代理的 HTTP 运维接口：模块、激活、短信与事件查询
package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"smshub-agent/internal/agent"
	"smshub-agent/internal/model"
	"smshub-agent/internal/provider"
)

const logPrefix = "[HTTP]"

// Response 统一的 API 响应格式
type Response struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg"`
}

var validate = validator.New()

// writeSuccess 发送成功响应
func writeSuccess(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Code: status, Data: data, Msg: "success"})
}

// writeError 发送错误响应
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Code: status, Msg: message})
}

// writeFailure 按错误类型选择状态码
func writeFailure(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s %s 失败: %v", logPrefix, c.Request.Method, c.FullPath(), err)
	}
	writeError(c, status, err.Error())
}

func statusForError(err error) int {
	var providerErr *provider.Error
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrModemBusy),
		errors.Is(err, model.ErrModemUnavailable),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &providerErr), errors.Is(err, provider.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, agent.ErrConnectFailed), errors.Is(err, agent.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bindJSON 解析并校验请求体，失败时已写入 400
func bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		writeError(c, http.StatusBadRequest, "请求格式错误: "+err.Error())
		return false
	}
	if err := validate.Struct(target); err != nil {
		writeError(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
		return false
	}
	return true
}

// modemIDParam 解析路径中的模块 ID，失败时已写入 400
func modemIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "无效的模块 ID")
		return 0, false
	}
	return id, true
}
