package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"smshub-agent/internal/agent"
	"smshub-agent/internal/model"
)

// ModemService 模块管理
type ModemService interface {
	Register(ctx context.Context, port string) (*model.Modem, error)
	Connect(ctx context.Context, modemID int64) (*model.Modem, error)
	Disconnect(ctx context.Context, modemID int64) (*model.Modem, error)
	Remove(ctx context.Context, modemID int64) error
	List(ctx context.Context) ([]agent.ModemView, error)
	Get(ctx context.Context, modemID int64) (agent.ModemView, error)
}

type registerModemRequest struct {
	Port    string `json:"port" validate:"required"`
	Connect bool   `json:"connect"`
}

// ModemHandler 模块接口
type ModemHandler struct {
	service ModemService
}

// NewModemHandler 创建模块处理器
func NewModemHandler(service ModemService) *ModemHandler {
	return &ModemHandler{service: service}
}

// Register 挂载路由
func (handler *ModemHandler) Register(group gin.IRouter) {
	group.GET("/modems", handler.handleList)
	group.POST("/modems", handler.handleRegister)
	group.GET("/modems/:id", handler.handleGet)
	group.POST("/modems/:id/connect", handler.handleConnect)
	group.POST("/modems/:id/disconnect", handler.handleDisconnect)
	group.DELETE("/modems/:id", handler.handleRemove)
}

func (handler *ModemHandler) handleList(c *gin.Context) {
	views, err := handler.service.List(c.Request.Context())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, views)
}

func (handler *ModemHandler) handleGet(c *gin.Context) {
	id, ok := modemIDParam(c)
	if !ok {
		return
	}
	view, err := handler.service.Get(c.Request.Context(), id)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, view)
}

// handleRegister 登记串口，connect=true 时立即上线
func (handler *ModemHandler) handleRegister(c *gin.Context) {
	var request registerModemRequest
	if !bindJSON(c, &request) {
		return
	}

	record, err := handler.service.Register(c.Request.Context(), request.Port)
	if err != nil {
		writeFailure(c, err)
		return
	}
	if request.Connect {
		record, err = handler.service.Connect(c.Request.Context(), record.ID)
		if err != nil {
			writeFailure(c, err)
			return
		}
	}
	writeSuccess(c, http.StatusCreated, record)
}

func (handler *ModemHandler) handleConnect(c *gin.Context) {
	handler.modemAction(c, handler.service.Connect)
}

func (handler *ModemHandler) handleDisconnect(c *gin.Context) {
	handler.modemAction(c, handler.service.Disconnect)
}

func (handler *ModemHandler) modemAction(c *gin.Context, action func(ctx context.Context, modemID int64) (*model.Modem, error)) {
	id, ok := modemIDParam(c)
	if !ok {
		return
	}
	record, err := action(c.Request.Context(), id)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, record)
}

func (handler *ModemHandler) handleRemove(c *gin.Context) {
	id, ok := modemIDParam(c)
	if !ok {
		return
	}
	if err := handler.service.Remove(c.Request.Context(), id); err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, gin.H{"deleted": id})
}
