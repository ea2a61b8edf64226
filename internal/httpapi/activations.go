package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smshub-agent/internal/activation"
	"smshub-agent/internal/model"
	"smshub-agent/internal/provider"
)

// ActivationService 激活生命周期
type ActivationService interface {
	Create(ctx context.Context, req activation.CreateRequest) (*model.Activation, error)
	UpdateStatus(ctx context.Context, activationID string, status model.ActivationStatus) (*model.Activation, error)
	Get(ctx context.Context, activationID string) (*model.Activation, error)
}

// ServiceCatalog 平台支持的服务列表
type ServiceCatalog interface {
	GetServices(ctx context.Context) ([]provider.CountryServices, error)
}

// updateStatusRequest status 可以是状态名或数字
type updateStatusRequest struct {
	Status any `json:"status" validate:"required"`
}

func (r updateStatusRequest) parse() (model.ActivationStatus, error) {
	var raw string
	switch value := r.Status.(type) {
	case string:
		raw = value
	case float64:
		raw = strconv.Itoa(int(value))
	default:
		return 0, fmt.Errorf("unsupported status %v", r.Status)
	}
	status, ok := model.ParseActivationStatus(raw)
	if !ok {
		return 0, fmt.Errorf("unknown status %q", raw)
	}
	return status, nil
}

// ActivationHandler 激活接口
type ActivationHandler struct {
	service ActivationService
	catalog ServiceCatalog
}

// NewActivationHandler 创建激活处理器，catalog 为 nil 时不提供 /services
func NewActivationHandler(service ActivationService, catalog ServiceCatalog) *ActivationHandler {
	return &ActivationHandler{service: service, catalog: catalog}
}

// Register 挂载路由
func (handler *ActivationHandler) Register(group gin.IRouter) {
	group.POST("/activations", handler.handleCreate)
	group.GET("/activations/:activation_id", handler.handleGet)
	group.POST("/activations/:activation_id/status", handler.handleUpdateStatus)
	if handler.catalog != nil {
		group.GET("/services", handler.handleServices)
	}
}

func (handler *ActivationHandler) handleCreate(c *gin.Context) {
	var request activation.CreateRequest
	if !bindJSON(c, &request) {
		return
	}
	created, err := handler.service.Create(c.Request.Context(), request)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusCreated, created)
}

func (handler *ActivationHandler) handleGet(c *gin.Context) {
	found, err := handler.service.Get(c.Request.Context(), c.Param("activation_id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, found)
}

func (handler *ActivationHandler) handleUpdateStatus(c *gin.Context) {
	var request updateStatusRequest
	if !bindJSON(c, &request) {
		return
	}
	status, err := request.parse()
	if err != nil {
		writeError(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
		return
	}

	updated, err := handler.service.UpdateStatus(c.Request.Context(), c.Param("activation_id"), status)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, updated)
}

func (handler *ActivationHandler) handleServices(c *gin.Context) {
	services, err := handler.catalog.GetServices(c.Request.Context())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, services)
}
