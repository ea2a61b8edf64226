package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"smshub-agent/internal/model"
	"smshub-agent/internal/notify"
)

// MessageReader 短信查询
type MessageReader interface {
	GetMessage(ctx context.Context, smsID string) (*model.Message, error)
	ListUndelivered(ctx context.Context) ([]*model.Message, error)
}

// DeliveryScheduler 投递调度
type DeliveryScheduler interface {
	Schedule(smsID string) bool
	Pending() []string
}

// EventHistory 事件历史，只有 Redis 事件存储提供
type EventHistory interface {
	History(ctx context.Context, eventType notify.EventType, id string) ([]notify.Event, error)
}

// MessageHandler 短信与事件接口
type MessageHandler struct {
	messages  MessageReader
	scheduler DeliveryScheduler
	history   EventHistory
}

// NewMessageHandler 创建短信处理器，history 可为 nil
func NewMessageHandler(messages MessageReader, scheduler DeliveryScheduler, history EventHistory) *MessageHandler {
	return &MessageHandler{messages: messages, scheduler: scheduler, history: history}
}

// Register 挂载路由
func (handler *MessageHandler) Register(group gin.IRouter) {
	group.GET("/messages/undelivered", handler.handleUndelivered)
	group.GET("/messages/:sms_id", handler.handleGet)
	group.POST("/messages/:sms_id/deliver", handler.handleDeliver)
	if handler.history != nil {
		group.GET("/events/:type/:id", handler.handleHistory)
	}
}

func (handler *MessageHandler) handleGet(c *gin.Context) {
	message, err := handler.messages.GetMessage(c.Request.Context(), c.Param("sms_id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, message)
}

func (handler *MessageHandler) handleUndelivered(c *gin.Context) {
	messages, err := handler.messages.ListUndelivered(c.Request.Context())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, gin.H{
		"messages": messages,
		"pending":  handler.scheduler.Pending(),
	})
}

// handleDeliver 手动触发投递；已投递的短信直接返回
func (handler *MessageHandler) handleDeliver(c *gin.Context) {
	message, err := handler.messages.GetMessage(c.Request.Context(), c.Param("sms_id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	if message.Delivered {
		writeSuccess(c, http.StatusOK, gin.H{"sms_id": message.SMSID, "scheduled": false, "delivered": true})
		return
	}
	if message.PhoneTo == "" {
		writeError(c, http.StatusConflict, "短信没有接收号码，无法投递")
		return
	}

	scheduled := handler.scheduler.Schedule(message.SMSID)
	writeSuccess(c, http.StatusAccepted, gin.H{"sms_id": message.SMSID, "scheduled": scheduled, "delivered": false})
}

func (handler *MessageHandler) handleHistory(c *gin.Context) {
	eventType := notify.EventType(c.Param("type"))
	switch eventType {
	case notify.ModemUpdate, notify.ActivationUpdate, notify.SMSUpdate:
	default:
		writeError(c, http.StatusBadRequest, "未知的事件类型")
		return
	}

	events, err := handler.history.History(c.Request.Context(), eventType, c.Param("id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, events)
}
