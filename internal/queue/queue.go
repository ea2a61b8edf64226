// Package queue 封装 NSQ：发布生命周期事件、消费外部投递请求
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Enqueuer 消息发布
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
	Close()
}

// Consumer 消息消费
type Consumer interface {
	Run(ctx context.Context) error
	Stop()
}

// ErrEmptySMSID 投递请求缺少 sms_id
var ErrEmptySMSID = errors.New("delivery request has no sms_id")

// DeliveryRequest 投递请求消息体
type DeliveryRequest struct {
	SMSID string `json:"sms_id"`
}

// EncodeDeliveryRequest 编码投递请求
func EncodeDeliveryRequest(smsID string) ([]byte, error) {
	if strings.TrimSpace(smsID) == "" {
		return nil, ErrEmptySMSID
	}
	return json.Marshal(DeliveryRequest{SMSID: smsID})
}

// DecodeDeliveryRequest 解码投递请求
func DecodeDeliveryRequest(payload []byte) (DeliveryRequest, error) {
	var request DeliveryRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return DeliveryRequest{}, fmt.Errorf("invalid delivery request: %w", err)
	}
	request.SMSID = strings.TrimSpace(request.SMSID)
	if request.SMSID == "" {
		return DeliveryRequest{}, ErrEmptySMSID
	}
	return request, nil
}

// Scheduler 接收投递请求的一方
type Scheduler interface {
	Schedule(smsID string) bool
}

// DeliveryHandler 把投递请求交给调度器；格式错误的消息直接丢弃，不进入重试
func DeliveryHandler(scheduler Scheduler) HandlerFunc {
	return func(ctx context.Context, payload []byte, attempts uint16) error {
		request, err := DecodeDeliveryRequest(payload)
		if err != nil {
			logger.Printf("丢弃无效投递请求 (attempts=%d): %v", attempts, err)
			return nil
		}
		if !scheduler.Schedule(request.SMSID) {
			logger.Printf("短信 %s 已在投递中", request.SMSID)
		}
		return nil
	}
}
