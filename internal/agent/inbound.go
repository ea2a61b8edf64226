package agent

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"smshub-agent/internal/idempotency"
	"smshub-agent/internal/model"
	"smshub-agent/internal/modem"
	"smshub-agent/internal/notify"
)

// handleIncoming 收件处理：去重、关联激活、入库、推进激活、调度投递。
// 返回错误时短信留在 SIM 卡上，下一轮重新处理
func (m *Manager) handleIncoming(modemID int64) modem.Handler {
	return func(ctx context.Context, in modem.Incoming) error {
		fp := idempotency.Fingerprint{
			Port:      in.Port,
			Sender:    in.Sender,
			Timestamp: in.Timestamp,
			Text:      in.Text,
		}
		isNew, key, err := m.dedupe.CheckAndSet(ctx, fp, m.config.DedupeTTL)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		if !isNew {
			log.Printf("%s %s 重复短信 #%d，跳过 (%s)", logPrefix, in.Port, in.Index, key)
			return nil
		}

		message, err := m.persistIncoming(ctx, modemID, in)
		if err != nil {
			if forgetErr := m.dedupe.Forget(ctx, fp); forgetErr != nil {
				log.Printf("%s 撤销幂等键失败: %v", logPrefix, forgetErr)
			}
			return err
		}
		m.metrics.MessageReceived()
		log.Printf("%s %s 收到短信 %s 来自 %s", logPrefix, in.Port, message.SMSID, message.PhoneFrom)

		if message.ActivationID != "" && m.ready != nil {
			if err := m.ready.MarkReady(ctx, message.ActivationID); err != nil {
				log.Printf("%s 激活 %s 标记 ready 失败: %v", logPrefix, message.ActivationID, err)
			}
		}

		fields := message.Fields()
		fields["modem_id"] = modemID
		fields["phone_from"] = message.PhoneFrom
		if message.ActivationID != "" {
			fields["activation_id"] = message.ActivationID
		}
		notify.Fire(ctx, m.sink, notify.Event{Type: notify.SMSUpdate, ID: message.SMSID, Fields: fields})

		switch {
		case message.PhoneTo == "":
			log.Printf("%s 短信 %s 没有接收号码，不投递", logPrefix, message.SMSID)
		case m.scheduler != nil:
			m.scheduler.Schedule(message.SMSID)
		}
		return nil
	}
}

// persistIncoming 接收号码优先取激活号码，其次取模块号码
func (m *Manager) persistIncoming(ctx context.Context, modemID int64, in modem.Incoming) (*model.Message, error) {
	record, err := m.store.GetModem(ctx, modemID)
	if err != nil {
		return nil, fmt.Errorf("load modem %d: %w", modemID, err)
	}

	message := &model.Message{
		SMSID:     uuid.NewString(),
		ModemID:   modemID,
		PhoneFrom: in.Sender,
		PhoneTo:   record.PhoneNumber,
		Text:      in.Text,
	}

	activation, err := m.store.ActiveActivationForModem(ctx, modemID)
	switch {
	case err == nil:
		message.ActivationID = activation.ActivationID
		if activation.PhoneNumber != "" {
			message.PhoneTo = activation.PhoneNumber
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("load activation for modem %d: %w", modemID, err)
	}

	if err := m.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return message, nil
}
