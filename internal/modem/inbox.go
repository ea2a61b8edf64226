package modem

import (
	"context"
	"errors"
	"log"
	"time"

	"smshub-agent/internal/clock"
)

const defaultPollInterval = time.Second

// Handler 处理一条收件，返回 nil 后该短信才会从 SIM 卡删除
type Handler func(ctx context.Context, msg Incoming) error

// Poller 周期性读取 SIM 卡收件箱
type Poller struct {
	session  *Session
	clock    clock.Clock
	interval time.Duration
}

// NewPoller 创建轮询器，间隔取会话配置的 PollInterval
func NewPoller(session *Session, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	interval := session.config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{session: session, clock: clk, interval: interval}
}

// Run 循环执行 列表 -> 处理 -> 删除 -> 休眠，直到 ctx 取消或通道关闭。
// 串口故障时把会话置为 Error 并返回该错误。
func (p *Poller) Run(ctx context.Context, handler Handler) error {
	port := p.session.Port()
	log.Printf("%s %s 收件轮询已启动 (间隔 %s)", logPrefix, port, p.interval)
	defer log.Printf("%s %s 收件轮询已停止", logPrefix, port)

	for {
		if err := p.PollOnce(ctx, handler); err != nil {
			if isChannelGone(err) || ctx.Err() != nil {
				return nil
			}
			var transportErr *TransportError
			if errors.As(err, &transportErr) {
				p.session.MarkError(err)
				return err
			}
			log.Printf("%s %s 读取收件箱失败: %v", logPrefix, port, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.interval):
		}
	}
}

// PollOnce 执行一轮列表与处理；处理失败的短信留在 SIM 卡上等待下一轮
func (p *Poller) PollOnce(ctx context.Context, handler Handler) error {
	response, err := p.session.Send(ctx, CMD_LIST_SMS)
	if err != nil {
		return err
	}

	port := p.session.Port()
	for _, stored := range ParseMessageList(response, p.session.config.Charset) {
		msg := Incoming{
			Port:      port,
			Index:     stored.Index,
			Sender:    stored.Sender,
			Text:      stored.Text,
			Timestamp: stored.Timestamp,
		}
		if err := handler(ctx, msg); err != nil {
			log.Printf("%s %s 处理短信 #%d 失败，保留待重试: %v", logPrefix, port, stored.Index, err)
			continue
		}
		if _, err := p.session.Send(ctx, deleteCommand(stored.Index)); err != nil {
			return err
		}
	}
	return nil
}

func isChannelGone(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected)
}
