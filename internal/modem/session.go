package modem

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const logPrefix = "[MODEM]"

// Session 单个模块的上线、身份提取与信号查询，持有命令通道
type Session struct {
	config Config
	opener Opener

	mu      sync.RWMutex
	state   State
	channel *Channel
	info    Info
	lastErr error
}

// NewSession 创建会话，初始状态 Offline；opener 为 nil 时使用真实串口
func NewSession(config Config, opener Opener) *Session {
	if opener == nil {
		opener = OpenSerial
	}
	return &Session{
		config: config,
		opener: opener,
		state:  StateOffline,
		info:   Info{Port: config.PortName},
	}
}

// Port 串口名
func (s *Session) Port() string {
	return s.config.PortName
}

// Status 当前状态
func (s *Session) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info 身份信息快照
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// LastError 最近一次导致 Error 状态的原因
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Connect 打开通道、执行初始化序列并提取身份信息。
// 失败时状态置为 Error、关闭通道并返回 false，不向上抛错。
func (s *Session) Connect(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateActive && s.channel != nil {
		s.mu.Unlock()
		return true
	}
	stale := s.channel
	s.channel = nil
	s.state = StateConnecting
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	log.Printf("%s 正在连接 %s@%d", logPrefix, s.config.PortName, s.config.BaudRate)

	channel, err := Open(s.opener, s.config.portConfig())
	if err != nil {
		s.fail(nil, err)
		return false
	}

	info, err := s.bringUp(ctx, channel)
	if err != nil {
		s.fail(channel, err)
		return false
	}

	s.mu.Lock()
	s.channel = channel
	s.info = info
	s.state = StateActive
	s.lastErr = nil
	s.mu.Unlock()

	log.Printf("%s %s 已上线 IMEI=%s ICCID=%s 运营商=%s 号码=%s",
		logPrefix, info.Port, info.IMEI, info.ICCID, info.Operator, info.PhoneNumber)
	return true
}

func (s *Session) bringUp(ctx context.Context, channel *Channel) (Info, error) {
	timeout := s.config.commandTimeout()
	for _, cmd := range initCommands(s.config.Charset) {
		if _, err := channel.Send(ctx, cmd, timeout); err != nil {
			return Info{}, fmt.Errorf("初始化命令 %s 失败: %w", cmd, err)
		}
	}

	info := Info{Port: s.config.PortName}
	required := []struct {
		parser ResponseParser
		target *string
	}{
		{IMEIParser, &info.IMEI},
		{ICCIDParser, &info.ICCID},
		{OperatorParser, &info.Operator},
	}
	for _, q := range required {
		value, err := query(ctx, channel, q.parser, timeout)
		if err != nil {
			return Info{}, err
		}
		*q.target = value
	}

	number, err := query(ctx, channel, PhoneNumberParser, timeout)
	if err != nil {
		log.Printf("%s %s 未能获取本机号码，继续上线: %v", logPrefix, s.config.PortName, err)
	} else {
		info.PhoneNumber = number
	}
	return info, nil
}

func query(ctx context.Context, channel *Channel, parser ResponseParser, timeout time.Duration) (string, error) {
	response, err := channel.Send(ctx, parser.Command(), timeout)
	if err != nil {
		return "", err
	}
	return parser.Parse(response)
}

func (s *Session) fail(channel *Channel, err error) {
	if channel != nil {
		_ = channel.Close()
	}
	s.mu.Lock()
	s.state = StateError
	s.lastErr = err
	s.mu.Unlock()
	log.Printf("%s %s 上线失败: %v", logPrefix, s.config.PortName, err)
}

// Channel 返回已上线会话的通道
func (s *Session) Channel() (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.channel == nil {
		return nil, ErrNotConnected
	}
	return s.channel, nil
}

// Send 使用会话的命令超时发送一条命令
func (s *Session) Send(ctx context.Context, command string) (string, error) {
	channel, err := s.Channel()
	if err != nil {
		return "", err
	}
	return channel.Send(ctx, command, s.config.commandTimeout())
}

// ReadSignalQuality 查询信号并返回 0-100 的百分比；未知信号返回 ErrSignalUnknown
func (s *Session) ReadSignalQuality(ctx context.Context) (int, error) {
	response, err := s.Send(ctx, CMD_SIGNAL_QUALITY)
	if err != nil {
		return 0, err
	}
	raw, err := ParseSignalQuality(response)
	if err != nil {
		return 0, err
	}
	if raw == unknownRawSignal {
		return 0, ErrSignalUnknown
	}
	return SignalPercent(raw), nil
}

// CheckSignalQuality 与 ReadSignalQuality 相同，失败时记录日志并返回 0
func (s *Session) CheckSignalQuality(ctx context.Context) int {
	percent, err := s.ReadSignalQuality(ctx)
	if err != nil {
		log.Printf("%s %s 信号查询失败: %v", logPrefix, s.config.PortName, err)
		return 0
	}
	return percent
}

// MarkError 通道故障时由轮询方调用
func (s *Session) MarkError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOffline {
		return
	}
	s.state = StateError
	s.lastErr = err
}

// Disconnect 关闭通道并回到 Offline，可重复调用
func (s *Session) Disconnect() {
	s.mu.Lock()
	channel := s.channel
	s.channel = nil
	s.state = StateOffline
	s.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			log.Printf("%s %s 关闭串口失败: %v", logPrefix, s.config.PortName, err)
		}
		log.Printf("%s %s 已断开", logPrefix, s.config.PortName)
	}
}
