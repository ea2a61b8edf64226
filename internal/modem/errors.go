package modem

import (
	"errors"
	"fmt"
)

// ==================== 错误定义 ====================

var (
	// ErrTimeout 命令在超时时间内未拿到锁或未收到结束标记
	ErrTimeout = errors.New("modem command timed out")
	// ErrClosed 通道已被主动关闭
	ErrClosed = errors.New("modem channel closed")
	// ErrNotConnected 会话未处于 Active 状态
	ErrNotConnected = errors.New("modem session not connected")
	// ErrSignalUnknown +CSQ 返回 99，模块尚未测得信号
	ErrSignalUnknown = errors.New("modem signal quality unknown")
)

// ConnectError 打开串口失败
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("打开串口 %s 失败: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError 串口读写故障
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("串口%s失败: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeviceError 设备返回 ERROR / +CME ERROR / +CMS ERROR
type DeviceError struct {
	Command  string
	Response string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("命令 %s 返回错误: %s", e.Command, e.Response)
}

// ExtractionError 响应中缺少期望的字段
type ExtractionError struct {
	Command  string
	Field    string
	Response string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("无法从 %s 响应中提取%s: %q", e.Command, e.Field, e.Response)
}
