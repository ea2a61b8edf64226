package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// ==================== 常量 ====================

const (
	defaultCommandTimeout = 5 * time.Second
	recoverableBackoff    = 100 * time.Millisecond
	readChunkSize         = 256
	lineTerminator        = "\r\n"
)

// ==================== 命令通道 ====================

// Channel 单个设备的 AT 命令通道，同一时刻只允许一条命令在途
type Channel struct {
	port Port
	name string
	lock fifoLock

	mu     sync.Mutex
	closed bool
}

// Open 打开串口并返回命令通道，失败时返回 *ConnectError
func Open(opener Opener, cfg PortConfig) (*Channel, error) {
	if opener == nil {
		opener = OpenSerial
	}
	p, err := opener(cfg)
	if err != nil {
		return nil, &ConnectError{Port: cfg.Name, Err: err}
	}
	return &Channel{port: p, name: cfg.Name}, nil
}

// Name 串口名
func (c *Channel) Name() string {
	return c.name
}

// Close 关闭串口，可重复调用
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.port.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send 发送一条 AT 命令并收集响应直到 OK 或错误标记。
// 拿锁与读响应共用同一个 timeout，拿不到锁直接返回 ErrTimeout。
func (c *Channel) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	deadline := time.Now().Add(timeout)
	lockCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := c.lock.Lock(lockCtx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrTimeout
	}
	defer c.lock.Unlock()

	if c.isClosed() {
		return "", ErrClosed
	}
	if err := c.port.Flush(); err != nil {
		return "", c.transportError("清空缓冲区", err)
	}
	if _, err := c.port.Write([]byte(command + lineTerminator)); err != nil {
		return "", c.transportError("写入", err)
	}
	return c.readResponse(ctx, command, deadline)
}

// readResponse 逐行读取直到结束标记，读超时与 EOF 视为暂时无数据。
// 短信列表的正文可能恰好是一行 OK，所以列表命令以 OK 之后读空一次为结束
func (c *Channel) readResponse(ctx context.Context, command string, deadline time.Time) (string, error) {
	var (
		lines   []string
		partial strings.Builder
		buf     = make([]byte, readChunkSize)
		settle  = command == CMD_LIST_SMS
		pending bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			if pending {
				return classifyResponse(command, lines)
			}
			return "", ErrTimeout
		}

		n, err := c.port.Read(buf)
		if n > 0 {
			partial.Write(buf[:n])
			var done bool
			lines, done = appendLines(lines, &partial, settle)
			if done {
				return classifyResponse(command, lines)
			}
			pending = settle && partial.Len() == 0 && len(lines) > 0 && lines[len(lines)-1] == "OK"
		}
		if err != nil && !isRecoverableReadError(err) {
			return "", c.transportError("读取", err)
		}
		if n == 0 {
			if pending {
				return classifyResponse(command, lines)
			}
			time.Sleep(recoverableBackoff)
		}
	}
}

// appendLines 把缓冲区中完整的行取出，遇到结束行时返回 done；
// settle 为 true 时 OK 不结束读取，由调用方等待读空
func appendLines(lines []string, partial *strings.Builder, settle bool) ([]string, bool) {
	data := partial.String()
	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(data[:idx])
		data = data[idx+1:]
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if isErrorLine(line) || (!settle && line == "OK") {
			partial.Reset()
			return lines, true
		}
	}
	partial.Reset()
	partial.WriteString(data)
	return lines, false
}

func isErrorLine(line string) bool {
	return line == "ERROR" ||
		strings.HasPrefix(line, "+CME ERROR") ||
		strings.HasPrefix(line, "+CMS ERROR")
}

func classifyResponse(command string, lines []string) (string, error) {
	response := strings.Join(lines, "\n")
	if isErrorLine(lines[len(lines)-1]) {
		return "", &DeviceError{Command: command, Response: response}
	}
	return response, nil
}

func isRecoverableReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError 通道已关闭时读写失败归为 ErrClosed
func (c *Channel) transportError(operation string, err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	return &TransportError{Operation: operation, Err: fmt.Errorf("%s: %w", c.name, err)}
}
