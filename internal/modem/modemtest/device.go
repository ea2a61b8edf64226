// Package modemtest 提供脚本化的假串口设备，供模块引擎及上层组件测试使用。
package modemtest

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"smshub-agent/internal/modem"
)

const idleReadPause = 2 * time.Millisecond

// Responder 根据收到的命令生成原始响应（含换行），返回空串表示设备不作答。
// 在设备锁内执行，不能回调 Device 的方法
type Responder func(command string) string

// Message 假 SIM 卡中的一条短信
type Message struct {
	Index     int
	Sender    string
	Text      string
	Timestamp string
}

// Device 实现 modem.Port 的假设备
type Device struct {
	mu         sync.Mutex
	responders map[string]Responder
	prefixes   map[string]Responder
	output     bytes.Buffer
	input      strings.Builder
	commands   []string
	flushes    int
	closed     bool
	writeErr   error
	readErr    error
	openErr    error
	inbox      map[int]Message
	nextIndex  int
}

// NewDevice 创建不带任何脚本的设备；未知命令回复 ERROR
func NewDevice() *Device {
	d := &Device{
		responders: map[string]Responder{},
		prefixes:   map[string]Responder{},
		inbox:      map[int]Message{},
		nextIndex:  1,
	}
	d.HandleFunc(modem.CMD_LIST_SMS, d.listInbox)
	d.HandlePrefix(modem.CMD_DELETE_SMS, d.deleteFromInbox)
	return d
}

// NewHealthyDevice 创建能完成上线流程的设备
func NewHealthyDevice(imei string) *Device {
	d := NewDevice()
	d.Handle(modem.CMD_PROBE, "OK")
	d.Handle(modem.CMD_ECHO_OFF, "OK")
	d.Handle(modem.CMD_SMS_TEXT_MODE, "OK")
	d.Handle(modem.CMD_SET_CHARSET, "OK")
	d.Handle(modem.CMD_GET_IMEI, imei+"\r\n\r\nOK")
	d.Handle(modem.CMD_GET_ICCID, "+CCID: 89701010000000000001\r\n\r\nOK")
	d.Handle(modem.CMD_GET_OPERATOR, `+COPS: 0,0,"MegaFon"`+"\r\n\r\nOK")
	d.Handle(modem.CMD_GET_NUMBER, `+CNUM: "","+79990000000",145`+"\r\n\r\nOK")
	d.Handle(modem.CMD_SIGNAL_QUALITY, "+CSQ: 16,99\r\n\r\nOK")
	return d
}

// Handle 为命令注册固定响应，自动补上首尾换行
func (d *Device) Handle(command, response string) {
	d.HandleFunc(command, func(string) string { return "\r\n" + response + "\r\n" })
}

// HandleFunc 为命令注册动态响应
func (d *Device) HandleFunc(command string, fn Responder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responders[command] = fn
}

// HandlePrefix 为某前缀的命令注册动态响应（如 AT+CMGD=）
func (d *Device) HandlePrefix(prefix string, fn Responder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefixes[prefix] = fn
}

// Silence 让设备对该命令不作答
func (d *Device) Silence(command string) {
	d.HandleFunc(command, func(string) string { return "" })
}

// FailWrites 之后所有写入返回 err
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// FailReads 之后所有读取返回 err
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// FailOpen 让 Opener 返回 err
func (d *Device) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// InjectStale 模拟上一轮遗留在缓冲区中的数据
func (d *Device) InjectStale(data string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.output.WriteString(data)
}

// AddMessage 向假 SIM 卡写入一条短信，返回其索引
func (d *Device) AddMessage(sender, text string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	index := d.nextIndex
	d.nextIndex++
	d.inbox[index] = Message{Index: index, Sender: sender, Text: text, Timestamp: "24/01/01,12:00:00+12"}
	return index
}

// Inbox 当前 SIM 卡中的短信，按索引排序
func (d *Device) Inbox() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedInbox()
}

// Commands 已收到的命令（不含换行）
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CountCommand 某命令被发送的次数
func (d *Device) CountCommand(command string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == command {
			n++
		}
	}
	return n
}

// Flushes Flush 被调用的次数
func (d *Device) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Closed 是否已关闭
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Opener 返回打开该设备的 modem.Opener；每次打开都会重置关闭标记
func (d *Device) Opener() modem.Opener {
	return func(modem.PortConfig) (modem.Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.openErr != nil {
			return nil, d.openErr
		}
		d.closed = false
		d.output.Reset()
		return d, nil
	}
}

// ==================== modem.Port ====================

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.input.Write(p)
	for {
		buffered := d.input.String()
		idx := strings.Index(buffered, "\r\n")
		if idx < 0 {
			break
		}
		command := buffered[:idx]
		d.input.Reset()
		d.input.WriteString(buffered[idx+2:])
		d.commands = append(d.commands, command)
		d.output.WriteString(d.respond(command))
	}
	return len(p), nil
}

func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, os.ErrClosed
	}
	if d.readErr != nil {
		err := d.readErr
		d.mu.Unlock()
		return 0, err
	}
	if d.output.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(idleReadPause)
		return 0, nil
	}
	defer d.mu.Unlock()
	return d.output.Read(p)
}

func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	d.output.Reset()
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// respond 需持有锁
func (d *Device) respond(command string) string {
	if fn, ok := d.responders[command]; ok {
		return fn(command)
	}
	for prefix, fn := range d.prefixes {
		if strings.HasPrefix(command, prefix) {
			return fn(command)
		}
	}
	return "\r\nERROR\r\n"
}

// listInbox 需持有锁
func (d *Device) listInbox(string) string {
	var b strings.Builder
	b.WriteString("\r\n")
	for _, m := range d.sortedInbox() {
		fmt.Fprintf(&b, "+CMGL: %d,\"REC UNREAD\",\"%s\",,\"%s\"\r\n%s\r\n", m.Index, m.Sender, m.Timestamp, m.Text)
	}
	b.WriteString("\r\nOK\r\n")
	return b.String()
}

// deleteFromInbox 需持有锁
func (d *Device) deleteFromInbox(command string) string {
	index, err := strconv.Atoi(strings.TrimPrefix(command, modem.CMD_DELETE_SMS))
	if err != nil {
		return "\r\n+CMS ERROR: 321\r\n"
	}
	delete(d.inbox, index)
	return "\r\nOK\r\n"
}

func (d *Device) sortedInbox() []Message {
	messages := make([]Message, 0, len(d.inbox))
	for _, m := range d.inbox {
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Index < messages[j].Index })
	return messages
}
