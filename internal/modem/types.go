package modem

import "time"

// State 会话状态
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "offline"
	}
}

// StoredMessage SIM 卡中的一条短信
type StoredMessage struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// Incoming 交给上层处理的收件
type Incoming struct {
	Port      string
	Index     int
	Sender    string
	Text      string
	Timestamp string
}

// Info 上线时提取的身份信息
type Info struct {
	Port        string `json:"port"`
	IMEI        string `json:"imei"`
	ICCID       string `json:"iccid"`
	Operator    string `json:"operator"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Config 单个模块会话的配置
type Config struct {
	PortName       string
	BaudRate       int
	ReadTimeout    time.Duration
	CommandTimeout time.Duration
	PollInterval   time.Duration
	Charset        string
}

func (c Config) portConfig() PortConfig {
	return PortConfig{Name: c.PortName, BaudRate: c.BaudRate, ReadTimeout: c.ReadTimeout}
}

func (c Config) commandTimeout() time.Duration {
	if c.CommandTimeout <= 0 {
		return defaultCommandTimeout
	}
	return c.CommandTimeout
}
