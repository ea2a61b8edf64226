package modem

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

const defaultReadTimeout = 200 * time.Millisecond

// Port 串口句柄抽象：读写关闭之外还需要能丢弃缓冲区中的残留输入
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// PortConfig 打开串口所需参数
type PortConfig struct {
	Name        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Opener 按配置打开串口，生产环境使用 OpenSerial，测试中替换为假设备
type Opener func(cfg PortConfig) (Port, error)

// OpenSerial 基于 tarm/serial 打开真实串口
func OpenSerial(cfg PortConfig) (Port, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.BaudRate,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
