package modem

import (
	"math"
	"regexp"
	"strconv"
)

// ==================== 响应解析器 ====================

// ResponseParser 每条查询命令的响应语法独立成一个解析器
type ResponseParser interface {
	Command() string
	Parse(response string) (string, error)
}

// fieldQuery 用正则第一个匹配（或第一个分组）提取字段
type fieldQuery struct {
	command string
	field   string
	pattern *regexp.Regexp
}

func (q fieldQuery) Command() string { return q.command }

func (q fieldQuery) Parse(response string) (string, error) {
	match := q.pattern.FindStringSubmatch(response)
	if match == nil {
		return "", &ExtractionError{Command: q.command, Field: q.field, Response: response}
	}
	if len(match) > 1 {
		return match[1], nil
	}
	return match[0], nil
}

var (
	IMEIParser = fieldQuery{
		command: CMD_GET_IMEI,
		field:   "IMEI",
		pattern: regexp.MustCompile(`\d{15}`),
	}
	ICCIDParser = fieldQuery{
		command: CMD_GET_ICCID,
		field:   "ICCID",
		pattern: regexp.MustCompile(`\d{18,22}`),
	}
	OperatorParser = fieldQuery{
		command: CMD_GET_OPERATOR,
		field:   "运营商",
		pattern: regexp.MustCompile(`\+COPS: \d,\d,"(.+)"`),
	}
	PhoneNumberParser = fieldQuery{
		command: CMD_GET_NUMBER,
		field:   "本机号码",
		pattern: regexp.MustCompile(`\+CNUM: ".*?","([+\d]+)"`),
	}
)

// ==================== 信号质量 ====================

const (
	maxRawSignal     = 31
	unknownRawSignal = 99
)

var csqPattern = regexp.MustCompile(`\+CSQ: (\d+),`)

// ParseSignalQuality 提取 +CSQ 的原始 RSSI 值（0-31，99 表示未知）
func ParseSignalQuality(response string) (int, error) {
	match := csqPattern.FindStringSubmatch(response)
	if match == nil {
		return 0, &ExtractionError{Command: CMD_SIGNAL_QUALITY, Field: "信号质量", Response: response}
	}
	raw, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, &ExtractionError{Command: CMD_SIGNAL_QUALITY, Field: "信号质量", Response: response}
	}
	return raw, nil
}

// SignalPercent 把 0-31 线性映射到 0-100，超出部分截断为 100
func SignalPercent(raw int) int {
	if raw <= 0 {
		return 0
	}
	percent := int(math.Round(float64(raw) / maxRawSignal * 100))
	if percent > 100 {
		return 100
	}
	return percent
}
