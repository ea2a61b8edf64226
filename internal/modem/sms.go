package modem

import (
	"strconv"
	"strings"
)

const cmglPrefix = "+CMGL:"

// ParseMessageList 解析 AT+CMGL="ALL" 的响应，一个响应中可包含多条短信，
// 正文可跨多行，直到下一条 +CMGL 记录或末尾的 OK 为止
func ParseMessageList(response, charset string) []StoredMessage {
	var (
		messages  []StoredMessage
		current   StoredMessage
		body      []string
		inMessage bool
	)

	flush := func() {
		if !inMessage {
			return
		}
		current.Text = decodeIfNeeded(strings.Join(body, "\n"), charset)
		messages = append(messages, current)
		body = body[:0]
		inMessage = false
	}

	lines := strings.Split(strings.TrimRight(response, "\r\n"), "\n")
	// 只有最后一行 OK 是结束标记，正文里的 OK 属于短信内容
	if last := len(lines) - 1; strings.TrimSpace(lines[last]) == "OK" {
		lines = lines[:last]
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, cmglPrefix):
			flush()
			parsed, ok := parseCMGLHeader(trimmed, charset)
			if !ok {
				continue
			}
			current = parsed
			inMessage = true
		case inMessage:
			body = append(body, trimmed)
		}
	}
	flush()
	return messages
}

// parseCMGLHeader 解析 +CMGL: <index>,"<stat>","<oa>",[<alpha>],"<scts>"
func parseCMGLHeader(line, charset string) (StoredMessage, bool) {
	fields := splitQuoted(strings.TrimSpace(strings.TrimPrefix(line, cmglPrefix)))
	if len(fields) < 3 {
		return StoredMessage{}, false
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return StoredMessage{}, false
	}

	msg := StoredMessage{
		Index:  index,
		Status: fields[1],
		Sender: decodeIfNeeded(fields[2], charset),
	}
	if len(fields) > 4 {
		msg.Timestamp = fields[4]
	}
	return msg, true
}

// splitQuoted 按逗号切分，引号内的逗号不切分（时间戳 "24/01/01,12:00:00+12" 含逗号）
func splitQuoted(s string) []string {
	var (
		fields  []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(current.String()))
}
