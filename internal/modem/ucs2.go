package modem

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const ucs2HexCharsPerUnit = 4

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// decodeUCS2 将 UCS2（UTF-16BE）HEX 字符串解码为文本
func decodeUCS2(hexString string) (string, error) {
	cleaned := strings.Join(strings.Fields(hexString), "")
	if cleaned == "" || len(cleaned)%ucs2HexCharsPerUnit != 0 {
		return "", fmt.Errorf("UCS2 HEX 长度非法: %d", len(cleaned))
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("HEX 解码失败: %w", err)
	}
	decoded, err := utf16BE.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("UTF-16BE 解码失败: %w", err)
	}
	return string(decoded), nil
}

// decodeIfNeeded UCS2 模式下尝试解码，失败则原样返回
func decodeIfNeeded(value, charset string) string {
	if charset != CharsetUCS2 {
		return value
	}
	if decoded, err := decodeUCS2(value); err == nil {
		return decoded
	}
	return value
}
