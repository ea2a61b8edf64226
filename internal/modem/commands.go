package modem

import "strconv"

const (
	CMD_PROBE          = "AT"
	CMD_ECHO_OFF       = "ATE0"
	CMD_SMS_TEXT_MODE  = "AT+CMGF=1"
	CMD_SET_CHARSET    = "AT+CSCS=\"UCS2\""
	CMD_GET_IMEI       = "AT+GSN"
	CMD_GET_ICCID      = "AT+CCID"
	CMD_GET_OPERATOR   = "AT+COPS?"
	CMD_GET_NUMBER     = "AT+CNUM"
	CMD_SIGNAL_QUALITY = "AT+CSQ"
	CMD_LIST_SMS       = "AT+CMGL=\"ALL\""
	CMD_DELETE_SMS     = "AT+CMGD="
)

// CharsetUCS2 配置 Charset 为该值时，发件人与正文按 UCS2 十六进制解码
const CharsetUCS2 = "UCS2"

// initCommands 上线时依次执行的初始化序列
func initCommands(charset string) []string {
	commands := []string{CMD_PROBE, CMD_ECHO_OFF, CMD_SMS_TEXT_MODE}
	if charset == CharsetUCS2 {
		commands = append(commands, CMD_SET_CHARSET)
	}
	return commands
}

func deleteCommand(index int) string {
	return CMD_DELETE_SMS + strconv.Itoa(index)
}
