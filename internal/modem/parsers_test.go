package modem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/modem"
)

func TestFieldParsers(t *testing.T) {
	cases := []struct {
		name     string
		parser   modem.ResponseParser
		command  string
		response string
		want     string
	}{
		{"imei", modem.IMEIParser, "AT+GSN", "356938035643809\nOK", "356938035643809"},
		{"iccid", modem.ICCIDParser, "AT+CCID", "+CCID: 89701010000000000001\nOK", "89701010000000000001"},
		{"operator", modem.OperatorParser, "AT+COPS?", `+COPS: 0,0,"MegaFon"` + "\nOK", "MegaFon"},
		{"number", modem.PhoneNumberParser, "AT+CNUM", `+CNUM: "","+79990000000",145` + "\nOK", "+79990000000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.command, tc.parser.Command())
			got, err := tc.parser.Parse(tc.response)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFieldParserMissingTokenIsExtractionError(t *testing.T) {
	_, err := modem.IMEIParser.Parse("OK")

	var extractionErr *modem.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, "AT+GSN", extractionErr.Command)
	assert.Equal(t, "OK", extractionErr.Response)

	_, err = modem.PhoneNumberParser.Parse(`+CNUM: "",""` + "\nOK")
	assert.ErrorAs(t, err, &extractionErr)
}

func TestSignalQuality(t *testing.T) {
	raw, err := modem.ParseSignalQuality("+CSQ: 16,99\nOK")
	require.NoError(t, err)
	assert.Equal(t, 16, raw)

	assert.Equal(t, 100, modem.SignalPercent(31))
	assert.Equal(t, 0, modem.SignalPercent(0))
	assert.Equal(t, 52, modem.SignalPercent(16))
	assert.Equal(t, 100, modem.SignalPercent(99))

	_, err = modem.ParseSignalQuality("OK")
	var extractionErr *modem.ExtractionError
	assert.ErrorAs(t, err, &extractionErr)
}

func TestParseMessageListMultipleRecords(t *testing.T) {
	response := "+CMGL: 1,\"REC UNREAD\",\"+79001112233\",,\"24/01/01,12:00:00+12\"\n" +
		"Your code is 1234\n" +
		"+CMGL: 2,\"REC READ\",\"VK\",,\"24/01/01,12:01:00+12\"\n" +
		"first line\n" +
		"second line\n" +
		"OK"

	messages := modem.ParseMessageList(response, "")

	require.Len(t, messages, 2)
	assert.Equal(t, modem.StoredMessage{
		Index:     1,
		Status:    "REC UNREAD",
		Sender:    "+79001112233",
		Timestamp: "24/01/01,12:00:00+12",
		Text:      "Your code is 1234",
	}, messages[0])
	assert.Equal(t, 2, messages[1].Index)
	assert.Equal(t, "VK", messages[1].Sender)
	assert.Equal(t, "first line\nsecond line", messages[1].Text)
}

func TestParseMessageListBodyLineOK(t *testing.T) {
	response := "+CMGL: 1,\"REC UNREAD\",\"VK\",,\"24/01/01,12:00:00+12\"\n" +
		"OK\n" +
		"+CMGL: 2,\"REC UNREAD\",\"+79001112233\",,\"24/01/01,12:01:00+12\"\n" +
		"code 1234\n" +
		"OK\n" +
		"OK"

	messages := modem.ParseMessageList(response, "")

	require.Len(t, messages, 2)
	assert.Equal(t, "OK", messages[0].Text)
	assert.Equal(t, "code 1234\nOK", messages[1].Text)
}

func TestParseMessageListEmpty(t *testing.T) {
	assert.Empty(t, modem.ParseMessageList("OK", ""))
	assert.Empty(t, modem.ParseMessageList("", ""))
}

func TestParseMessageListUCS2(t *testing.T) {
	// "+7" and "Код 42" in UTF-16BE hex
	response := "+CMGL: 3,\"REC UNREAD\",\"002B0037\",,\"24/01/01,12:00:00+12\"\n" +
		"041A043E04340020003400320\n"
	messages := modem.ParseMessageList(response+"OK", modem.CharsetUCS2)
	require.Len(t, messages, 1)
	assert.Equal(t, "+7", messages[0].Sender)
	// malformed body (odd length) is kept verbatim
	assert.Equal(t, "041A043E04340020003400320", messages[0].Text)

	response = "+CMGL: 3,\"REC UNREAD\",\"002B0037\",,\"24/01/01,12:00:00+12\"\n" +
		"041A043E0434002000340032\nOK"
	messages = modem.ParseMessageList(response, modem.CharsetUCS2)
	require.Len(t, messages, 1)
	assert.Equal(t, "Код 42", messages[0].Text)
}
