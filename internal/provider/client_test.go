package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	UserAgent   string
	ContentType string
	Body        map[string]any
}

func newTestServer(t *testing.T, reply func(body map[string]any) (int, string)) (*Client, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		requests = append(requests, recordedRequest{
			UserAgent:   r.Header.Get("User-Agent"),
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
		code, payload := reply(body)
		w.WriteHeader(code)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)

	client := NewClient(Config{URL: server.URL, APIKey: "secret", UserAgent: "smshub-agent-test", Timeout: 2 * time.Second})
	return client, &requests
}

func TestGetNumber(t *testing.T) {
	client, requests := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"SUCCESS","number":79990000000,"activationId":"A1"}`
	})

	assignment, err := client.GetNumber(context.Background(), GetNumberRequest{
		Country:         "russia",
		Service:         "vk",
		Operator:        "megafon",
		ExceptionPhones: []string{"7999"},
	})
	require.NoError(t, err)
	assert.Equal(t, "79990000000", assignment.Number)
	assert.Equal(t, "A1", assignment.ActivationID)

	require.Len(t, *requests, 1)
	got := (*requests)[0]
	assert.Equal(t, "smshub-agent-test", got.UserAgent)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "GET_NUMBER", got.Body["action"])
	assert.Equal(t, "secret", got.Body["key"])
	assert.Equal(t, "vk", got.Body["service"])
	assert.Equal(t, []any{"7999"}, got.Body["exceptionPhoneSet"])
}

func TestGetNumberOmitsEmptyExceptionSet(t *testing.T) {
	client, requests := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"SUCCESS","number":"79990000000","activationId":42}`
	})

	assignment, err := client.GetNumber(context.Background(), GetNumberRequest{Service: "vk"})
	require.NoError(t, err)
	assert.Equal(t, "42", assignment.ActivationID)
	_, present := (*requests)[0].Body["exceptionPhoneSet"]
	assert.False(t, present)
}

func TestNoNumbersIsApplicationError(t *testing.T) {
	client, _ := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"NO_NUMBERS"}`
	})

	_, err := client.GetNumber(context.Background(), GetNumberRequest{Service: "vk"})
	var providerErr *Error
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, StatusNoNumbers, providerErr.Status)
	assert.True(t, IsApplicationError(err))
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestErrorStatusCarriesReason(t *testing.T) {
	client, _ := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"ERROR","error":"WRONG_KEY"}`
	})

	err := client.FinishActivation(context.Background(), "A1", 3)
	var providerErr *Error
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, "FINISH_ACTIVATION", providerErr.Action)
	assert.Equal(t, "WRONG_KEY", providerErr.Reason)
	assert.Contains(t, err.Error(), "WRONG_KEY")
}

func TestFinishActivationBody(t *testing.T) {
	client, requests := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"SUCCESS"}`
	})

	require.NoError(t, client.FinishActivation(context.Background(), "A1", 3))
	body := (*requests)[0].Body
	assert.Equal(t, "A1", body["activationId"])
	assert.Equal(t, float64(3), body["status"])
}

func TestPushSMSBody(t *testing.T) {
	client, requests := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"SUCCESS"}`
	})

	err := client.PushSMS(context.Background(), PushSMSRequest{SMSID: "s1", Phone: "+79990000000", PhoneFrom: "VK", Text: "Code 1234"})
	require.NoError(t, err)
	body := (*requests)[0].Body
	assert.Equal(t, "PUSH_SMS", body["action"])
	assert.Equal(t, "s1", body["smsId"])
	assert.Equal(t, "+79990000000", body["phone"])
	assert.Equal(t, "VK", body["phoneFrom"])
	assert.Equal(t, "Code 1234", body["text"])
}

func TestTransportFailures(t *testing.T) {
	cases := map[string]func(map[string]any) (int, string){
		"http status": func(map[string]any) (int, string) { return http.StatusBadGateway, "bad gateway" },
		"bad json":    func(map[string]any) (int, string) { return http.StatusOK, "not json" },
		"no status":   func(map[string]any) (int, string) { return http.StatusOK, `{}` },
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestServer(t, reply)
			err := client.PushSMS(context.Background(), PushSMSRequest{SMSID: "s1"})
			assert.ErrorIs(t, err, ErrTransport)
			assert.False(t, IsApplicationError(err))
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(Config{URL: url, APIKey: "k", Timeout: time.Second})
	err := client.PushSMS(context.Background(), PushSMSRequest{SMSID: "s1"})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestGetServices(t *testing.T) {
	client, _ := newTestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"status":"SUCCESS","countryList":[{"country":"russia","operatorMap":{"megafon":{"vk":3,"tg":0}}}]}`
	})

	countries, err := client.GetServices(context.Background())
	require.NoError(t, err)
	require.Len(t, countries, 1)
	assert.Equal(t, "russia", countries[0].Country)
	assert.Equal(t, []string{"vk"}, countries[0].SupportedServices("megafon"))
	assert.Empty(t, countries[0].SupportedServices("beeline"))
}
