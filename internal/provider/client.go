// Package provider 是激活平台（SMS Hub）的 HTTP 客户端。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	actionGetServices      = "GET_SERVICES"
	actionGetNumber        = "GET_NUMBER"
	actionFinishActivation = "FINISH_ACTIVATION"
	actionPushSMS          = "PUSH_SMS"

	StatusSuccess   = "SUCCESS"
	StatusError     = "ERROR"
	StatusNoNumbers = "NO_NUMBERS"

	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 512
	logPrefix        = "[Provider]"
)

// ErrTransport 网络、HTTP 状态码或响应解析失败
var ErrTransport = errors.New("provider transport failure")

// Error 平台返回的业务失败（status=ERROR/NO_NUMBERS）
type Error struct {
	Action string
	Status string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Action, e.Status, e.Reason)
}

// Config 客户端配置
type Config struct {
	URL       string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Client 平台客户端
type Client struct {
	url        string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewClient 创建客户端
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ==================== 请求与响应 ====================

// GetNumberRequest 申请号码
type GetNumberRequest struct {
	Country         string
	Service         string
	Operator        string
	ExceptionPhones []string
}

// NumberAssignment 平台分配的号码
type NumberAssignment struct {
	Number       string
	ActivationID string
}

// PushSMSRequest 推送收到的短信
type PushSMSRequest struct {
	SMSID     string
	Phone     string
	PhoneFrom string
	Text      string
}

// CountryServices 某国家各运营商可用服务及数量
type CountryServices struct {
	Country     string                    `json:"country"`
	OperatorMap map[string]map[string]int `json:"operatorMap"`
}

// SupportedServices 返回运营商下数量大于 0 的服务
func (c CountryServices) SupportedServices(operator string) []string {
	var services []string
	for service, count := range c.OperatorMap[operator] {
		if count > 0 {
			services = append(services, service)
		}
	}
	return services
}

// flexString 平台有时用数字有时用字符串
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

type envelope struct {
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
	Number       flexString        `json:"number,omitempty"`
	ActivationID flexString        `json:"activationId,omitempty"`
	CountryList  []CountryServices `json:"countryList,omitempty"`
}

// ==================== 接口 ====================

// GetServices 查询平台当前可用服务
func (c *Client) GetServices(ctx context.Context) ([]CountryServices, error) {
	resp, err := c.call(ctx, actionGetServices, map[string]any{})
	if err != nil {
		return nil, err
	}
	return resp.CountryList, nil
}

// GetNumber 为服务申请号码与激活 ID
func (c *Client) GetNumber(ctx context.Context, req GetNumberRequest) (NumberAssignment, error) {
	body := map[string]any{
		"country":  req.Country,
		"service":  req.Service,
		"operator": req.Operator,
	}
	if len(req.ExceptionPhones) > 0 {
		body["exceptionPhoneSet"] = req.ExceptionPhones
	}
	resp, err := c.call(ctx, actionGetNumber, body)
	if err != nil {
		return NumberAssignment{}, err
	}
	if resp.Number == "" || resp.ActivationID == "" {
		return NumberAssignment{}, fmt.Errorf("%w: %s 响应缺少 number/activationId", ErrTransport, actionGetNumber)
	}
	return NumberAssignment{Number: string(resp.Number), ActivationID: string(resp.ActivationID)}, nil
}

// FinishActivation 上报激活最终状态
func (c *Client) FinishActivation(ctx context.Context, activationID string, status int) error {
	_, err := c.call(ctx, actionFinishActivation, map[string]any{
		"activationId": activationID,
		"status":       status,
	})
	return err
}

// PushSMS 推送短信内容
func (c *Client) PushSMS(ctx context.Context, req PushSMSRequest) error {
	_, err := c.call(ctx, actionPushSMS, map[string]any{
		"smsId":     req.SMSID,
		"phone":     req.Phone,
		"phoneFrom": req.PhoneFrom,
		"text":      req.Text,
	})
	return err
}

// call 发送 {action, key, ...} 并解析状态；业务失败返回 *Error，其余失败包装 ErrTransport
func (c *Client) call(ctx context.Context, action string, body map[string]any) (*envelope, error) {
	body["action"] = action
	body["key"] = c.apiKey
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: 编码请求失败: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("%s %s 请求失败: %v", logPrefix, action, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: %s: HTTP %d: %s", ErrTransport, action, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: 解析响应失败: %v", ErrTransport, action, err)
	}

	switch out.Status {
	case StatusSuccess:
		return &out, nil
	case "":
		return nil, fmt.Errorf("%w: %s: 响应缺少 status", ErrTransport, action)
	default:
		log.Printf("%s %s 返回 %s: %s", logPrefix, action, out.Status, out.Error)
		return nil, &Error{Action: action, Status: out.Status, Reason: out.Error}
	}
}

// IsApplicationError 是否为平台业务失败
func IsApplicationError(err error) bool {
	var providerErr *Error
	return errors.As(err, &providerErr)
}
