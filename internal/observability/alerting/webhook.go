package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookFormat 决定推送到 webhook 的请求体格式。
type WebhookFormat string

const (
	// FormatJSON 直接推送 Event 的 JSON 编码。
	FormatJSON WebhookFormat = "json"
	// FormatSlack 使用 Slack incoming webhook 的 text 消息。
	FormatSlack WebhookFormat = "slack"
	// FormatDingTalk 使用钉钉机器人的 markdown 消息。
	FormatDingTalk WebhookFormat = "dingtalk"
)

// ParseWebhookFormat 解析配置中的格式名称，空值视为 json。
func ParseWebhookFormat(raw string) (WebhookFormat, error) {
	switch f := WebhookFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatSlack, FormatDingTalk:
		return f, nil
	default:
		return "", fmt.Errorf("未知的告警 webhook 格式: %s", raw)
	}
}

// WebhookNotifier 以 JSON POST 的方式把告警推送到外部地址。
type WebhookNotifier struct {
	URL     string
	Format  WebhookFormat
	Headers map[string]string
	Client  *http.Client
}

// NewWebhookNotifier 创建带超时的 WebhookNotifier。
func NewWebhookNotifier(url string, format WebhookFormat, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: url, Format: format, Headers: headers, Client: &http.Client{Timeout: timeout}}
}

// Channel 按请求体格式返回渠道。
func (n *WebhookNotifier) Channel() Channel {
	switch n.Format {
	case FormatSlack:
		return ChannelSlack
	case FormatDingTalk:
		return ChannelDingTalk
	default:
		return ChannelWebhook
	}
}

func (n *WebhookNotifier) payload(event Event) any {
	headline := fmt.Sprintf("[%s] %s: %s", event.Severity, event.Code, event.Message)
	switch n.Format {
	case FormatSlack:
		return map[string]string{"text": fmt.Sprintf("*%s*\n%s\n%s", headline, event.subject(), event.details())}
	case FormatDingTalk:
		return map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": string(event.Code),
				"text":  fmt.Sprintf("### %s\n\n%s\n\n%s", headline, event.subject(), event.details()),
			},
		}
	default:
		return event
	}
}

// Notify 推送告警，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("推送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
