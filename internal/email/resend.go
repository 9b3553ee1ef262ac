package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"
)

const defaultEndpoint = "https://api.resend.com/emails"

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
}

// NewResendClient 创建新的 Resend 客户端
func NewResendClient(apiKey, from string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		from:       from,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint 替换 API 地址，测试时指向本地服务
func (c *ResendClient) WithEndpoint(endpoint string) *ResendClient {
	c.endpoint = endpoint
	return c
}

// IsConfigured 检查 API Key 和发件人是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c != nil && c.apiKey != "" && c.from != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	payload, err := json.Marshal(sendEmailRequest{
		From:    c.from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

var confirmationTemplate = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Confirm your email</title></head>
<body style="margin: 0; padding: 40px 0; font-family: 'Segoe UI', Tahoma, sans-serif; background-color: #f4f4f4;">
  <table role="presentation" style="width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px;">
    <tr><td style="padding: 40px; text-align: center;">
      <h1 style="margin: 0; color: #333333; font-size: 24px;">Confirm your email</h1>
      <p style="color: #666666; font-size: 16px;">Click the button below to activate your account.</p>
      <a href="{{.Link}}" style="display: inline-block; padding: 12px 32px; background-color: #007bff; color: #ffffff; border-radius: 6px; text-decoration: none;">Confirm</a>
      <p style="color: #999999; font-size: 14px;">The link expires in {{.Hours}} hours. Ignore this email if you did not sign up.</p>
    </td></tr>
  </table>
</body>
</html>
`))

// SendConfirmation 发送注册确认邮件，link 为带确认令牌的地址
func (c *ResendClient) SendConfirmation(ctx context.Context, to, link string, ttl time.Duration) error {
	var buf bytes.Buffer
	err := confirmationTemplate.Execute(&buf, struct {
		Link  string
		Hours int
	}{Link: link, Hours: int(ttl.Hours())})
	if err != nil {
		return err
	}
	return c.SendEmail(ctx, to, "Confirm your email", buf.String())
}
