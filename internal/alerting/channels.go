package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

const (
	defaultPagerURL = "https://events.pagerduty.com/v2/enqueue"
	defaultSMTPPort = 587
	headerPrefix    = "header_"
)

// Notification 发往通知渠道的已格式化消息
type Notification struct {
	AlertID   string         `json:"alert_id"`
	RuleID    string         `json:"rule_id,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  model.Severity `json:"severity"`
	Resolved  bool           `json:"resolved"`
	Manual    bool           `json:"manual,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier 通知渠道适配器，只负责传输
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NewNotifier 按渠道类型创建适配器
func NewNotifier(ch model.NotificationChannel, client *http.Client) (Notifier, error) {
	cfg := ch.Config
	switch ch.Kind {
	case model.ChannelEmail:
		return newEmailNotifier(cfg)
	case model.ChannelChat:
		if cfg["webhook_url"] == "" {
			return nil, model.NewValidationError("渠道 %s 缺少webhook_url", ch.ID)
		}
		return &chatNotifier{url: cfg["webhook_url"], client: client}, nil
	case model.ChannelWebhook:
		if cfg["url"] == "" {
			return nil, model.NewValidationError("渠道 %s 缺少url", ch.ID)
		}
		headers := make(map[string]string)
		for k, v := range cfg {
			if strings.HasPrefix(k, headerPrefix) {
				headers[strings.TrimPrefix(k, headerPrefix)] = v
			}
		}
		return &webhookNotifier{url: cfg["url"], headers: headers, client: client}, nil
	case model.ChannelPager:
		if cfg["routing_key"] == "" {
			return nil, model.NewValidationError("渠道 %s 缺少routing_key", ch.ID)
		}
		url := cfg["url"]
		if url == "" {
			url = defaultPagerURL
		}
		return &pagerNotifier{url: url, routingKey: cfg["routing_key"], client: client}, nil
	}
	return nil, model.NewValidationError("不支持的通知渠道类型: %s", ch.Kind)
}

// postJSON 发送JSON，非2xx视为失败
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送通知失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("通知接收方返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// chatNotifier 聊天机器人webhook，text字段承载完整消息
type chatNotifier struct {
	url    string
	client *http.Client
}

func (c *chatNotifier) Send(ctx context.Context, n Notification) error {
	state := "firing"
	if n.Resolved {
		state = "resolved"
	}
	payload := map[string]interface{}{
		"text": n.Message,
		"attachments": []map[string]interface{}{
			{
				"color":     severityColor(n.Severity, n.Resolved),
				"title":     n.Title,
				"text":      n.Message,
				"timestamp": n.Timestamp.Unix(),
				"fields": []map[string]interface{}{
					{"title": "Severity", "value": string(n.Severity), "short": true},
					{"title": "State", "value": state, "short": true},
				},
			},
		},
	}
	return postJSON(ctx, c.client, c.url, payload, nil)
}

func severityColor(s model.Severity, resolved bool) string {
	if resolved {
		return "good"
	}
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return "danger"
	case model.SeverityMedium:
		return "warning"
	}
	return "#439FE0"
}

// webhookNotifier 通用webhook，直接发送Notification
type webhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func (w *webhookNotifier) Send(ctx context.Context, n Notification) error {
	return postJSON(ctx, w.client, w.url, n, w.headers)
}

// pagerNotifier 事件API v2
type pagerNotifier struct {
	url        string
	routingKey string
	client     *http.Client
}

func (p *pagerNotifier) Send(ctx context.Context, n Notification) error {
	action := "trigger"
	if n.Resolved {
		action = "resolve"
	}
	// 人工告警各自独立，规则告警按规则去重
	dedup := n.RuleID
	if dedup == "" || n.Manual {
		dedup = n.AlertID
	}
	payload := map[string]interface{}{
		"routing_key":  p.routingKey,
		"event_action": action,
		"dedup_key":    dedup,
		"payload": map[string]interface{}{
			"summary":   n.Message,
			"source":    "kong-orchestrator",
			"severity":  pagerSeverity(n.Severity),
			"timestamp": n.Timestamp.Format(time.RFC3339),
		},
	}
	return postJSON(ctx, p.client, p.url, payload, nil)
}

func pagerSeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "critical"
	case model.SeverityHigh:
		return "error"
	case model.SeverityMedium:
		return "warning"
	}
	return "info"
}

// emailNotifier 通过SMTP发送纯文本邮件，服务端支持时升级为STARTTLS
type emailNotifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
}

func newEmailNotifier(cfg map[string]string) (*emailNotifier, error) {
	e := &emailNotifier{
		host:     cfg["smtp_host"],
		port:     defaultSMTPPort,
		username: cfg["username"],
		password: cfg["password"],
		from:     cfg["from"],
	}
	if e.host == "" || e.from == "" {
		return nil, model.NewValidationError("邮件渠道需要smtp_host与from")
	}
	if p := cfg["smtp_port"]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 {
			return nil, model.NewValidationError("smtp_port无效: %s", p)
		}
		e.port = port
	}
	for _, addr := range strings.Split(cfg["to"], ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			e.to = append(e.to, addr)
		}
	}
	if len(e.to) == 0 {
		return nil, model.NewValidationError("邮件渠道需要至少一个收件人")
	}
	return e, nil
}

func (e *emailNotifier) Send(ctx context.Context, n Notification) error {
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("连接SMTP服务器失败: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP握手失败: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return fmt.Errorf("SMTP STARTTLS失败: %w", err)
		}
	}
	if e.username != "" {
		if err := client.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL失败: %w", err)
	}
	for _, rcpt := range e.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT %s失败: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA失败: %w", err)
	}
	if _, err := w.Write(e.compose(n)); err != nil {
		w.Close()
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("提交邮件失败: %w", err)
	}
	return client.Quit()
}

// headerBreaks 标题中的换行会拆出额外的邮件头
var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func encodeSubject(title string) string {
	return mime.QEncoding.Encode("UTF-8", headerBreaks.Replace(title))
}

func (e *emailNotifier) compose(n Notification) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", encodeSubject(n.Title))
	fmt.Fprintf(&buf, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(n.Message, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}
