package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// WebhookChannel posts alerts as JSON
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"source": "beon-guard",
		"alert":  alert,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// EmailConfig configures the SMTP channel
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailChannel mails alerts to a recipient list
type EmailChannel struct {
	config EmailConfig
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config}
}

func (e *EmailChannel) Name() string {
	return "email"
}

func (e *EmailChannel) Send(ctx context.Context, alert *models.Alert) error {
	if len(e.config.Recipients) == 0 {
		return nil
	}

	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.config.Host}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if e.config.Username != "" {
		auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := c.Mail(e.config.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	for _, rcpt := range e.config.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(e.message(alert)); err != nil {
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA close failed: %w", err)
	}
	return c.Quit()
}

func (e *EmailChannel) message(alert *models.Alert) []byte {
	data, _ := json.MarshalIndent(alert.Data, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.config.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] Security alert: %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Type)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Alert: %s\r\nSeverity: %s\r\nID: %s\r\nTime: %s\r\n\r\n%s\r\n",
		alert.Type, alert.Severity, alert.ID, alert.Timestamp.Format(time.RFC3339), data)
	return []byte(b.String())
}

// KafkaChannel publishes alerts to a topic keyed by alert type
type KafkaChannel struct {
	writer *kafka.Writer
}

// NewKafkaChannel creates a Kafka channel
func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	return &KafkaChannel{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *models.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Type),
		Value: value,
		Time:  alert.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaChannel) Close() error {
	return k.writer.Close()
}

// FileChannel appends alerts as JSON lines to one file per day
type FileChannel struct {
	dir string
	mu  sync.Mutex
}

// NewFileChannel creates a daily file channel writing into dir
func NewFileChannel(dir string) *FileChannel {
	return &FileChannel{dir: dir}
}

func (f *FileChannel) Name() string {
	return "file"
}

// Path returns the log file an alert fired at t is written to
func (f *FileChannel) Path(t time.Time) string {
	return filepath.Join(f.dir, fmt.Sprintf("alerts-%s.log", t.UTC().Format("2006-01-02")))
}

func (f *FileChannel) Send(_ context.Context, alert *models.Alert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create alert dir: %w", err)
	}
	file, err := os.OpenFile(f.Path(alert.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open alert log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to write alert log: %w", err)
	}
	return nil
}
