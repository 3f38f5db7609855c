// Package notify dispatches operator notifications through the Telegram Bot
// API. Sends are best-effort: failures are logged and counted but never
// surface to the caller's control flow.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/metrics"
)

const apiBase = "https://api.telegram.org"

// Notifier fans messages out to a fixed recipient list.
type Notifier struct {
	token      string
	recipients []string
	base       string
	client     *http.Client // 10 s, sendMessage
	uploader   *http.Client // 30 s, sendDocument
	log        zerolog.Logger
}

// New creates a notifier. An empty token or recipient list yields a notifier
// that only logs.
func New(token string, recipients []string, log zerolog.Logger) *Notifier {
	return &Notifier{
		token:      token,
		recipients: recipients,
		base:       apiBase,
		client:     &http.Client{Timeout: 10 * time.Second},
		uploader:   &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// WithBaseURL overrides the API host. Test hook.
func (n *Notifier) WithBaseURL(base string) *Notifier {
	n.base = base
	return n
}

// SendText sends an HTML-formatted message to every recipient. category is a
// short tag ("submit-success", "fill", "conn-lost", ...) used in the log echo.
func (n *Notifier) SendText(category, text string) {
	if n.token == "" || len(n.recipients) == 0 {
		n.log.Debug().Str("category", category).Msg("Telegram disabled, message dropped")
		return
	}

	sent := 0
	for _, chatID := range n.recipients {
		if err := n.sendMessage(chatID, text); err != nil {
			metrics.NotificationsTotal.WithLabelValues(category, "failed").Inc()
			n.log.Warn().Err(err).Str("category", category).Str("chat_id", chatID).
				Msg("Telegram send failed")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(category, "sent").Inc()
		sent++
	}
	if sent > 0 {
		n.log.Info().Msgf("Telegram[%s] sent (%d/%d)", category, sent, len(n.recipients))
	}
}

// SendTextAfter schedules a delayed send. Used for the 2 s submit and 5 s fill
// ordering guarantee.
func (n *Notifier) SendTextAfter(delay time.Duration, category, text string) {
	time.AfterFunc(delay, func() { n.SendText(category, text) })
}

// SendDocument uploads a file with a caption to every recipient.
func (n *Notifier) SendDocument(category, path, caption string) {
	if n.token == "" || len(n.recipients) == 0 {
		n.log.Debug().Str("category", category).Msg("Telegram disabled, document dropped")
		return
	}

	sent := 0
	for _, chatID := range n.recipients {
		if err := n.sendDocument(chatID, path, caption); err != nil {
			metrics.NotificationsTotal.WithLabelValues(category, "failed").Inc()
			n.log.Warn().Err(err).Str("category", category).Str("chat_id", chatID).
				Msg("Telegram document send failed")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(category, "sent").Inc()
		sent++
	}
	if sent > 0 {
		n.log.Info().Msgf("Telegram[%s] sent (%d/%d)", category, sent, len(n.recipients))
	}
}

func (n *Notifier) sendMessage(chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.base, n.token)
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram sendMessage %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (n *Notifier) sendDocument(chatID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", chatID)
	_ = w.WriteField("caption", caption)
	_ = w.WriteField("parse_mode", "HTML")
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", n.base, n.token)
	resp, err := n.uploader.Post(url, w.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram sendDocument %d: %s", resp.StatusCode, body)
	}
	return nil
}
