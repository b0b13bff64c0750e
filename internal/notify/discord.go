package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// Embed sidebar colors per severity, matching Discord's 24-bit palette.
const (
	colorCritical = 0xFF0000 // red
	colorHigh     = 0xFF8C00 // orange
	colorMedium   = 0xFFD700 // yellow
	colorLow      = 0x00B050 // green
	colorInfo     = 0x3498DB // blue
)

// DiscordSender delivers alerts via a Discord webhook as severity-colored
// embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. It uses
// a default HTTP client with a 10-second timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts the alert to the Discord webhook. The embed's sidebar color
// tracks the alert severity so operators can triage a channel at a glance.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       alert.Title,
			Description: alert.Message,
			Color:       severityColor(alert.Severity),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// Discord returns 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func severityColor(sev domain.Severity) int {
	switch sev {
	case domain.SeverityCritical:
		return colorCritical
	case domain.SeverityHigh:
		return colorHigh
	case domain.SeverityMedium:
		return colorMedium
	case domain.SeverityLow:
		return colorLow
	default:
		return colorInfo
	}
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
