package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transmute/internal/config"
)

const userAgent = "Transmute-Go/0.1.0"

// Service defines the notification surface exposed to the daemon.
type Service interface {
	NotifyJobFailed(ctx context.Context, jobID, targetFormat string, err error) error
	NotifySweepSummary(ctx context.Context, reclaimed, failures int, duration time.Duration) error
	NotifyDiskPressure(ctx context.Context, directory string, freeBytes, thresholdBytes uint64) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, targetFormat string, err error) error {
	reason := "unknown"
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}
	data := payload{
		title:    "Transmute - Job Failed",
		message:  fmt.Sprintf("Conversion to %s failed (job %s): %s", targetFormat, jobID, reason),
		tags:     []string{"transmute", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySweepSummary(ctx context.Context, reclaimed, failures int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	durationText := duration.String()
	if duration == 0 {
		durationText = "0s"
	}

	var title, message string
	if failures == 0 {
		title = "Transmute - Sweep Complete"
		message = fmt.Sprintf("Sweep reclaimed %d artifacts in %s", reclaimed, durationText)
	} else {
		title = "Transmute - Sweep Complete (with errors)"
		message = fmt.Sprintf("Sweep reclaimed %d artifacts, %d deletions failed in %s", reclaimed, failures, durationText)
	}
	data := payload{
		title:   title,
		message: message,
		tags:    []string{"transmute", "sweep", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDiskPressure(ctx context.Context, directory string, freeBytes, thresholdBytes uint64) error {
	data := payload{
		title: "Transmute - Disk Pressure",
		message: fmt.Sprintf("Free space in %s is %d MiB, below the %d MiB threshold; oldest artifacts are being evicted",
			directory, freeBytes/(1024*1024), thresholdBytes/(1024*1024)),
		tags:     []string{"transmute", "storage", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Transmute - Error",
		message:  builder.String(),
		tags:     []string{"transmute", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Transmute - Test",
		message:  "Notification system test",
		tags:     []string{"transmute", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobFailed(context.Context, string, string, error) error      { return nil }
func (noopService) NotifySweepSummary(context.Context, int, int, time.Duration) error { return nil }
func (noopService) NotifyDiskPressure(context.Context, string, uint64, uint64) error  { return nil }
func (noopService) NotifyError(context.Context, error, string) error                  { return nil }
func (noopService) TestNotification(context.Context) error                            { return nil }
