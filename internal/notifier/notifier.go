// Package notifier posts a scan's outcome to an optional webhook once the
// worker manager settles the job, in Slack or Teams message-card format.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/invulnerable/scancore/internal/models"
)

// Notifier posts webhook payloads describing a settled scan record.
type Notifier struct {
	logger     *zap.Logger
	httpClient *http.Client
	facadeURL  string
}

func New(logger *zap.Logger, facadeURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		logger:    logger,
		facadeURL: facadeURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Format selects the webhook message shape.
type Format string

const (
	FormatSlack Format = "slack"
	FormatTeams Format = "teams"
)

// payload is the format-independent view of a settled scan that the
// Slack/Teams builders render from.
type payload struct {
	RepoURL    string
	ScanID     string
	Status     models.ScanStatus
	TotalVulns int
	Truncated  bool
	Error      *models.ScanError
	ScanURL    string
}

// Notify posts a settled scan's outcome to url in the given format. It skips
// sending entirely for a clean Finished scan with no findings, so a webhook
// only fires when there is something actionable to report.
func (n *Notifier) Notify(ctx context.Context, url string, format Format, rec *models.Record) error {
	if rec == nil {
		return nil
	}
	if rec.Status == models.StatusFinished && len(rec.Vulnerabilities) == 0 {
		n.logger.Info("no critical vulnerabilities found, skipping webhook", zap.String("scan_id", rec.ScanID))
		return nil
	}

	p := payload{
		RepoURL:    rec.RepoURL,
		ScanID:     rec.ScanID,
		Status:     rec.Status,
		TotalVulns: len(rec.Vulnerabilities),
		Truncated:  rec.Truncated,
		Error:      rec.Error,
	}
	if n.facadeURL != "" {
		p.ScanURL = fmt.Sprintf("%s/api/v1/scans/%s", n.facadeURL, rec.ScanID)
	}

	var body interface{}
	switch format {
	case FormatTeams:
		body = buildTeamsPayload(p)
	default:
		body = buildSlackPayload(p)
	}

	return n.send(ctx, url, body)
}

func (n *Notifier) send(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	n.logger.Info("webhook notification sent", zap.String("url", url), zap.Int("status_code", resp.StatusCode))
	return nil
}
