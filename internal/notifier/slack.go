package notifier

import (
	"fmt"

	"github.com/invulnerable/scancore/internal/models"
)

type SlackPayload struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func buildSlackPayload(p payload) SlackPayload {
	var summaryText string
	switch {
	case p.Status == models.StatusFailed:
		summaryText = fmt.Sprintf("🔴 Scan of `%s` failed", p.RepoURL)
	case p.TotalVulns == 0:
		summaryText = fmt.Sprintf("✅ No critical vulnerabilities found in `%s`", p.RepoURL)
	default:
		summaryText = fmt.Sprintf("⚠️ Found %d critical vulnerabilities in `%s`", p.TotalVulns, p.RepoURL)
	}

	fields := []SlackField{
		{Title: "Scan ID", Value: p.ScanID, Short: true},
		{Title: "Critical findings", Value: fmt.Sprintf("%d", p.TotalVulns), Short: true},
	}
	if p.Truncated {
		fields = append(fields, SlackField{Title: "Truncated", Value: "true", Short: true})
	}
	if p.Error != nil {
		fields = append(fields, SlackField{Title: "Error", Value: fmt.Sprintf("%s: %s", p.Error.Code, p.Error.Message), Short: false})
	}
	if p.ScanURL != "" {
		fields = append(fields, SlackField{Title: "View Scan", Value: fmt.Sprintf("<%s|View full scan results>", p.ScanURL), Short: false})
	}

	return SlackPayload{
		Text: summaryText,
		Attachments: []SlackAttachment{
			{
				Color:  slackColor(p),
				Text:   "Critical Vulnerability Summary",
				Fields: fields,
			},
		},
	}
}

func slackColor(p payload) string {
	if p.Status == models.StatusFailed {
		return "danger"
	}
	if p.TotalVulns > 0 {
		return "danger"
	}
	return "good"
}
