package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/invulnerable/scancore/internal/models"
)

func TestBuildSlackPayload(t *testing.T) {
	tests := []struct {
		name      string
		p         payload
		wantText  string
		wantColor string
	}{
		{
			name:      "with findings",
			p:         payload{RepoURL: "github.com/acme/widget", TotalVulns: 5, Status: models.StatusFinished},
			wantText:  "⚠️ Found 5 critical vulnerabilities in `github.com/acme/widget`",
			wantColor: "danger",
		},
		{
			name:      "no findings",
			p:         payload{RepoURL: "github.com/acme/clean", TotalVulns: 0, Status: models.StatusFinished},
			wantText:  "✅ No critical vulnerabilities found in `github.com/acme/clean`",
			wantColor: "good",
		},
		{
			name:      "failed scan",
			p:         payload{RepoURL: "github.com/acme/broken", Status: models.StatusFailed},
			wantText:  "🔴 Scan of `github.com/acme/broken` failed",
			wantColor: "danger",
		},
		{
			name:      "with scan URL",
			p:         payload{RepoURL: "github.com/acme/widget", TotalVulns: 2, Status: models.StatusFinished, ScanURL: "http://localhost:3000/api/v1/scans/101"},
			wantText:  "⚠️ Found 2 critical vulnerabilities in `github.com/acme/widget`",
			wantColor: "danger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := buildSlackPayload(tt.p)

			assert.Equal(t, tt.wantText, result.Text)
			assert.Len(t, result.Attachments, 1)
			assert.Equal(t, tt.wantColor, result.Attachments[0].Color)
			assert.Equal(t, "Critical Vulnerability Summary", result.Attachments[0].Text)

			if tt.p.ScanURL != "" {
				foundURL := false
				for _, field := range result.Attachments[0].Fields {
					if field.Title == "View Scan" {
						foundURL = true
						assert.Contains(t, field.Value, tt.p.ScanURL)
					}
				}
				assert.True(t, foundURL, "expected scan URL field to be present")
			}
		})
	}
}

func TestBuildSlackPayload_FieldValues(t *testing.T) {
	p := payload{RepoURL: "github.com/acme/widget", TotalVulns: 10, ScanID: "abc", Status: models.StatusFinished}
	result := buildSlackPayload(p)

	fields := result.Attachments[0].Fields
	var foundScanID, foundCount bool
	for _, field := range fields {
		switch field.Title {
		case "Scan ID":
			foundScanID = true
			assert.Equal(t, "abc", field.Value)
		case "Critical findings":
			foundCount = true
			assert.Equal(t, "10", field.Value)
		}
	}
	assert.True(t, foundScanID)
	assert.True(t, foundCount)
}
