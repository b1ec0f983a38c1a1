package notifier

import (
	"fmt"

	"github.com/invulnerable/scancore/internal/models"
)

type TeamsPayload struct {
	Type            string         `json:"@type"`
	Context         string         `json:"@context"`
	Summary         string         `json:"summary"`
	ThemeColor      string         `json:"themeColor"`
	Title           string         `json:"title"`
	Sections        []TeamsSection `json:"sections"`
	PotentialAction []TeamsAction  `json:"potentialAction,omitempty"`
}

type TeamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []TeamsTarget `json:"targets,omitempty"`
}

type TeamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Text             string      `json:"text,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func buildTeamsPayload(p payload) TeamsPayload {
	var title, summary string
	switch {
	case p.Status == models.StatusFailed:
		title = fmt.Sprintf("Scan Failed: %s", p.RepoURL)
		summary = "Scan failed"
	case p.TotalVulns == 0:
		title = fmt.Sprintf("✅ Scan Passed: %s", p.RepoURL)
		summary = "No critical vulnerabilities found"
	default:
		title = fmt.Sprintf("Scan Results: %s", p.RepoURL)
		summary = fmt.Sprintf("Found %d critical vulnerabilities", p.TotalVulns)
	}

	facts := []TeamsFact{
		{Name: "Scan ID", Value: p.ScanID},
		{Name: "Critical findings", Value: fmt.Sprintf("%d", p.TotalVulns)},
		{Name: "Truncated", Value: fmt.Sprintf("%t", p.Truncated)},
	}
	if p.Error != nil {
		facts = append(facts, TeamsFact{Name: "Error", Value: fmt.Sprintf("%s: %s", p.Error.Code, p.Error.Message)})
	}

	teamsPayload := TeamsPayload{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    summary,
		ThemeColor: teamsColor(p),
		Title:      title,
		Sections: []TeamsSection{
			{
				ActivityTitle: "Critical Vulnerability Summary",
				Facts:         facts,
			},
		},
	}

	if p.ScanURL != "" {
		teamsPayload.PotentialAction = []TeamsAction{
			{
				Type: "OpenUri",
				Name: "View Scan Results",
				Targets: []TeamsTarget{
					{OS: "default", URI: p.ScanURL},
				},
			},
		}
	}

	return teamsPayload
}

func teamsColor(p payload) string {
	if p.Status == models.StatusFailed {
		return "FF0000"
	}
	if p.TotalVulns > 0 {
		return "FF0000"
	}
	return "00FF00"
}
