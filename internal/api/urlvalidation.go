package api

import (
	"fmt"
	"net/url"
	"strings"
)

// validateRepoURL enforces the façade's admission contract: only
// unauthenticated https GitHub repository URLs are accepted, so the engine
// child never has to handle credentials embedded in a URL.
func validateRepoURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("repoUrl is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("repoUrl is not a valid URL")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("repoUrl must use https")
	}
	if u.User != nil {
		return fmt.Errorf("repoUrl must not contain credentials")
	}
	if u.Host != "github.com" {
		return fmt.Errorf("repoUrl must be a github.com repository")
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return fmt.Errorf("repoUrl must include an owner and repository name")
	}

	return nil
}
