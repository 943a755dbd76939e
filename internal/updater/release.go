// Package updater looks up the newest published fileagent release so the
// CLI can tell operators when their agent is out of date.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRepo is the GitHub repository releases are published to.
	DefaultRepo = "standardbeagle/fileagent"

	// DefaultAPIURL is the base URL for the GitHub API.
	DefaultAPIURL = "https://api.github.com"

	userAgent = "fileagent-updater"
)

// Release is the subset of a GitHub release the checker reads.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// Version returns the tag without a leading v or V.
func (r *Release) Version() string {
	v := r.TagName
	if strings.HasPrefix(strings.ToLower(v), "v") {
		return v[1:]
	}
	return v
}

// NewerThan reports whether the release version is greater than current.
func (r *Release) NewerThan(current string) (bool, error) {
	rel, err := parseVersion(r.Version())
	if err != nil {
		return false, fmt.Errorf("release version %s: %w", r.TagName, err)
	}
	cur, err := parseVersion(current)
	if err != nil {
		return false, fmt.Errorf("current version %s: %w", current, err)
	}
	for i := range rel {
		if rel[i] != cur[i] {
			return rel[i] > cur[i], nil
		}
	}
	return false, nil
}

// Checker fetches the latest release of a repository.
type Checker struct {
	Repo    string
	BaseURL string
	Client  *http.Client
}

// NewChecker creates a checker for repo ("" means DefaultRepo).
func NewChecker(repo string) *Checker {
	if repo == "" {
		repo = DefaultRepo
	}
	return &Checker{
		Repo:    repo,
		BaseURL: DefaultAPIURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest fetches the latest non-draft release.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimSuffix(c.BaseURL, "/"), c.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build release request: %w", err)
	}
	// The GitHub API rejects requests without a User-Agent.
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("github API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &rel, nil
}

// parseVersion reads major.minor.patch, ignoring pre-release and build
// suffixes.
func parseVersion(v string) ([3]int, error) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if idx := strings.IndexAny(v, "-+"); idx > 0 {
		v = v[:idx]
	}
	n, err := fmt.Sscanf(v, "%d.%d.%d", &out[0], &out[1], &out[2])
	if err != nil || n != 3 {
		return out, fmt.Errorf("invalid version format: %q", v)
	}
	return out, nil
}
