// Package model holds the records shared by the ingestion pipeline and the read side.
package model

import (
	"strings"
	"time"
)

// PullRequestStatus is the tracked lifecycle state of a pull request.
type PullRequestStatus string

const (
	// StatusOpen is an open pull request.
	StatusOpen PullRequestStatus = "open"
	// StatusClosed is a pull request closed without merge.
	StatusClosed PullRequestStatus = "closed"
	// StatusMerged is a merged pull request.
	StatusMerged PullRequestStatus = "merged"
)

// StatusFromGitHub maps a GitHub state and merged flag to a tracked status.
func StatusFromGitHub(state string, merged bool) PullRequestStatus {
	if merged {
		return StatusMerged
	}
	if strings.EqualFold(strings.TrimSpace(state), "closed") {
		return StatusClosed
	}
	return StatusOpen
}

// User is a registered participant.
type User struct {
	ID         int64
	Login      string
	Name       string
	Email      string
	Phone      string
	AvatarURL  string
	ProfileURL string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PullRequest is one reconciled pull request row, keyed by the global GitHub PR id.
type PullRequest struct {
	ID           int64
	Number       int
	RepoName     string
	AuthorLogin  string
	TotalCommits int
	TotalLines   int
	Status       PullRequestStatus
	FirstSeenAt  time.Time
}

// LeaderboardEntry is the derived per-user aggregate.
type LeaderboardEntry struct {
	Rank         int    `json:"rank,omitempty"`
	UserID       int64  `json:"user_id"`
	Login        string `json:"login"`
	Name         string `json:"name,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	TotalPRs     int    `json:"total_prs"`
	TotalCommits int    `json:"total_commits"`
	TotalLines   int    `json:"total_lines"`
	Points       int    `json:"points"`
}

// NormalizeLogin returns the comparison form of a GitHub login.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
