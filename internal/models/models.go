// Package models provides canonical type definitions for GitLab entities.
// These are the normalized shapes stored in the cache tiers and served
// by the dashboard API; raw GitLab payloads never leave internal/gitlab.
package models

import "time"

// Structure is the organizational view of one GitLab server.
type Structure struct {
	Server string  `json:"server"`
	Groups []Group `json:"groups"`
}

// Group represents a GitLab group with its projects.
type Group struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	FullPath string    `json:"full_path"`
	WebURL   string    `json:"web_url,omitempty"`
	Projects []Project `json:"projects"`
}

// Project represents a GitLab project.
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch,omitempty"`
	WebURL            string `json:"web_url,omitempty"`
	Archived          bool   `json:"archived,omitempty"`
}

// ProjectCount returns the total number of projects across all groups.
func (s Structure) ProjectCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Projects)
	}
	return n
}

// Branch represents a repository branch.
type Branch struct {
	Name      string     `json:"name"`
	Default   bool       `json:"default"`
	Protected bool       `json:"protected"`
	CommitSHA string     `json:"commit_sha,omitempty"`
	CommitAt  *time.Time `json:"commit_at,omitempty"`
	WebURL    string     `json:"web_url,omitempty"`
}

// Pipeline statuses as reported by GitLab.
const (
	StatusCreated  = "created"
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusSkipped  = "skipped"
	StatusManual   = "manual"
)

// Pipeline is the latest pipeline of a branch.
// Jobs is only populated when the pipeline was fetched with jobs.
type Pipeline struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Ref       string     `json:"ref"`
	SHA       string     `json:"sha"`
	Status    string     `json:"status"`
	Source    string     `json:"source,omitempty"`
	WebURL    string     `json:"web_url,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Duration  float64    `json:"duration,omitempty"`
	Jobs      []Job      `json:"jobs,omitempty"`
	// None is set when the branch has no pipeline at all.
	None bool `json:"none,omitempty"`
}

// Job is a single pipeline job.
type Job struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   float64    `json:"duration,omitempty"`
}

// Running reports whether the job is currently executing.
func (j Job) Running() bool {
	return j.Status == StatusRunning
}

// DurationSample is one historical completion of a job.
type DurationSample struct {
	Status     string     `json:"status"`
	Seconds    float64    `json:"seconds"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Estimate is a derived duration estimate for a job.
// Seconds is nil when no representative samples were available.
type Estimate struct {
	Seconds    *float64 `json:"seconds"`
	SampleSize int      `json:"sample_size"`
}
