package gitlab

import (
	"time"

	"github.com/pipeboard/pipeboard/internal/models"
)

// Raw GitLab payloads. Only the fields pipeboard reads are declared.

type rawGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullPath string `json:"full_path"`
	WebURL   string `json:"web_url"`
}

type rawProject struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
	WebURL            string `json:"web_url"`
	Archived          bool   `json:"archived"`
}

type rawBranch struct {
	Name      string `json:"name"`
	Default   bool   `json:"default"`
	Protected bool   `json:"protected"`
	WebURL    string `json:"web_url"`
	Commit    struct {
		ID            string     `json:"id"`
		CommittedDate *time.Time `json:"committed_date"`
	} `json:"commit"`
}

type rawPipeline struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Ref       string     `json:"ref"`
	SHA       string     `json:"sha"`
	Status    string     `json:"status"`
	Source    string     `json:"source"`
	WebURL    string     `json:"web_url"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	StartedAt *time.Time `json:"started_at"`
	Duration  *float64   `json:"duration"`
}

type rawJob struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Duration   *float64   `json:"duration"`
}

func (g rawGroup) normalize(projects []models.Project) models.Group {
	if projects == nil {
		projects = []models.Project{}
	}
	return models.Group{
		ID:       g.ID,
		Name:     g.Name,
		FullPath: g.FullPath,
		WebURL:   g.WebURL,
		Projects: projects,
	}
}

func (p rawProject) normalize() models.Project {
	return models.Project{
		ID:                p.ID,
		Name:              p.Name,
		PathWithNamespace: p.PathWithNamespace,
		DefaultBranch:     p.DefaultBranch,
		WebURL:            p.WebURL,
		Archived:          p.Archived,
	}
}

func (b rawBranch) normalize() models.Branch {
	return models.Branch{
		Name:      b.Name,
		Default:   b.Default,
		Protected: b.Protected,
		CommitSHA: b.Commit.ID,
		CommitAt:  b.Commit.CommittedDate,
		WebURL:    b.WebURL,
	}
}

func (p rawPipeline) normalize() models.Pipeline {
	return models.Pipeline{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Ref:       p.Ref,
		SHA:       p.SHA,
		Status:    p.Status,
		Source:    p.Source,
		WebURL:    p.WebURL,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		StartedAt: p.StartedAt,
		Duration:  deref(p.Duration),
	}
}

func (j rawJob) normalize() models.Job {
	return models.Job{
		ID:         j.ID,
		Name:       j.Name,
		Stage:      j.Stage,
		Status:     j.Status,
		WebURL:     j.WebURL,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Duration:   deref(j.Duration),
	}
}

func (j rawJob) sample() models.DurationSample {
	return models.DurationSample{
		Status:     j.Status,
		Seconds:    deref(j.Duration),
		FinishedAt: j.FinishedAt,
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
