package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/output"
)

// structureConcurrency bounds the per-group project fan-out.
const structureConcurrency = 4

// Structure returns the server's groups and their projects. When the server
// is configured with group paths only those groups are read; otherwise every
// group the token is a member of.
func (c *Client) Structure(ctx context.Context) (models.Structure, error) {
	groups, err := c.groups(ctx)
	if err != nil {
		return models.Structure{}, err
	}

	out := make([]models.Group, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(structureConcurrency)
	for i, grp := range groups {
		g.Go(func() error {
			projects, err := c.groupProjects(gctx, grp.ID)
			if err != nil {
				return fmt.Errorf("projects of group %s: %w", grp.FullPath, err)
			}
			out[i] = grp.normalize(projects)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Structure{}, err
	}

	return models.Structure{Server: c.server.Name, Groups: out}, nil
}

func (c *Client) groups(ctx context.Context) ([]rawGroup, error) {
	if len(c.server.Groups) == 0 {
		q := url.Values{}
		q.Set("min_access_level", "10") // guest and above: groups the token belongs to
		q.Set("order_by", "path")
		return getAll[rawGroup](ctx, c, "/groups", q)
	}

	groups := make([]rawGroup, 0, len(c.server.Groups))
	for _, path := range c.server.Groups {
		var grp rawGroup
		q := url.Values{}
		q.Set("with_projects", "false")
		if err := c.get(ctx, "/groups/"+url.PathEscape(path), q, &grp); err != nil {
			return nil, fmt.Errorf("group %s: %w", path, err)
		}
		groups = append(groups, grp)
	}
	return groups, nil
}

func (c *Client) groupProjects(ctx context.Context, groupID int64) ([]models.Project, error) {
	q := url.Values{}
	q.Set("archived", "false")
	q.Set("simple", "true")
	q.Set("order_by", "path")
	q.Set("sort", "asc")
	raw, err := getAll[rawProject](ctx, c, "/groups/"+strconv.FormatInt(groupID, 10)+"/projects", q)
	if err != nil {
		return nil, err
	}
	projects := make([]models.Project, len(raw))
	for i, p := range raw {
		projects[i] = p.normalize()
	}
	return projects, nil
}

// Branches lists the branches of the project at projectPath (e.g. "group/app").
func (c *Client) Branches(ctx context.Context, projectPath string) ([]models.Branch, error) {
	if projectPath == "" {
		return nil, output.ErrUsage("project path is required")
	}
	raw, err := getAll[rawBranch](ctx, c, "/projects/"+url.PathEscape(projectPath)+"/repository/branches", nil)
	if err != nil {
		return nil, err
	}
	branches := make([]models.Branch, len(raw))
	for i, b := range raw {
		branches[i] = b.normalize()
	}
	return branches, nil
}

// LatestPipeline returns the most recent pipeline of branch. A branch without
// pipelines yields a Pipeline with None set, which is a cacheable answer and
// not an error.
func (c *Client) LatestPipeline(ctx context.Context, projectID int64, branch string, includeJobs bool) (models.Pipeline, error) {
	if branch == "" {
		return models.Pipeline{}, output.ErrUsage("branch is required")
	}
	base := "/projects/" + strconv.FormatInt(projectID, 10) + "/pipelines"

	q := url.Values{}
	q.Set("ref", branch)
	q.Set("order_by", "id")
	q.Set("sort", "desc")
	q.Set("per_page", "1")
	var list []rawPipeline
	if err := c.get(ctx, base, q, &list); err != nil {
		return models.Pipeline{}, err
	}
	if len(list) == 0 {
		return models.Pipeline{ProjectID: projectID, Ref: branch, None: true}, nil
	}

	// The list payload lacks timing; the detail endpoint has it.
	var detail rawPipeline
	pipelinePath := base + "/" + strconv.FormatInt(list[0].ID, 10)
	if err := c.get(ctx, pipelinePath, nil, &detail); err != nil {
		return models.Pipeline{}, err
	}
	p := detail.normalize()

	if includeJobs {
		jobs, err := getAll[rawJob](ctx, c, pipelinePath+"/jobs", nil)
		if err != nil {
			return models.Pipeline{}, err
		}
		p.Jobs = make([]models.Job, len(jobs))
		for i, j := range jobs {
			p.Jobs[i] = j.normalize()
		}
	}
	return p, nil
}

// JobSamples returns up to limit recent finished runs of the job named jobName,
// newest first. The jobs API cannot filter by name, so finished jobs are paged
// through until enough matches are found or the page cap is reached.
func (c *Client) JobSamples(ctx context.Context, projectID int64, jobName string, limit int) ([]models.DurationSample, error) {
	if jobName == "" {
		return nil, output.ErrUsage("job name is required")
	}
	if limit <= 0 {
		return nil, nil
	}

	q := url.Values{}
	q["scope[]"] = []string{"success", "failed"}

	var samples []models.DurationSample
	err := c.paginate(ctx, "/projects/"+strconv.FormatInt(projectID, 10)+"/jobs", q, func(page json.RawMessage) (bool, error) {
		var jobs []rawJob
		if err := json.Unmarshal(page, &jobs); err != nil {
			return false, output.ErrAPI(http.StatusOK, fmt.Sprintf("unexpected jobs response: %v", err))
		}
		for _, j := range jobs {
			if j.Name != jobName {
				continue
			}
			samples = append(samples, j.sample())
			if len(samples) >= limit {
				return false, nil
			}
		}
		return len(jobs) > 0, nil
	})
	return samples, err
}
