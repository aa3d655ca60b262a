package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// Key builders. Every key is qualified by the configured server name so that
// several GitLab servers can share one cache directory.

// StructureKey keys the Structure tier by server identity.
func StructureKey(server string) string {
	return server
}

// BranchesKey keys the Branches tier by project path.
func BranchesKey(server, projectPath string) string {
	return server + "/" + projectPath
}

// PipelineKey keys the Pipelines tier by project and branch. Pipelines fetched
// with and without jobs are different payloads and get different keys.
func PipelineKey(server string, projectID int64, branch string, includeJobs bool) string {
	shape := "nojobs"
	if includeJobs {
		shape = "jobs"
	}
	return fmt.Sprintf("%s/%d:%s:%s", server, projectID, branch, shape)
}

// StatisticsKey keys the Statistics tier by project and job name.
func StatisticsKey(server string, projectID int64, jobName string) string {
	return fmt.Sprintf("%s/%d:%s", server, projectID, jobName)
}

// ParseBranchesKey reverses BranchesKey.
func ParseBranchesKey(server, key string) (projectPath string, err error) {
	rest, err := trimServer(server, key)
	if err != nil {
		return "", err
	}
	if rest == "" {
		return "", fmt.Errorf("malformed branches key %q", key)
	}
	return rest, nil
}

// ParsePipelineKey reverses PipelineKey. Branch names may contain '/' but
// never ':', so the branch is everything between the first and last colon.
func ParsePipelineKey(server, key string) (projectID int64, branch string, includeJobs bool, err error) {
	rest, err := trimServer(server, key)
	if err != nil {
		return 0, "", false, err
	}
	idPart, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false, fmt.Errorf("malformed pipeline key %q", key)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return 0, "", false, fmt.Errorf("malformed pipeline key %q", key)
	}
	branch, shape := rest[:i], rest[i+1:]
	switch shape {
	case "jobs":
		includeJobs = true
	case "nojobs":
	default:
		return 0, "", false, fmt.Errorf("malformed pipeline key %q", key)
	}
	projectID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", false, fmt.Errorf("malformed pipeline key %q: %w", key, err)
	}
	return projectID, branch, includeJobs, nil
}

// ParseStatisticsKey reverses StatisticsKey. Job names may contain ':'.
func ParseStatisticsKey(server, key string) (projectID int64, jobName string, err error) {
	rest, err := trimServer(server, key)
	if err != nil {
		return 0, "", err
	}
	idPart, jobName, ok := strings.Cut(rest, ":")
	if !ok || jobName == "" {
		return 0, "", fmt.Errorf("malformed statistics key %q", key)
	}
	projectID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed statistics key %q: %w", key, err)
	}
	return projectID, jobName, nil
}

func trimServer(server, key string) (string, error) {
	rest, ok := strings.CutPrefix(key, server+"/")
	if !ok {
		return "", fmt.Errorf("key %q does not belong to server %q", key, server)
	}
	return rest, nil
}
