// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package forgeclient is a rate-aware accessor over the Forge REST API
// (GitHub-shaped: events, workflow runs, commits, contents, job logs,
// users, collaborator permissions), with retry/backoff and archive
// expansion baked in.
package forgeclient

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

const (
	baseTimeout  = 15 * time.Second
	maxAttempts  = 8
	baseBackoff  = 1 * time.Second
	maxBackoff   = 8 * time.Second
	jitterPct    = 25
)

// Client wraps a github.Client with the retry/backoff policy from spec
// §4.1: back off on 403/429/5xx honoring Retry-After when present, else
// exponential base·2^n + jitter, capped at 8 attempts; anything else
// non-2xx is a non-retryable error.
type Client struct {
	gh   *github.Client
	http *http.Client
}

// New creates a Client. The request carries an oauth2 bearer transport
// only when token is non-empty, per spec §4.1.
func New(token string) *Client {
	httpClient := &http.Client{Timeout: baseTimeout}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), src)
		httpClient.Timeout = baseTimeout
	}
	gh := github.NewClient(httpClient)
	return &Client{gh: gh, http: httpClient}
}

// NewFromGitHubClient builds a Client around a caller-provided
// github.Client, used by tests to point at an httptest server.
func NewFromGitHubClient(gh *github.Client, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = gh.Client()
	}
	return &Client{gh: gh, http: httpClient}
}

// retryableStatus reports whether an HTTP status code should be retried
// per spec §4.1.
func retryableStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// backoffDelay computes the exponential delay for attempt n (0-indexed),
// ignoring any Retry-After header — callers substitute that value when
// present.
func backoffDelay(n int) time.Duration {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithJitterPercent(jitterPct, b)
	b = retry.WithCappedDuration(maxBackoff, b)
	var delay time.Duration
	for i := 0; i <= n; i++ {
		d, _ := b.Next()
		delay = d
	}
	return delay
}

// retryAfterDelay parses a Retry-After header, returning (0, false) when
// absent or unparsable.
func retryAfterDelay(resp *github.Response) (time.Duration, bool) {
	if resp == nil || resp.Response == nil {
		return 0, false
	}
	ra := resp.Response.Header.Get("Retry-After")
	if ra == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(ra, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// doWithRetry runs op up to maxAttempts times, sleeping per spec §4.1
// between retryable failures. op should return ghResp (possibly nil) and
// err; a non-retryable error or success (err == nil) stops the loop
// immediately.
func doWithRetry(ctx context.Context, op func(ctx context.Context) (*github.Response, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, baseTimeout)
		resp, err := op(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var ghErr *github.ErrorResponse
		code := 0
		if resp != nil && resp.Response != nil {
			code = resp.Response.StatusCode
		} else if errorsAsErrorResponse(err, &ghErr) {
			code = ghErr.Response.StatusCode
		}

		if !retryableStatus(code) {
			return fmt.Errorf("forgeclient: non-retryable error: %w", err)
		}

		delay, ok := retryAfterDelay(resp)
		if !ok {
			delay = backoffDelay(attempt)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("forgeclient: context cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("forgeclient: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// errorsAsErrorResponse is a small errors.As shim kept local to avoid an
// import cycle concern; go-github always returns *github.ErrorResponse or
// *github.RateLimitError for HTTP-level failures.
func errorsAsErrorResponse(err error, target **github.ErrorResponse) bool {
	if e, ok := err.(*github.ErrorResponse); ok { //nolint:errorlint // go-github returns concrete types directly
		*target = e
		return true
	}
	return false
}

// ListGlobalEvents fetches the public activity feed (GET /events).
func (c *Client) ListGlobalEvents(ctx context.Context) ([]*github.Event, error) {
	var out []*github.Event
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		events, resp, err := c.gh.Activity.ListEvents(ctx, &github.ListOptions{PerPage: 100})
		if err != nil {
			return resp, fmt.Errorf("list global events: %w", err)
		}
		out = events
		return resp, nil
	})
	return out, err
}

// ListWorkflowRuns fetches recent Actions runs for a repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*github.WorkflowRun, error) {
	var out []*github.WorkflowRun
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &github.ListWorkflowRunsOptions{
			ListOptions: github.ListOptions{PerPage: perPage},
		})
		if err != nil {
			return resp, fmt.Errorf("list workflow runs for %s/%s: %w", owner, repo, err)
		}
		if runs != nil {
			out = runs.WorkflowRuns
		}
		return resp, nil
	})
	return out, err
}

// GetCommit fetches a single commit, including its changed file list.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (*github.RepositoryCommit, error) {
	var out *github.RepositoryCommit
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		commit, resp, err := c.gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
		if err != nil {
			return resp, fmt.Errorf("get commit %s/%s@%s: %w", owner, repo, sha, err)
		}
		out = commit
		return resp, nil
	})
	return out, err
}

// GetContentsText fetches the decoded text content of a file at path+ref.
// Malformed base64 is treated as "empty input" per spec §7.
func (c *Client) GetContentsText(ctx context.Context, owner, repo, path, ref string) (string, error) {
	var raw *github.RepositoryContent
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return resp, fmt.Errorf("get contents %s/%s:%s@%s: %w", owner, repo, path, ref, err)
		}
		raw = file
		return resp, nil
	})
	if err != nil {
		return "", err
	}
	if raw == nil || raw.Content == nil {
		return "", nil
	}
	text, decErr := raw.GetContent()
	if decErr != nil {
		return "", nil
	}
	return text, nil
}

// ListDirectory fetches the file entries of a directory at ref.
func (c *Client) ListDirectory(ctx context.Context, owner, repo, path, ref string) ([]*github.RepositoryContent, error) {
	var out []*github.RepositoryContent
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		_, dir, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return resp, fmt.Errorf("list directory %s/%s:%s@%s: %w", owner, repo, path, ref, err)
		}
		out = dir
		return resp, nil
	})
	return out, err
}

// ListJobs lists the jobs for a workflow run.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	var out []*github.WorkflowJob
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		jobs, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, owner, repo, runID, &github.ListWorkflowJobsOptions{})
		if err != nil {
			return resp, fmt.Errorf("list jobs for run %d: %w", runID, err)
		}
		if jobs != nil {
			out = jobs.Jobs
		}
		return resp, nil
	})
	return out, err
}

// GetJobLogs fetches the decoded log text for a job. If the body is a zip
// archive (detected by "PK" magic), member texts are concatenated.
func (c *Client) GetJobLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	var logURL string
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		u, resp, err := c.gh.Actions.GetWorkflowJobLogs(ctx, owner, repo, jobID, true)
		if err != nil {
			return resp, fmt.Errorf("get job logs url for job %d: %w", jobID, err)
		}
		if u != nil {
			logURL = u.String()
		}
		return resp, nil
	})
	if err != nil {
		return "", err
	}
	if logURL == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return "", fmt.Errorf("build job log request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch job log body: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read job log body: %w", err)
	}

	return decodeLogBody(body), nil
}

// decodeLogBody expands a zip archive by concatenating member UTF-8
// decodings (replacement on error), or returns plain text unchanged.
// Any decode failure is treated as empty input per spec §7.
func decodeLogBody(body []byte) string {
	if !bytes.HasPrefix(body, []byte("PK")) {
		return string(body)
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		sb.WriteString(strings.ToValidUTF8(string(data), "�"))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// GetUser fetches a user's profile.
func (c *Client) GetUser(ctx context.Context, login string) (*github.User, error) {
	var out *github.User
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		user, resp, err := c.gh.Users.Get(ctx, login)
		if err != nil {
			return resp, fmt.Errorf("get user %s: %w", login, err)
		}
		out = user
		return resp, nil
	})
	return out, err
}

// GetCollaboratorPermission fetches a user's permission level on a repo.
func (c *Client) GetCollaboratorPermission(ctx context.Context, owner, repo, login string) (string, error) {
	var level string
	err := doWithRetry(ctx, func(ctx context.Context) (*github.Response, error) {
		perm, resp, err := c.gh.Repositories.GetPermissionLevel(ctx, owner, repo, login)
		if err != nil {
			return resp, fmt.Errorf("get collaborator permission for %s on %s/%s: %w", login, owner, repo, err)
		}
		if perm != nil {
			level = perm.GetPermission()
		}
		return resp, nil
	})
	return level, err
}
