// Package github implements the GitHub REST connector on the shared
// HTTP client with a static token source.
//
// Settings: token, baseUrl (API mirrors and test servers),
// requestsPerSecond.
package github

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/httpx"
	"github.com/moorhq/moor/pkg/jsonx"
)

// TypeKey is the registry key for this adapter.
const TypeKey = "github"

const defaultBaseURL = "https://api.github.com"

func init() {
	_ = registry.Register(TypeKey, registry.Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			return New(cfg)
		},
		Label: "github.Connector",
	})
}

// Profile is the authenticated user's account summary.
type Profile struct {
	Login       string `json:"login"`
	Name        string `json:"name"`
	Company     string `json:"company"`
	PublicRepos int    `json:"public_repos"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
}

// Repo is one repository of the authenticated user.
type Repo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	Stars    int    `json:"stargazers_count"`
	Language string `json:"language"`
}

// Issue is one issue as returned by the REST API.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// Comment is one issue comment.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// RateLimit is the API quota reported by the most recent response.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Connector talks to the GitHub REST API.
type Connector struct {
	*base.Connector

	baseURL string
	tokens  oauth2.TokenSource
	http    *httpx.Client

	mu    sync.RWMutex
	ready bool
	rate  RateLimit
}

// New validates the connection settings and builds an unconnected
// instance.
func New(cfg *config.Config) (*Connector, error) {
	c := &Connector{}

	b, err := base.New(cfg, c)
	if err != nil {
		return nil, err
	}
	c.Connector = b

	token, err := cfg.RequireSetting("token")
	if err != nil {
		return nil, err
	}
	// TokenType "token" keeps the classic PAT authorization scheme.
	c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "token"})

	baseURL := strings.TrimRight(cfg.SettingOr("baseUrl", defaultBaseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.KindConfiguration, "invalid baseUrl %q", baseURL)
	}
	c.baseURL = baseURL

	hc := httpx.DefaultConfig()
	if v := cfg.Setting("requestsPerSecond"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, errors.Newf(errors.KindConfiguration, "invalid requestsPerSecond %q", v)
		}
		hc.RateLimit = rps
	}
	c.http = httpx.New(hc, b.Logger())

	return c, nil
}

// Dial verifies the token against the authenticated-user endpoint. A
// rejected token fails with an authentication error, which the retry
// policy treats as permanent.
func (c *Connector) Dial(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/user", nil, nil, nil, http.StatusOK); err != nil {
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Hangup releases idle connections.
func (c *Connector) Hangup(context.Context) error {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	c.http.Close()
	return nil
}

// Probe round-trips the authenticated-user endpoint.
func (c *Connector) Probe(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodGet, "/user", nil, nil, nil, http.StatusOK)
}

func (c *Connector) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return errors.New(errors.KindConnection, "not connected to github")
	}
	return nil
}

// RateLimitInfo returns the quota reported by the latest API response.
func (c *Connector) RateLimitInfo() RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// ProfileInfo returns the authenticated user's profile.
func (c *Connector) ProfileInfo(ctx context.Context) (*Profile, error) {
	var profile Profile
	err := c.ExecuteWithMetrics(ctx, "profile_info", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		return c.doJSON(ctx, http.MethodGet, "/user", nil, nil, &profile, http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListRepos returns up to limit repositories of the authenticated
// user; limit 0 means the API default page.
func (c *Connector) ListRepos(ctx context.Context, limit int) ([]Repo, error) {
	var repos []Repo
	err := c.ExecuteWithMetrics(ctx, "list_repos", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		return c.doJSON(ctx, http.MethodGet, "/user/repos", pageQuery(limit), nil, &repos, http.StatusOK)
	})
	return repos, err
}

// ListIssues returns up to limit issues of a repository filtered by
// state (open, closed or all; empty means open).
func (c *Connector) ListIssues(ctx context.Context, owner, repo, state string, limit int) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	switch state {
	case "open", "closed", "all":
	default:
		return nil, errors.Newf(errors.KindOperation, "invalid issue state %q", state)
	}

	var issues []Issue
	err := c.ExecuteWithMetrics(ctx, "list_issues", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		query := pageQuery(limit)
		query.Set("state", state)
		path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
		return c.doJSON(ctx, http.MethodGet, path, query, nil, &issues, http.StatusOK)
	})
	return issues, err
}

// CreateIssue opens a new issue and returns it.
func (c *Connector) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	if title == "" {
		return nil, errors.New(errors.KindOperation, "issue title is required")
	}

	var issue Issue
	err := c.ExecuteWithMetrics(ctx, "create_issue", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		payload := map[string]string{"title": title}
		if body != "" {
			payload["body"] = body
		}
		path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
		return c.doJSON(ctx, http.MethodPost, path, nil, payload, &issue, http.StatusCreated)
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssueComment adds a comment to an issue and returns it.
func (c *Connector) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	if body == "" {
		return nil, errors.New(errors.KindOperation, "comment body is required")
	}

	var comment Comment
	err := c.ExecuteWithMetrics(ctx, "create_issue_comment", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		return c.doJSON(ctx, http.MethodPost, path, nil, map[string]string{"body": body}, &comment, http.StatusCreated)
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// CloseIssue marks an issue closed and returns it. The API offers no
// issue deletion, so closing is the strongest removal available.
func (c *Connector) CloseIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	err := c.ExecuteWithMetrics(ctx, "close_issue", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
		return c.doJSON(ctx, http.MethodPatch, path, nil, map[string]string{"state": "closed"}, &issue, http.StatusOK)
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// DeleteIssueComment removes a comment.
func (c *Connector) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	return c.ExecuteWithMetrics(ctx, "delete_issue_comment", func(ctx context.Context) error {
		if err := c.guard(); err != nil {
			return err
		}
		ctx, cancel := c.OpContext(ctx)
		defer cancel()

		path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
		return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	})
}

// doJSON performs one API round trip: auth and accept headers, JSON
// body in, rate-limit header capture, status check, JSON body out.
func (c *Connector) doJSON(ctx context.Context, method, path string, query url.Values, in, out interface{}, want int) error {
	token, err := c.tokens.Token()
	if err != nil {
		return errors.Wrap(err, errors.KindAuthentication, "resolving token")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	headers := map[string]string{
		"Accept":        "application/vnd.github+json",
		"Authorization": token.Type() + " " + token.AccessToken,
	}

	var resp *http.Response
	switch method {
	case http.MethodGet:
		resp, err = c.http.Get(ctx, endpoint, headers)
	case http.MethodPost, http.MethodPatch:
		payload, merr := jsonx.Marshal(in)
		if merr != nil {
			return errors.Wrap(merr, errors.KindOperation, "encoding request body")
		}
		headers["Content-Type"] = "application/json"
		if method == http.MethodPost {
			resp, err = c.http.Post(ctx, endpoint, bytes.NewReader(payload), headers)
		} else {
			resp, err = c.http.Patch(ctx, endpoint, bytes.NewReader(payload), headers)
		}
	case http.MethodDelete:
		resp, err = c.http.Delete(ctx, endpoint, headers)
	default:
		return errors.Newf(errors.KindNotSupported, "unsupported method %s", method)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.recordRateLimit(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, errors.KindOperation, "reading %s response", path)
	}

	if resp.StatusCode != want {
		return c.statusError(resp, path, data)
	}
	if out != nil {
		if err := jsonx.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, errors.KindOperation, "decoding %s response", path)
		}
	}
	return nil
}

func (c *Connector) statusError(resp *http.Response, path string, body []byte) error {
	msg := apiMessage(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New(errors.KindAuthentication, "github token rejected")
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return errors.New(errors.KindRateLimit, "github rate limit exhausted")
	case resp.StatusCode == http.StatusForbidden:
		return errors.Newf(errors.KindPermission, "github denied %s", path)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Newf(errors.KindOperation, "%s not found", path)
	}
	if msg != "" {
		return errors.Newf(errors.KindOperation, "github returned status %d for %s: %s", resp.StatusCode, path, msg)
	}
	return errors.Newf(errors.KindOperation, "github returned status %d for %s", resp.StatusCode, path)
}

func (c *Connector) recordRateLimit(h http.Header) {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		return
	}
	remaining, _ := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)

	c.mu.Lock()
	c.rate = RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(reset, 0),
	}
	c.mu.Unlock()
}

func apiMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := jsonx.Unmarshal(body, &e); err == nil {
		return e.Message
	}
	return ""
}

func pageQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		if limit > 100 {
			limit = 100
		}
		q.Set("per_page", strconv.Itoa(limit))
	}
	return q
}
