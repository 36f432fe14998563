// Package azuredevops pushes approved stories to Azure DevOps Boards as
// work items.
package azuredevops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"virtual-product-owner/internal/domain"
	"virtual-product-owner/internal/integrations/paramstore"
)

const (
	defaultBaseURL      = "https://dev.azure.com"
	defaultWorkItemType = "User Story"
	apiVersion          = "7.0"
)

// ErrDisabled is returned for every sync while the integration is switched
// off or missing its organization or project.
var ErrDisabled = errors.New("Azure DevOps integration is not enabled or not configured")

// Config names the target project and the defaults applied to new items.
type Config struct {
	Enabled          bool
	Organization     string
	Project          string
	WorkItemType     string
	DefaultAreaPath  string
	DefaultIteration string
}

// APIError is a non-2xx response from Azure DevOps.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ADO API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type workItemResponse struct {
	ID    int `json:"id"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"_links"`
}

// Client creates or updates one work item per story. The personal access
// token is read from {paramPrefix}/ado-pat on first use.
type Client struct {
	getter      paramstore.Getter
	paramPrefix string
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	md          goldmark.Markdown

	patMu sync.Mutex
	pat   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(ps paramstore.Getter, paramPrefix string, cfg Config, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("azuredevops: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("azuredevops: parameter prefix must not be empty")
	}
	if strings.TrimSpace(cfg.WorkItemType) == "" {
		cfg.WorkItemType = defaultWorkItemType
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		cfg:         cfg,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		md:          goldmark.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Enabled reports whether syncing can be attempted at all.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && strings.TrimSpace(c.cfg.Organization) != "" && strings.TrimSpace(c.cfg.Project) != ""
}

// CreateOrUpdate creates a work item for a story that has never been synced
// and updates the existing item otherwise.
func (c *Client) CreateOrUpdate(ctx context.Context, story domain.Story) (domain.WorkItemRef, error) {
	if !c.Enabled() {
		return domain.WorkItemRef{}, ErrDisabled
	}
	pat, err := c.resolvePAT(ctx)
	if err != nil {
		return domain.WorkItemRef{}, err
	}

	if story.ExternalID == "" {
		ops, err := c.fieldOps("add", story, true)
		if err != nil {
			return domain.WorkItemRef{}, err
		}
		u := c.projectURL("_apis/wit/workitems/$" + url.PathEscape(c.cfg.WorkItemType))
		return c.send(ctx, http.MethodPost, u, pat, ops)
	}

	ops, err := c.fieldOps("replace", story, false)
	if err != nil {
		return domain.WorkItemRef{}, err
	}
	u := c.projectURL("_apis/wit/workitems/" + url.PathEscape(story.ExternalID))
	ref, err := c.send(ctx, http.MethodPatch, u, pat, ops)
	if err != nil {
		return domain.WorkItemRef{}, err
	}
	if ref.URL == "" {
		ref.URL = story.ExternalURL
	}
	return ref, nil
}

func (c *Client) projectURL(path string) string {
	return fmt.Sprintf("%s/%s/%s/%s?api-version=%s",
		c.baseURL, url.PathEscape(c.cfg.Organization), url.PathEscape(c.cfg.Project), path, apiVersion)
}

// fieldOps maps story fields onto work item fields. Description and
// acceptance criteria are markdown and are sent as HTML. Area and iteration
// paths only apply on create.
func (c *Client) fieldOps(op string, s domain.Story, create bool) ([]patchOp, error) {
	description, err := c.toHTML(s.Description)
	if err != nil {
		return nil, err
	}
	ops := []patchOp{
		{Op: op, Path: "/fields/System.Title", Value: s.Title},
		{Op: op, Path: "/fields/System.Description", Value: description},
		{Op: op, Path: "/fields/Microsoft.VSTS.Scheduling.StoryPoints", Value: s.Points},
	}
	if strings.TrimSpace(s.AcceptanceCriteria) != "" {
		criteria, err := c.toHTML(s.AcceptanceCriteria)
		if err != nil {
			return nil, err
		}
		ops = append(ops, patchOp{Op: op, Path: "/fields/Microsoft.VSTS.Common.AcceptanceCriteria", Value: criteria})
	}
	if create {
		if path := c.classificationPath(s.Area, c.cfg.DefaultAreaPath); path != "" {
			ops = append(ops, patchOp{Op: op, Path: "/fields/System.AreaPath", Value: path})
		}
		if path := c.classificationPath(s.Iteration, c.cfg.DefaultIteration); path != "" {
			ops = append(ops, patchOp{Op: op, Path: "/fields/System.IterationPath", Value: path})
		}
		if strings.TrimSpace(s.Risk) != "" {
			ops = append(ops, patchOp{Op: op, Path: "/fields/Microsoft.VSTS.Common.Risk", Value: s.Risk})
		}
	}
	if s.Priority != nil {
		ops = append(ops, patchOp{Op: op, Path: "/fields/Microsoft.VSTS.Common.Priority", Value: *s.Priority})
	}
	if strings.TrimSpace(s.State) != "" {
		ops = append(ops, patchOp{Op: op, Path: "/fields/System.State", Value: s.State})
	}
	return ops, nil
}

// classificationPath nests a story's area or iteration under the project,
// falling back to the configured default.
func (c *Client) classificationPath(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return c.cfg.Project + `\` + v
	}
	return strings.TrimSpace(fallback)
}

func (c *Client) toHTML(markdown string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("azuredevops: render markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Client) send(ctx context.Context, method, u, pat string, ops []patchOp) (domain.WorkItemRef, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return domain.WorkItemRef{}, fmt.Errorf("azuredevops: marshal patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return domain.WorkItemRef{}, fmt.Errorf("azuredevops: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+pat)))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WorkItemRef{}, fmt.Errorf("azuredevops: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.WorkItemRef{}, fmt.Errorf("azuredevops: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.WorkItemRef{}, &APIError{StatusCode: res.StatusCode, Body: string(raw)}
	}

	var out workItemResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.WorkItemRef{}, fmt.Errorf("azuredevops: decode response: %w", err)
	}
	if out.ID == 0 {
		return domain.WorkItemRef{}, errors.New("azuredevops: response has no work item id")
	}
	return domain.WorkItemRef{ID: strconv.Itoa(out.ID), URL: out.Links.HTML.Href}, nil
}

// resolvePAT reads the token until one read succeeds. Failures are not
// cached and the read ignores ctx's cancellation.
func (c *Client) resolvePAT(ctx context.Context) (string, error) {
	c.patMu.Lock()
	defer c.patMu.Unlock()
	if c.pat != "" {
		return c.pat, nil
	}
	pat, err := paramstore.ReadToken(context.WithoutCancel(ctx), c.getter, c.paramPrefix+"/ado-pat")
	if err != nil {
		return "", fmt.Errorf("azuredevops: %w", err)
	}
	c.pat = pat
	return pat, nil
}
