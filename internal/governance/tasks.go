package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"steward/internal/config"
	"steward/internal/content"
	"steward/internal/domain"
)

// Sender is the guarded AI gateway.
type Sender interface {
	Send(ctx context.Context, prompt, sessionKey string) (string, error)
}

// PendingLister exposes the approval queue to the reminder task.
type PendingLister interface {
	ListPending(ctx context.Context) ([]domain.QueueItem, error)
}

type Collaborators struct {
	Content    content.Store
	Gateway    Sender
	Queue      PendingLister
	HTTPClient *http.Client
	Now        func() time.Time
}

// Catalog builds the built-in tasks with config overrides applied. Tasks whose
// collaborator is missing are left out.
func Catalog(cfg map[string]config.TaskConfig, c Collaborators) []Task {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	var tasks []Task
	add := func(key, label string, enabledByDefault bool, h Handler) {
		t := Task{Key: key, Label: label, Enabled: enabledByDefault, Handler: h}
		if tc, ok := cfg[key]; ok && tc.Enabled != nil {
			t.Enabled = *tc.Enabled
		}
		tasks = append(tasks, t)
	}
	if c.Content != nil {
		stale := cfg["stale-content"]
		add("stale-content", "Stale content", true, StaleContent{
			Store:    c.Content,
			Days:     optionInt(stale.Options, "days", 180),
			MaxItems: stale.MaxItems,
			Now:      now,
		})

		links := cfg["broken-links"]
		client := c.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		rps := links.RatePerSecond
		if rps <= 0 {
			rps = 5
		}
		add("broken-links", "Broken links", true, BrokenLinks{
			Store:    c.Content,
			Client:   client,
			Limiter:  rate.NewLimiter(rate.Limit(rps), 1),
			MaxItems: links.MaxItems,
		})

		if c.Gateway != nil {
			digest := cfg["content-digest"]
			add("content-digest", "Content digest", false, ContentDigest{
				Store:    c.Content,
				Gateway:  c.Gateway,
				MaxItems: digest.MaxItems,
				Days:     optionInt(digest.Options, "days", 7),
				Now:      now,
			})
		}
	}
	if c.Queue != nil {
		pending := cfg["pending-approvals"]
		add("pending-approvals", "Pending approvals", true, PendingApprovals{
			Queue:     c.Queue,
			OlderThan: time.Duration(optionInt(pending.Options, "older_than_hours", 12)) * time.Hour,
			Now:       now,
		})
	}
	return tasks
}

func optionInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// StaleContent reports published posts not modified for Days.
type StaleContent struct {
	Store    content.Store
	Days     int
	MaxItems int
	Now      func() time.Time
}

func (s StaleContent) Run(ctx context.Context) (Report, error) {
	cutoff := s.Now().AddDate(0, 0, -s.Days)
	posts, err := s.Store.ListPosts(ctx, content.PostQuery{
		Status: content.StatusPublish, ModifiedBefore: cutoff, Limit: s.MaxItems,
	})
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, p := range posts {
		rep.Findings = append(rep.Findings, domain.Finding{Payload: map[string]any{
			"post_id":       p.ID,
			"title":         p.Title,
			"last_modified": p.Modified.UTC().Format(time.RFC3339),
		}})
	}
	if len(rep.Findings) > 0 {
		rep.Summary = fmt.Sprintf("%d posts not updated in %d days", len(rep.Findings), s.Days)
	}
	return rep, nil
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"\s]+)"`)

// BrokenLinks probes outbound links in published posts, paced by Limiter and
// capped at MaxItems probes per run.
type BrokenLinks struct {
	Store    content.Store
	Client   *http.Client
	Limiter  *rate.Limiter
	MaxItems int
}

func (b BrokenLinks) Run(ctx context.Context) (Report, error) {
	posts, err := b.Store.ListPosts(ctx, content.PostQuery{Status: content.StatusPublish})
	if err != nil {
		return Report{}, err
	}
	var (
		rep    Report
		probed int
		seen   = map[string]bool{}
	)
	for _, p := range posts {
		for _, m := range hrefPattern.FindAllStringSubmatch(p.Content, -1) {
			link := m[1]
			if seen[link] {
				continue
			}
			if b.MaxItems > 0 && probed >= b.MaxItems {
				rep.Failures = append(rep.Failures, fmt.Sprintf("probe cap of %d reached", b.MaxItems))
				return b.finish(rep), nil
			}
			if b.Limiter != nil {
				if err := b.Limiter.Wait(ctx); err != nil {
					return b.finish(rep), err
				}
			}
			seen[link] = true
			probed++
			status, perr := b.probe(ctx, link)
			if ctx.Err() != nil {
				return b.finish(rep), ctx.Err()
			}
			if perr != nil {
				rep.Findings = append(rep.Findings, domain.Finding{Payload: map[string]any{
					"post_id": p.ID, "url": link, "error": perr.Error(),
				}})
				continue
			}
			if status >= 400 {
				rep.Findings = append(rep.Findings, domain.Finding{Payload: map[string]any{
					"post_id": p.ID, "url": link, "status": status,
				}})
			}
		}
	}
	return b.finish(rep), nil
}

func (b BrokenLinks) probe(ctx context.Context, link string) (int, error) {
	status, err := b.do(ctx, http.MethodHead, link)
	if err == nil && status == http.StatusMethodNotAllowed {
		return b.do(ctx, http.MethodGet, link)
	}
	return status, err
}

func (b BrokenLinks) do(ctx context.Context, method, link string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return 0, err
	}
	res, err := b.Client.Do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return res.StatusCode, nil
}

func (b BrokenLinks) finish(rep Report) Report {
	if len(rep.Findings) > 0 {
		rep.Summary = fmt.Sprintf("%d broken links found", len(rep.Findings))
	}
	return rep
}

// ContentDigest asks the AI gateway for a digest of recently modified posts.
// It produces a single bundled finding and stays silent while the gateway
// breaker is open.
type ContentDigest struct {
	Store    content.Store
	Gateway  Sender
	MaxItems int
	Days     int
	Now      func() time.Time
}

func (c ContentDigest) Run(ctx context.Context) (Report, error) {
	posts, err := c.Store.ListPosts(ctx, content.PostQuery{
		Status: content.StatusPublish, ModifiedAfter: c.Now().AddDate(0, 0, -c.Days), Limit: c.MaxItems,
	})
	if err != nil {
		return Report{}, err
	}
	if len(posts) == 0 {
		return Report{}, nil
	}
	var b strings.Builder
	b.WriteString("Summarize these recent posts for the site editor in a short paragraph:\n")
	ids := make([]int64, 0, len(posts))
	for _, p := range posts {
		fmt.Fprintf(&b, "- %s\n", p.Title)
		ids = append(ids, p.ID)
	}
	digest, err := c.Gateway.Send(ctx, b.String(), "governance:content-digest")
	if errors.Is(err, domain.ErrUnavailable) {
		return Report{}, nil
	}
	if err != nil {
		return Report{}, err
	}
	return Report{
		Summary: fmt.Sprintf("digest of %d recent posts", len(posts)),
		Findings: []domain.Finding{{Payload: map[string]any{
			"post_ids": ids,
			"digest":   digest,
		}}},
	}, nil
}

// PendingApprovals reminds approvers of items waiting longer than OlderThan.
type PendingApprovals struct {
	Queue     PendingLister
	OlderThan time.Duration
	Now       func() time.Time
}

func (p PendingApprovals) Run(ctx context.Context) (Report, error) {
	items, err := p.Queue.ListPending(ctx)
	if err != nil {
		return Report{}, err
	}
	now := p.Now()
	var rep Report
	for _, it := range items {
		age := now.Sub(it.QueuedAt)
		if age < p.OlderThan {
			continue
		}
		rep.Findings = append(rep.Findings, domain.Finding{Payload: map[string]any{
			"queue_id":         it.ID,
			"ability":          it.AbilityName,
			"requesting_actor": it.ActorID,
			"waiting_hours":    int(age.Hours()),
			"expires_at":       it.ExpiresAt.Format(time.RFC3339),
		}})
	}
	if len(rep.Findings) > 0 {
		rep.Summary = fmt.Sprintf("%d approvals waiting longer than %s", len(rep.Findings), p.OlderThan)
	}
	return rep, nil
}
