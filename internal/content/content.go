// Package content is the boundary to the site's content system. Abilities and
// governance tasks talk to it through Store; Memory backs tests and local runs.
package content

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"steward/internal/domain"
)

const (
	StatusPublish = "publish"
	StatusDraft   = "draft"
)

type Post struct {
	ID       int64             `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Status   string            `json:"status"`
	AuthorID string            `json:"author_id"`
	Modified time.Time         `json:"modified"`
	Meta     map[string]string `json:"meta,omitempty"`
}

type MenuItem struct {
	ID     int64  `json:"id"`
	MenuID int64  `json:"menu_id"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

type Revision struct {
	ID      int64     `json:"id"`
	PostID  int64     `json:"post_id"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

type PostQuery struct {
	Status         string
	ModifiedBefore time.Time
	ModifiedAfter  time.Time
	Limit          int
}

type Store interface {
	ListPosts(ctx context.Context, q PostQuery) ([]Post, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	UpdatePostMeta(ctx context.Context, id int64, meta map[string]string) (Post, error)
	CreateMenuItem(ctx context.Context, item MenuItem) (MenuItem, error)
	GetRevision(ctx context.Context, id int64) (Revision, error)
	RestoreRevision(ctx context.Context, id int64) (Post, error)
}

// Memory is an in-process Store.
type Memory struct {
	Now func() time.Time

	mu        sync.Mutex
	posts     map[int64]Post
	menus     map[int64][]MenuItem
	revisions map[int64]Revision
	nextID    int64
}

func NewMemory() *Memory {
	return &Memory{
		posts:     map[int64]Post{},
		menus:     map[int64][]MenuItem{},
		revisions: map[int64]Revision{},
		nextID:    1000,
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// PutPost inserts or replaces a post.
func (m *Memory) PutPost(p Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = clonePost(p)
}

func (m *Memory) PutRevision(r Revision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[r.ID] = r
}

// MenuItems returns the items of a menu in creation order.
func (m *Memory) MenuItems(menuID int64) []MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MenuItem(nil), m.menus[menuID]...)
}

func (m *Memory) ListPosts(_ context.Context, q PostQuery) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Post
	for _, p := range m.posts {
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		if !q.ModifiedBefore.IsZero() && !p.Modified.Before(q.ModifiedBefore) {
			continue
		}
		if !q.ModifiedAfter.IsZero() && !p.Modified.After(q.ModifiedAfter) {
			continue
		}
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) GetPost(_ context.Context, id int64) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	return clonePost(p), nil
}

func (m *Memory) UpdatePostMeta(_ context.Context, id int64, meta map[string]string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	p = clonePost(p)
	if p.Meta == nil {
		p.Meta = map[string]string{}
	}
	for k, v := range meta {
		p.Meta[k] = v
	}
	p.Modified = m.now()
	m.posts[id] = p
	return clonePost(p), nil
}

func (m *Memory) CreateMenuItem(_ context.Context, item MenuItem) (MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	m.menus[item.MenuID] = append(m.menus[item.MenuID], item)
	return item, nil
}

func (m *Memory) GetRevision(_ context.Context, id int64) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revisions[id]
	if !ok {
		return Revision{}, fmt.Errorf("revision %d: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) RestoreRevision(_ context.Context, id int64) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revisions[id]
	if !ok {
		return Post{}, fmt.Errorf("revision %d: %w", id, domain.ErrNotFound)
	}
	p, ok := m.posts[r.PostID]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", r.PostID, domain.ErrNotFound)
	}
	p = clonePost(p)
	p.Title = r.Title
	p.Content = r.Content
	p.Modified = m.now()
	m.posts[p.ID] = p
	return clonePost(p), nil
}

func clonePost(p Post) Post {
	if p.Meta != nil {
		meta := make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			meta[k] = v
		}
		p.Meta = meta
	}
	return p
}
