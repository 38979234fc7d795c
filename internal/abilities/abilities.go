// Package abilities registers steward's built-in abilities. Handlers are thin
// wrappers over the content store and the AI gateway.
package abilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"steward/internal/ability"
	"steward/internal/auth"
	"steward/internal/content"
	"steward/internal/domain"
)

// Sender is the guarded AI gateway.
type Sender interface {
	Send(ctx context.Context, prompt, sessionKey string) (string, error)
}

type Deps struct {
	Content content.Store
	Gateway Sender
}

// Register adds the built-in abilities to reg. Abilities whose collaborator is
// missing are skipped.
func Register(reg *ability.Registry, deps Deps) error {
	var descs []ability.Descriptor
	if deps.Content != nil {
		descs = append(descs, createMenuItem(deps.Content), updatePostMeta(deps.Content), restoreRevision(deps.Content))
	}
	if deps.Gateway != nil {
		descs = append(descs, chat(deps.Gateway))
	}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func createMenuItem(store content.Store) ability.Descriptor {
	return ability.Descriptor{
		Name:               "menu/create-item",
		Label:              "Create menu item",
		Description:        "Adds a link to a navigation menu.",
		RequiredCapability: "edit_theme_options",
		RequiresApproval:   true,
		InputSchema: `{
  "type": "object",
  "required": ["menu_id", "title"],
  "properties": {
    "menu_id": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "url": {"type": "string"}
  },
  "additionalProperties": false
}`,
		Handler: ability.HandlerFunc(func(ctx context.Context, in map[string]any, _ auth.Actor) (map[string]any, error) {
			menuID, err := intArg(in, "menu_id")
			if err != nil {
				return nil, err
			}
			title, _ := in["title"].(string)
			url, _ := in["url"].(string)
			item, err := store.CreateMenuItem(ctx, content.MenuItem{MenuID: menuID, Title: title, URL: url})
			if err != nil {
				return nil, err
			}
			return map[string]any{"item_id": item.ID, "menu_id": item.MenuID, "title": item.Title}, nil
		}),
	}
}

func updatePostMeta(store content.Store) ability.Descriptor {
	return ability.Descriptor{
		Name:               "post/update-meta",
		Label:              "Update post meta",
		Description:        "Sets string meta values on a post.",
		RequiredCapability: "edit_posts",
		InputSchema: `{
  "type": "object",
  "required": ["post_id", "meta"],
  "properties": {
    "post_id": {"type": "integer", "minimum": 1},
    "meta": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`,
		Handler: ability.HandlerFunc(func(ctx context.Context, in map[string]any, actor auth.Actor) (map[string]any, error) {
			postID, err := intArg(in, "post_id")
			if err != nil {
				return nil, err
			}
			post, err := store.GetPost(ctx, postID)
			if err != nil {
				return nil, err
			}
			if post.AuthorID != actor.ID {
				if err := actor.Require("edit_others_posts"); err != nil {
					return nil, err
				}
			}
			meta := map[string]string{}
			if raw, ok := in["meta"].(map[string]any); ok {
				for k, v := range raw {
					if s, ok := v.(string); ok {
						meta[k] = s
					}
				}
			}
			if _, err := store.UpdatePostMeta(ctx, postID, meta); err != nil {
				return nil, err
			}
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return map[string]any{"post_id": postID, "updated_keys": keys}, nil
		}),
	}
}

func restoreRevision(store content.Store) ability.Descriptor {
	return ability.Descriptor{
		Name:               "revision/restore",
		Label:              "Restore revision",
		Description:        "Replaces a post's title and body with a stored revision.",
		RequiredCapability: "edit_others_posts",
		RequiresApproval:   true,
		InputSchema: `{
  "type": "object",
  "required": ["revision_id"],
  "properties": {"revision_id": {"type": "integer", "minimum": 1}},
  "additionalProperties": false
}`,
		Handler: ability.HandlerFunc(func(ctx context.Context, in map[string]any, _ auth.Actor) (map[string]any, error) {
			revID, err := intArg(in, "revision_id")
			if err != nil {
				return nil, err
			}
			post, err := store.RestoreRevision(ctx, revID)
			if errors.Is(err, domain.ErrNotFound) {
				// The revision or its post can vanish while the request waits
				// for approval.
				return map[string]any{"error": err.Error()}, nil
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"post_id": post.ID, "revision_id": revID}, nil
		}),
	}
}

func chat(gw Sender) ability.Descriptor {
	return ability.Descriptor{
		Name:               "ai/chat",
		Label:              "Chat",
		Description:        "Sends a prompt to the AI gateway.",
		RequiredCapability: "use_ai",
		InputSchema: `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 20000},
    "session_key": {"type": "string"}
  },
  "additionalProperties": false
}`,
		Handler: ability.HandlerFunc(func(ctx context.Context, in map[string]any, actor auth.Actor) (map[string]any, error) {
			prompt, _ := in["prompt"].(string)
			session, _ := in["session_key"].(string)
			if session == "" {
				session = actor.ID
			}
			reply, err := gw.Send(ctx, prompt, session)
			if errors.Is(err, domain.ErrUnavailable) {
				return nil, fmt.Errorf("AI assistant is temporarily unavailable, try again shortly: %w", err)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"reply": reply}, nil
		}),
	}
}

func intArg(in map[string]any, key string) (int64, error) {
	switch v := in[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, domain.InvalidInputError{Field: key, Reason: "integer required"}
	}
}
