package engine

import (
	"context"
	"strings"

	"github.com/lazypower/rankd/internal/usage"
)

// Link pins a resource to an activity. An empty or :current activity is
// the current one; an empty agent links for every agent (usage.Global).
// It reports whether a new link was created; only then is Linked
// published.
func (e *Engine) Link(ctx context.Context, l usage.LinkRecord) (bool, error) {
	l, err := e.resolveLink(ctx, l)
	if err != nil {
		return false, err
	}
	created, err := e.store.Link(ctx, l, e.now())
	if err != nil {
		return false, usage.NewError(usage.StoreUnavailable, "link", err)
	}
	if created {
		e.publishFor(ctx, usage.Event{Kind: usage.Linked, Key: l.Key})
	}
	return created, nil
}

// Unlink removes a link. Removing a link that does not exist is a no-op.
func (e *Engine) Unlink(ctx context.Context, l usage.LinkRecord) (bool, error) {
	l, err := e.resolveLink(ctx, l)
	if err != nil {
		return false, err
	}
	removed, err := e.store.Unlink(ctx, l)
	if err != nil {
		return false, usage.NewError(usage.StoreUnavailable, "unlink", err)
	}
	if removed {
		e.publishFor(ctx, usage.Event{Kind: usage.Unlinked, Key: l.Key})
	}
	return removed, nil
}

func (e *Engine) resolveLink(ctx context.Context, l usage.LinkRecord) (usage.LinkRecord, error) {
	k, err := validateKey(l.Key)
	if err != nil {
		return l, err
	}
	switch k.Activity {
	case "", usage.Current:
		k.Activity = e.resolver.CurrentActivity()
	case usage.Any:
		return l, usage.Errorf(usage.InvalidQuery, "cannot link to %s activity", usage.Any)
	}
	switch k.Agent {
	case "":
		k.Agent = usage.Global
	case usage.Current:
		k.Agent = AgentFromContext(ctx)
	case usage.Any:
		return l, usage.Errorf(usage.InvalidQuery, "cannot link for %s agent", usage.Any)
	}
	l.Key = k
	return l, nil
}

// SetResourceInfo stores a resource's title and type and announces the
// change. Empty fields keep their stored values.
func (e *Engine) SetResourceInfo(ctx context.Context, info usage.ResourceInfo) error {
	k, err := validateKey(usage.Key{Resource: info.Resource})
	if err != nil {
		return err
	}
	info.Resource = k.Resource
	info.Title = truncateClean(strings.TrimSpace(info.Title), maxTitleChars)
	info.MimeType = strings.ToLower(strings.TrimSpace(info.MimeType))
	if err := e.store.SetResourceInfo(ctx, info); err != nil {
		return usage.NewError(usage.StoreUnavailable, "set resource info", err)
	}

	// Watchers only pass the rename on to listings the resource is in.
	// Without the rows there is nothing to gate on, so nothing is
	// announced and the caller may retry.
	scores, err := e.store.ResourceScores(ctx, info.Resource)
	if err != nil {
		return usage.NewError(usage.StoreUnavailable, "read resource scores", err)
	}
	links, err := e.store.ResourceLinks(ctx, info.Resource)
	if err != nil {
		return usage.NewError(usage.StoreUnavailable, "read resource links", err)
	}
	evt := usage.Event{Kind: usage.TitleChanged, Key: usage.Key{Resource: info.Resource}, Scores: scores}
	for _, l := range links {
		evt.Links = append(evt.Links, l.Key)
	}
	e.publishFor(ctx, evt)
	return nil
}
