package outreach

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"reachbot/internal/platform"
	"reachbot/internal/storage"
)

// channelIDBias is the offset large-channel identifiers carry in the bot-API
// representation. Stored ids may appear in either form, so resolution tries
// both plus their marked (negative) variants.
const channelIDBias int64 = 1_000_000_000_000

// idCandidates returns the identifier variants a stored numeric id may map
// to, in probe order.
func idCandidates(id int64) []int64 {
	if id < 0 {
		id = -id
	}
	return []int64{id, -id, -channelIDBias - id, -channelIDBias + id}
}

// usernameFromLink extracts a public username from an invite-style link.
// Private invite links (+hash, joinchat) carry no username.
func usernameFromLink(link string) string {
	s := strings.TrimSpace(link)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	hostStripped := false
	for _, host := range []string{"t.me/", "telegram.me/", "telegram.dog/"} {
		if rest, ok := strings.CutPrefix(s, host); ok {
			s, hostStripped = rest, true
			break
		}
	}
	if !hostStripped && strings.Contains(s, "/") {
		return ""
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "@")
	if s == "" || strings.HasPrefix(s, "+") || strings.EqualFold(s, "joinchat") {
		return ""
	}
	return strings.ToLower(s)
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// entityCache holds the entities learned from one connection's bulk dialog
// listing plus any later successful resolutions. Scoped to a single live
// session: entities are not portable across connections.
type entityCache struct {
	byID   map[int64]platform.Entity
	byName map[string]platform.Entity
}

func newEntityCache() *entityCache {
	return &entityCache{
		byID:   map[int64]platform.Entity{},
		byName: map[string]platform.Entity{},
	}
}

func (c *entityCache) fill(dialogs []platform.Dialog) {
	for _, d := range dialogs {
		c.put(platform.Entity{ID: d.ID, Username: d.Username, Kind: d.Kind})
	}
}

func (c *entityCache) put(e platform.Entity) {
	c.byID[e.ID] = e
	if u := normalizeUsername(e.Username); u != "" {
		c.byName[u] = e
	}
}

func (c *entityCache) id(id int64) (platform.Entity, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *entityCache) name(u string) (platform.Entity, bool) {
	e, ok := c.byName[u]
	return e, ok
}

// resolveGroup turns a stored group into a live entity: cache first (by id
// variants, then by username), then network resolution by username, then by
// raw id variants. Successful network hits are written back to the cache.
func (s *Service) resolveGroup(ctx context.Context, client platform.Client, cache *entityCache, g *storage.Group) (platform.Entity, error) {
	id, numeric := parseGroupID(g.ID)
	if numeric {
		for _, cand := range idCandidates(id) {
			if e, ok := cache.id(cand); ok {
				return e, nil
			}
		}
	}

	var names []string
	if u := usernameFromLink(g.Link); u != "" {
		names = append(names, u)
	}
	if u := normalizeUsername(g.Username); u != "" && (len(names) == 0 || names[0] != u) {
		names = append(names, u)
	}
	for _, u := range names {
		if e, ok := cache.name(u); ok {
			return e, nil
		}
	}

	for _, u := range names {
		e, err := client.Resolve(ctx, u)
		if err == nil {
			cache.put(e)
			return e, nil
		}
		if ctx.Err() != nil {
			return platform.Entity{}, ctx.Err()
		}
	}
	if numeric {
		for _, cand := range idCandidates(id) {
			e, err := client.ResolveID(ctx, cand)
			if err == nil {
				cache.put(e)
				return e, nil
			}
			if ctx.Err() != nil {
				return platform.Entity{}, ctx.Err()
			}
		}
	}
	return platform.Entity{}, fmt.Errorf("no entity found for group %q", g.ID)
}

func parseGroupID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	return n, err == nil
}
