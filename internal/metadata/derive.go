// Package metadata projects document content onto the relational note
// metadata (title, tags, outbound links) and announces what changed.
package metadata

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/collabsync/internal/crdt"
)

const (
	UntitledTitle = "Untitled"
	MaxTitleRunes = 120
	FieldTitle    = "title"
	FieldTags     = "tags"
	FieldLinks    = "links"
)

type Projection struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Links []string `json:"links"`
}

type block struct {
	kind string
	text strings.Builder
}

// Derive computes the projection of the visible leaves. The title is the
// first non-empty heading, then the first non-empty line, then Untitled.
func Derive(leaves []crdt.Leaf) Projection {
	blocks := []*block{{kind: crdt.BlockParagraph}}
	tags := map[string]struct{}{}
	links := map[string]struct{}{}
	fold := cases.Fold()

	for _, leaf := range leaves {
		switch leaf.Type {
		case crdt.LeafBlock:
			kind := leaf.Attr("kind")
			if kind == "" {
				kind = crdt.BlockParagraph
			}
			blocks = append(blocks, &block{kind: kind})
		case crdt.LeafChar:
			blocks[len(blocks)-1].text.WriteString(leaf.Text)
		case crdt.LeafTag:
			if tag := normalizeTag(fold, leaf.Attr("name")); tag != "" {
				tags[tag] = struct{}{}
			}
		case crdt.LeafLink:
			if target := normalize(fold, leaf.Attr("target")); target != "" {
				links[target] = struct{}{}
			}
		}
	}

	return Projection{
		Title: deriveTitle(blocks),
		Tags:  sortedKeys(tags),
		Links: sortedKeys(links),
	}
}

func deriveTitle(blocks []*block) string {
	for _, b := range blocks {
		if b.kind != crdt.BlockHeading {
			continue
		}
		if text := strings.TrimSpace(b.text.String()); text != "" {
			return truncateRunes(text, MaxTitleRunes)
		}
	}
	for _, b := range blocks {
		for _, line := range strings.Split(b.text.String(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				return truncateRunes(line, MaxTitleRunes)
			}
		}
	}
	return UntitledTitle
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

func normalize(fold cases.Caser, s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" {
		return ""
	}
	return fold.String(s)
}

func normalizeTag(fold cases.Caser, s string) string {
	return normalize(fold, strings.TrimLeft(strings.TrimSpace(s), "#"))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Change struct {
	Fields       []string `json:"changedFields"`
	TagsAdded    []string `json:"tagsAdded,omitempty"`
	TagsRemoved  []string `json:"tagsRemoved,omitempty"`
	LinksAdded   []string `json:"linksAdded,omitempty"`
	LinksRemoved []string `json:"linksRemoved,omitempty"`
}

func (c Change) Changed() bool {
	return len(c.Fields) > 0
}

// Compare returns the change turning prev into next. exists is false when
// no projection was stored yet, in which case the title always counts as
// changed.
func Compare(prev Projection, exists bool, next Projection) Change {
	var c Change
	if !exists || prev.Title != next.Title {
		c.Fields = append(c.Fields, FieldTitle)
	}
	c.TagsAdded, c.TagsRemoved = setDiff(prev.Tags, next.Tags)
	if len(c.TagsAdded)+len(c.TagsRemoved) > 0 {
		c.Fields = append(c.Fields, FieldTags)
	}
	c.LinksAdded, c.LinksRemoved = setDiff(prev.Links, next.Links)
	if len(c.LinksAdded)+len(c.LinksRemoved) > 0 {
		c.Fields = append(c.Fields, FieldLinks)
	}
	return c
}

func setDiff(prev, next []string) (added, removed []string) {
	before := make(map[string]struct{}, len(prev))
	for _, v := range prev {
		before[v] = struct{}{}
	}
	after := make(map[string]struct{}, len(next))
	for _, v := range next {
		after[v] = struct{}{}
		if _, ok := before[v]; !ok {
			added = append(added, v)
		}
	}
	for _, v := range prev {
		if _, ok := after[v]; !ok {
			removed = append(removed, v)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
