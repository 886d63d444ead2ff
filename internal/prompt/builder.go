// Package prompt assembles the model-facing system prompt from layered,
// priority-ordered blocks. Building is pure: the same template always
// renders byte-identical output.
package prompt

import (
	"sort"
	"strings"
)

// DefaultPriority is used when a block leaves Priority unset (zero).
const DefaultPriority = 100

// Block is one unit of prompt text. Disabled blocks are dropped
// entirely, title included.
type Block struct {
	ID       string
	Title    string
	Content  string
	Priority int   // lower renders first; 0 means DefaultPriority
	Enabled  *bool // nil means enabled
}

func (b Block) enabled() bool { return b.Enabled == nil || *b.Enabled }

func (b Block) priority() int {
	if b.Priority == 0 {
		return DefaultPriority
	}
	return b.Priority
}

// Template holds the three prompt layers. They always render in fixed
// order: preset, then framework, then dynamic.
type Template struct {
	Preset    []Block
	Framework []Block
	Dynamic   []Block
}

// Build renders the template. Within each layer blocks sort ascending by
// priority; ties keep insertion order. Preset titles render as level-1
// Markdown headings, framework and dynamic as level-2. Rendered blocks
// are joined with a horizontal-rule separator.
func Build(t Template) string {
	var sections []string
	sections = append(sections, renderLayer(t.Preset, "# ")...)
	sections = append(sections, renderLayer(t.Framework, "## ")...)
	sections = append(sections, renderLayer(t.Dynamic, "## ")...)
	return strings.Join(sections, "\n\n---\n\n")
}

func renderLayer(blocks []Block, headingPrefix string) []string {
	ordered := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.enabled() {
			ordered = append(ordered, b)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority() < ordered[j].priority()
	})

	rendered := make([]string, 0, len(ordered))
	for _, b := range ordered {
		content := strings.TrimSpace(b.Content)
		if content == "" && b.Title == "" {
			continue
		}
		var sb strings.Builder
		if b.Title != "" {
			sb.WriteString(headingPrefix)
			sb.WriteString(b.Title)
			if content != "" {
				sb.WriteString("\n\n")
			}
		}
		sb.WriteString(content)
		rendered = append(rendered, sb.String())
	}
	return rendered
}
