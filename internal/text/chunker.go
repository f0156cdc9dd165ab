package text

import (
	"fmt"
	"regexp"
	"strings"
)

type ChunkType string

const (
	ChunkTypeText    ChunkType = "text"
	ChunkTypeHeading ChunkType = "heading"
	ChunkTypeSection ChunkType = "section"
	ChunkTypeForm    ChunkType = "form"
	ChunkTypeInput   ChunkType = "input"
	ChunkTypeButton  ChunkType = "button"
	ChunkTypeTable   ChunkType = "table"
	ChunkTypeList    ChunkType = "list"
	ChunkTypeLink    ChunkType = "link"
)

// Chunk is one retrievable fragment of page content. Structural chunks
// (forms, tables) carry their nested fragments in Children; Position is
// document order across top-level chunks of a page.
type Chunk struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Type     ChunkType `json:"type"`
	Children []Chunk   `json:"children,omitempty"`
	Position int       `json:"position"`
	Section  string    `json:"section,omitempty"`
}

// IsGeneric reports whether a type carries no interaction intent of its own.
func (t ChunkType) IsGeneric() bool {
	return t == ChunkTypeText || t == ChunkTypeSection || t == ChunkTypeHeading
}

var (
	formRe    = regexp.MustCompile(`(?s)<form[^>]*>(.*?)</form>`)
	tableRe   = regexp.MustCompile(`(?s)<table[^>]*>(.*?)</table>`)
	inputRe   = regexp.MustCompile(`<input[^>]*>|(?s)<textarea[^>]*>.*?</textarea>|(?s)<select[^>]*>.*?</select>`)
	buttonRe  = regexp.MustCompile(`(?s)<button[^>]*>(.*?)</button>|<input[^>]*type=["'](?:submit|button)["'][^>]*>`)
	labelRe   = regexp.MustCompile(`(?s)<label[^>]*>(.*?)</label>`)
	attrRe    = regexp.MustCompile(`(?:name|placeholder|aria-label|value|title)=["']([^"']+)["']`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// ChunkPage derives the structural chunks of a rendered page from its
// extracted text and raw HTML. Interactive structures (forms, tables,
// standalone buttons) come from the HTML; everything else is chunked from
// the text by headings and paragraphs.
func ChunkPage(pageText, pageHTML string) []Chunk {
	var chunks []Chunk
	pos := 0

	next := func() int { p := pos; pos++; return p }

	for _, m := range formRe.FindAllStringSubmatch(pageHTML, -1) {
		chunks = append(chunks, formChunk(m[1], next()))
	}
	for _, m := range tableRe.FindAllStringSubmatch(pageHTML, -1) {
		body := stripTags(m[1])
		if body == "" {
			continue
		}
		p := next()
		chunks = append(chunks, Chunk{
			ID:       chunkID(ChunkTypeTable, p),
			Text:     body,
			Type:     ChunkTypeTable,
			Position: p,
		})
	}

	// Buttons outside any form are kept as standalone chunks.
	htmlNoForms := formRe.ReplaceAllString(pageHTML, "")
	for _, m := range buttonRe.FindAllStringSubmatch(htmlNoForms, -1) {
		label := stripTags(m[1])
		if label == "" {
			label = firstAttr(m[0])
		}
		if label == "" {
			continue
		}
		p := next()
		chunks = append(chunks, Chunk{
			ID:       chunkID(ChunkTypeButton, p),
			Text:     label,
			Type:     ChunkTypeButton,
			Position: p,
		})
	}

	chunks = append(chunks, textChunks(pageText, &pos)...)
	return chunks
}

func formChunk(inner string, position int) Chunk {
	var children []Chunk
	childPos := 0

	labels := labelRe.FindAllStringSubmatch(inner, -1)
	for i, m := range inputRe.FindAllString(inner, -1) {
		label := firstAttr(m)
		if label == "" && i < len(labels) {
			label = stripTags(labels[i][1])
		}
		if label == "" {
			label = fmt.Sprintf("field %d", i+1)
		}
		children = append(children, Chunk{
			ID:       fmt.Sprintf("%s-input-%d", chunkID(ChunkTypeForm, position), childPos),
			Text:     label,
			Type:     ChunkTypeInput,
			Position: childPos,
		})
		childPos++
	}
	for _, m := range buttonRe.FindAllStringSubmatch(inner, -1) {
		label := stripTags(m[1])
		if label == "" {
			label = firstAttr(m[0])
		}
		if label == "" {
			label = "submit"
		}
		children = append(children, Chunk{
			ID:       fmt.Sprintf("%s-button-%d", chunkID(ChunkTypeForm, position), childPos),
			Text:     label,
			Type:     ChunkTypeButton,
			Position: childPos,
		})
		childPos++
	}

	var parts []string
	for _, c := range children {
		parts = append(parts, c.Text)
	}
	summary := "form"
	if len(parts) > 0 {
		summary = "form with " + strings.Join(parts, ", ")
	}

	return Chunk{
		ID:       chunkID(ChunkTypeForm, position),
		Text:     summary,
		Type:     ChunkTypeForm,
		Children: children,
		Position: position,
	}
}

// textChunks splits extracted page text into heading and paragraph chunks,
// tracking the nearest heading as each chunk's section.
func textChunks(pageText string, pos *int) []Chunk {
	var chunks []Chunk
	section := ""

	next := func() int { p := *pos; *pos++; return p }

	for _, block := range strings.Split(pageText, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || IsNoiseChunk(block) {
			continue
		}

		if m := headingRe.FindStringSubmatch(block); m != nil && !strings.Contains(block, "\n") {
			section = strings.TrimSpace(m[1])
			p := next()
			chunks = append(chunks, Chunk{
				ID:       chunkID(ChunkTypeHeading, p),
				Text:     section,
				Type:     ChunkTypeHeading,
				Position: p,
				Section:  section,
			})
			continue
		}

		cType := ChunkTypeText
		if isListBlock(block) {
			cType = ChunkTypeList
		}
		p := next()
		chunks = append(chunks, Chunk{
			ID:       chunkID(cType, p),
			Text:     block,
			Type:     cType,
			Position: p,
			Section:  section,
		})
	}
	return chunks
}

// IsNoiseChunk identifies blocks too low-value to embed. Conservative
// heuristics — better to let a borderline block through than to filter
// useful content.
func IsNoiseChunk(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return true
	}

	// Ultra-short labels with no structure
	words := strings.Fields(trimmed)
	if len(trimmed) < 8 && len(words) <= 1 && !strings.Contains(trimmed, "\n") {
		return true
	}

	// Cookie/legal boilerplate
	lower := strings.ToLower(trimmed)
	if len(trimmed) < 200 {
		if strings.Contains(lower, "all rights reserved") || strings.Contains(lower, "cookie policy") ||
			strings.Contains(lower, "terms of service") || strings.Contains(lower, "privacy policy") {
			return true
		}
	}

	return false
}

func isListBlock(block string) bool {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return false
	}
	bullets := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "-") || strings.HasPrefix(l, "*") || strings.HasPrefix(l, "•") {
			bullets++
		}
	}
	return float64(bullets)/float64(len(lines)) > 0.5
}

func stripTags(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(tagRe.ReplaceAllString(s, " "), " "))
}

func firstAttr(tag string) string {
	if m := attrRe.FindStringSubmatch(tag); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func chunkID(t ChunkType, position int) string {
	return fmt.Sprintf("chunk-%s-%d", t, position)
}
