package connection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// defaultModality is used when a connect request names no modalities.
const defaultModality = "audio"

// DirectURL builds the single session URL for a direct connection: base with
// the identity and content of p encoded as query parameters. Existing query
// parameters on base are preserved.
func DirectURL(base string, p Params) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("connection: direct url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("connection: direct url: %q is not absolute", base)
	}

	modalities := p.Modalities
	if len(modalities) == 0 {
		modalities = []string{defaultModality}
	}
	handoff := p.HandoffModality
	if handoff == "" {
		handoff = modalities[0]
	}

	q := u.Query()
	q.Set("student_id", p.StudentID)
	q.Set("current_chapter", strconv.Itoa(p.Chapter))
	q.Set("previous_chapter", strconv.Itoa(p.PreviousChapter))
	q.Set("book_id", p.BookID)
	q.Set("book_title", p.BookTitle)
	q.Set("prompt_id", p.PromptID)
	q.Set("section_type", p.SectionType)
	q.Set("character_name", p.CharacterName)
	q.Set("modalities", strings.Join(modalities, ","))
	q.Set("handoff_modality", handoff)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
