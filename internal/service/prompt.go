package service

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/Strob0t/ReviewForge/internal/domain/checklist"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/evidence"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
)

//go:embed templates/extract_system.tmpl
var extractSystemTmpl string

//go:embed templates/extract_user.tmpl
var extractUserTmpl string

var (
	extractSystem = template.Must(template.New("extract_system").Parse(extractSystemTmpl))
	extractUser   = template.Must(template.New("extract_user").
			Funcs(template.FuncMap{"join": strings.Join}).
			Parse(extractUserTmpl))
)

type extractSystemData struct {
	Strict bool
	Reason string
}

type extractUserData struct {
	Document   document.Document
	Categories []checklist.Category
	Pages      []document.Page
	Truncated  bool
}

// buildExtractionPrompt renders the system and user prompts for one document.
// When reason is non-empty the stricter variant is produced.
func buildExtractionPrompt(doc document.Document, cats []checklist.Category, pages []document.Page, maxChars int, reason string) (system, user string, err error) {
	var sb bytes.Buffer
	if err := extractSystem.Execute(&sb, extractSystemData{Strict: reason != "", Reason: sanitizePromptInput(reason, 500)}); err != nil {
		return "", "", fmt.Errorf("execute extract system template: %w", err)
	}

	clipped, truncated := clipPages(pages, maxChars)
	var ub bytes.Buffer
	data := extractUserData{Document: doc, Categories: cats, Pages: clipped, Truncated: truncated}
	if err := extractUser.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("execute extract user template: %w", err)
	}
	return sb.String(), ub.String(), nil
}

// clipPages sanitizes page text and keeps whole pages until maxChars is
// spent. The page that crosses the limit is cut.
func clipPages(pages []document.Page, maxChars int) ([]document.Page, bool) {
	out := make([]document.Page, 0, len(pages))
	used := 0
	for _, p := range pages {
		text := sanitizePromptInput(p.Text, 0)
		if maxChars > 0 && used+len(text) > maxChars {
			if rest := maxChars - used; rest > 0 {
				out = append(out, document.Page{Number: p.Number, Text: strings.ToValidUTF8(text[:rest], "")})
			}
			return out, true
		}
		used += len(text)
		out = append(out, document.Page{Number: p.Number, Text: text})
	}
	return out, false
}

// sanitizePromptInput strips control characters and neutralises role markers
// at line starts. A positive limit truncates the result.
func sanitizePromptInput(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range []string{
			"system:", "assistant:", "user:", "[system]", "[assistant]",
			"<|system|>", "<|assistant|>", "<|im_start|>",
			"### system", "### assistant", "### instruction",
		} {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	if limit > 0 && len(s) > limit {
		s = s[:limit] + "\n[truncated]"
	}
	return s
}

// extractJSON strips markdown fences and surrounding prose from an LLM reply.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	for _, fence := range []string{"```json", "```"} {
		if strings.HasPrefix(s, fence) {
			s = strings.TrimPrefix(s, fence)
			if idx := strings.LastIndex(s, "```"); idx >= 0 {
				s = s[:idx]
			}
			return strings.TrimSpace(s)
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

type rawEvidence struct {
	DocumentID    string            `json:"document_id,omitempty"`
	RequirementID string            `json:"requirement_id"`
	Page          int               `json:"page"`
	Section       string            `json:"section"`
	Text          string            `json:"text"`
	Assessment    string            `json:"assessment"`
	Confidence    *float64          `json:"confidence"`
	Value         string            `json:"value"`
	Fields        map[string]string `json:"fields"`
}

type rawExtraction struct {
	Evidence *[]rawEvidence `json:"evidence"`
}

// parseExtraction turns an LLM reply into evidence for doc. Any entry that
// names an unknown requirement, another document or a page the document
// does not have rejects the whole reply with a validation error, so the
// caller can retry with the stricter prompt.
func parseExtraction(reply, sessionID string, doc document.Document, pageCount int, allowed map[string]bool, now time.Time) ([]evidence.Evidence, error) {
	var raw rawExtraction
	if err := json.Unmarshal([]byte(extractJSON(reply)), &raw); err != nil {
		return nil, llm.Errorf(llm.KindValidation, "extractor", "reply is not the expected JSON object: %v", err)
	}
	if raw.Evidence == nil {
		return nil, llm.Errorf(llm.KindValidation, "extractor", `reply has no "evidence" array`)
	}

	seen := make(map[string]bool)
	out := make([]evidence.Evidence, 0, len(*raw.Evidence))
	for i, r := range *raw.Evidence {
		if r.DocumentID != "" && r.DocumentID != doc.ID {
			return nil, llm.Errorf(llm.KindValidation, "extractor", "entry %d cites document %q, expected %s", i, r.DocumentID, doc.ID)
		}
		if !allowed[r.RequirementID] {
			return nil, llm.Errorf(llm.KindValidation, "extractor", "entry %d cites unknown requirement %q", i, r.RequirementID)
		}
		if strings.TrimSpace(r.Text) == "" {
			return nil, llm.Errorf(llm.KindValidation, "extractor", "entry %d (%s) has no text", i, r.RequirementID)
		}
		if r.Confidence == nil {
			return nil, llm.Errorf(llm.KindValidation, "extractor", "entry %d (%s) has no confidence", i, r.RequirementID)
		}
		if pageCount > 0 && r.Page > pageCount {
			return nil, llm.Errorf(llm.KindValidation, "extractor", "entry %d cites page %d of a %d-page document", i, r.Page, pageCount)
		}

		e := evidence.Evidence{
			SessionID:     sessionID,
			DocumentID:    doc.ID,
			RequirementID: r.RequirementID,
			Page:          r.Page,
			Section:       strings.TrimSpace(r.Section),
			Text:          strings.TrimSpace(r.Text),
			Assessment:    evidence.Assessment(strings.ToLower(strings.TrimSpace(r.Assessment))),
			Confidence:    *r.Confidence,
			Value:         strings.TrimSpace(r.Value),
			Fields:        cleanFields(r.Fields),
			CreatedAt:     now,
		}
		if err := e.Validate(); err != nil {
			return nil, llm.Wrap(llm.KindValidation, "extractor", fmt.Errorf("entry %d: %w", i, err))
		}
		e.ID = evidence.ComputeID(sessionID, doc.ID, e.RequirementID, e.Page, e.Text)
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out, nil
}

func cleanFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
