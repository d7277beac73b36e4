// Package llmassist is an optional extraction pass that runs alongside
// the deterministic parser. It asks a language model to pull field
// values out of an utterance and returns them as candidates that still
// go through the normal validation and merge path. The assist is best
// effort: any failure degrades silently to parser-only behavior.
package llmassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
)

const DefaultModel = "claude-sonnet-4-5"

const systemPrompt = "You extract clinical measurements from a caregiver's message for a pediatric intake form. You never guess or infer values that are not stated. Return strict JSON only."

// Extractor is the boundary the session controller depends on. A nil
// Extractor means the assist is disabled.
type Extractor interface {
	Extract(ctx context.Context, utterance string) ([]parser.Candidate, error)
	ModelName() string
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

// AnthropicExtractor extracts fields with the Anthropic Messages API.
type AnthropicExtractor struct {
	messages AnthropicMessager
	model    string
	reg      *schema.Registry
}

// NewFromEnv returns a configured extractor, or nil when the assist is
// not enabled. Enabling requires INTAKE_LLM=1 and ANTHROPIC_API_KEY.
func NewFromEnv(reg *schema.Registry) *AnthropicExtractor {
	if strings.TrimSpace(os.Getenv("INTAKE_LLM")) != "1" {
		return nil
	}
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		log.Printf("llmassist disabled reason=missing_api_key")
		return nil
	}
	model := strings.TrimSpace(os.Getenv("INTAKE_LLM_MODEL"))
	if model == "" {
		model = DefaultModel
	}
	return &AnthropicExtractor{messages: newAnthropicClient(apiKey), model: model, reg: reg}
}

func (a *AnthropicExtractor) ModelName() string { return a.model }

type extraction struct {
	Fields []extractedField `json:"fields"`
}

type extractedField struct {
	Name  string   `json:"name"`
	Raw   string   `json:"raw"`
	Value *float64 `json:"value"`
	Text  string   `json:"text,omitempty"`
}

func (a *AnthropicExtractor) Extract(ctx context.Context, utterance string) ([]parser.Candidate, error) {
	prompt := a.buildPrompt(utterance)
	start := time.Now()
	raw, err := a.generate(ctx, prompt)
	if err != nil {
		log.Printf("llmassist extract_error elapsed_ms=%d err=%q", time.Since(start).Milliseconds(), err.Error())
		return nil, err
	}
	raw = stripCodeFences(strings.TrimSpace(raw))
	if raw == "" {
		return nil, errors.New("empty response")
	}
	var ex extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		log.Printf("llmassist extract_json_error elapsed_ms=%d err=%q", time.Since(start).Milliseconds(), err.Error())
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	log.Printf("llmassist extract_ok elapsed_ms=%d fields=%d", time.Since(start).Milliseconds(), len(ex.Fields))
	return a.toCandidates(ex), nil
}

// toCandidates converts the model's output into candidates, dropping
// anything that names an undeclared field or fails validation. The model
// is untrusted input, same as an imported sheet.
func (a *AnthropicExtractor) toCandidates(ex extraction) []parser.Candidate {
	var out []parser.Candidate
	for _, ef := range ex.Fields {
		f, ok := a.reg.Lookup(ef.Name)
		if !ok {
			log.Printf("llmassist drop_unknown_field field=%s", ef.Name)
			continue
		}
		var v schema.Value
		switch {
		case ef.Value != nil:
			v = schema.Num(*ef.Value)
		case ef.Text != "":
			nv, err := f.Normalize(ef.Text)
			if err != nil {
				log.Printf("llmassist drop_unnormalizable field=%s text=%q", ef.Name, ef.Text)
				continue
			}
			v = nv
		default:
			continue
		}
		if err := f.Validate(v); err != nil {
			log.Printf("llmassist drop_invalid field=%s err=%q", ef.Name, err.Error())
			continue
		}
		out = append(out, parser.Candidate{
			Field:  ef.Name,
			Raw:    ef.Raw,
			Value:  v,
			Status: parser.StatusValid,
		})
	}
	return out
}

func (a *AnthropicExtractor) buildPrompt(utterance string) string {
	var sb strings.Builder
	sb.WriteString("Extract any of the following fields stated in the message. Known fields:\n")
	for _, f := range a.reg.Fields() {
		sb.WriteString("- ")
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Label)
		if f.Unit != "" {
			sb.WriteString(" (")
			sb.WriteString(f.Unit)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nRules:\n")
	sb.WriteString("- Only include fields the message explicitly states. Never infer or guess.\n")
	sb.WriteString("- Convert ages to months and temperatures to Celsius.\n")
	sb.WriteString("- Yes/no findings are 1 when present and 0 when explicitly denied; omit when unmentioned.\n")
	sb.WriteString("- \"raw\" is the exact span of the message the value came from.\n")
	sb.WriteString("\nReturn JSON of the form {\"fields\": [{\"name\": \"hr.all\", \"raw\": \"HR 154\", \"value\": 154}]}.\n")
	sb.WriteString("\nMessage:\n")
	sb.WriteString(utterance)
	return sb.String()
}

func (a *AnthropicExtractor) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   1024,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
