package llmassist

import (
	"context"
	"errors"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
)

type fakeMessager struct {
	response string
	err      error
	prompt   string
}

func (f *fakeMessager) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	if len(params.Messages) > 0 {
		for _, b := range params.Messages[0].Content {
			if b.OfText != nil {
				f.prompt = b.OfText.Text
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.response}},
	}, nil
}

func newTestExtractor(response string, err error) (*AnthropicExtractor, *fakeMessager) {
	fm := &fakeMessager{response: response, err: err}
	return &AnthropicExtractor{messages: fm, model: "test-model", reg: schema.Sepsis()}, fm
}

func TestExtractReturnsValidatedCandidates(t *testing.T) {
	ex, fm := newTestExtractor("```json\n{\"fields\": ["+
		"{\"name\": \"hr.all\", \"raw\": \"HR 154\", \"value\": 154},"+
		"{\"name\": \"sex\", \"raw\": \"boy\", \"text\": \"male\"},"+
		"{\"name\": \"made.up\", \"raw\": \"x\", \"value\": 1},"+
		"{\"name\": \"oxy.ra\", \"raw\": \"sats 30\", \"value\": 30}"+
		"]}\n```", nil)

	cs, err := ex.Extract(context.Background(), "boy with HR 154, sats 30")
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 {
		t.Fatalf("unknown and invalid fields must be dropped, got %+v", cs)
	}
	if cs[0].Field != "hr.all" || cs[0].Value.Num != 154 || cs[0].Status != parser.StatusValid {
		t.Fatalf("hr candidate: %+v", cs[0])
	}
	if cs[1].Field != "sex" || cs[1].Value.Num != 0 {
		t.Fatalf("sex must normalize male to 0: %+v", cs[1])
	}
	if fm.prompt == "" {
		t.Fatalf("extractor never sent a prompt")
	}
}

func TestExtractSurfacesTransportErrors(t *testing.T) {
	ex, _ := newTestExtractor("", errors.New("status 503"))
	if _, err := ex.Extract(context.Background(), "HR 154"); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractRejectsNonJSON(t *testing.T) {
	ex, _ := newTestExtractor("the heart rate appears to be 154", nil)
	if _, err := ex.Extract(context.Background(), "HR 154"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPromptListsEveryDeclaredField(t *testing.T) {
	ex, fm := newTestExtractor(`{"fields": []}`, nil)
	if _, err := ex.Extract(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	for _, f := range schema.Sepsis().Fields() {
		if !strings.Contains(fm.prompt, "- "+f.Name+": ") {
			t.Fatalf("prompt missing field %s", f.Name)
		}
	}
}
