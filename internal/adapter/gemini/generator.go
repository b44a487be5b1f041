package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

const DefaultAnswerModel = "gemini-1.5-flash"

var ErrEmptyAnswer = errors.New("model returned no answer")

type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(client *genai.Client, model string) *Generator {
	if model == "" {
		model = DefaultAnswerModel
	}
	return &Generator{client: client, model: model}
}

// NoAnswerText is what the model is told to say when the context lacks the answer.
const NoAnswerText = "No answer found in the provided context."

const promptTemplate = `Context: %s

Question: %s

Based only on the provided context, answer the question. If the answer cannot be found in the context, say "%s"

Answer:`

func Prompt(question, docs string) string {
	return fmt.Sprintf(promptTemplate, docs, question, NoAnswerText)
}

// Generate answers question using only the supplied context.
func (g *Generator) Generate(ctx context.Context, question, docs string) (string, error) {
	slog.DebugContext(ctx, "generating answer", "model", g.model, "context_length", len(docs))
	resp, err := g.client.GenerativeModel(g.model).GenerateContent(ctx, genai.Text(Prompt(question, docs)))
	if err != nil {
		return "", classify(err)
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		break
	}
	if b.Len() == 0 {
		return "", ErrEmptyAnswer
	}
	return b.String(), nil
}
