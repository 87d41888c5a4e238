package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"google.golang.org/genai"

	"github.com/05kashyap/intellicare/internal/metrics"
	"github.com/05kashyap/intellicare/internal/prompts"
)

// Message is one prior exchange element in the generation context.
// Role is "user" for the caller and "assistant" for the system's replies.
type Message struct {
	Role    string
	Content string
}

// GenRequest carries the full generation context for one candidate reply.
type GenRequest struct {
	System   string
	Memory   string    // formatted retrieved-memory context, may be empty
	History  []Message // recent turns, oldest first, already windowed
	UserText string
	Feedback string // set when regenerating after an output-guard rejection
}

// Reply is a candidate response from the generator.
type Reply struct {
	Text              string
	EndOfConversation bool
	LatencyMs         float64
}

// Responder produces a candidate reply from conversation context.
type Responder interface {
	Respond(ctx context.Context, req *GenRequest) (*Reply, error)
}

// ResponderRouter dispatches to the correct generator backend and applies the
// end-of-conversation sentinel contract to whatever the backend returns.
type ResponderRouter struct {
	*Router[Responder]
}

// NewResponderRouter creates a router with registered generator backends.
func NewResponderRouter(backends map[string]Responder, fallback string) *ResponderRouter {
	return &ResponderRouter{Router: NewRouter(backends, fallback)}
}

// Respond routes to a backend, then strips the sentinel and flags
// end-of-conversation when the generator emitted it.
func (r *ResponderRouter) Respond(ctx context.Context, engine string, req *GenRequest) (*Reply, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := backend.Respond(ctx, req)
	if err != nil {
		metrics.Errors.WithLabelValues("generate", "backend").Inc()
		return nil, err
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("generate").Observe(latency.Seconds())
	reply.LatencyMs = float64(latency.Milliseconds())

	if strings.Contains(reply.Text, prompts.EndSentinel) {
		reply.EndOfConversation = true
		reply.Text = strings.TrimSpace(strings.ReplaceAll(reply.Text, prompts.EndSentinel, ""))
	}
	return reply, nil
}

// --- OpenAI-compatible backend ---

// OpenAIResponder generates replies via the chat completions API. Works
// against api.openai.com or any compatible endpoint via baseURL.
type OpenAIResponder struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIResponder creates an OpenAI chat completions backend.
func NewOpenAIResponder(apiKey, baseURL, model string, maxTokens int) *OpenAIResponder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIResponder{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (o *OpenAIResponder) Respond(ctx context.Context, req *GenRequest) (*Reply, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+4)
	msgs = append(msgs, openai.SystemMessage(req.System))
	if req.Memory != "" {
		msgs = append(msgs, openai.SystemMessage(req.Memory))
	}
	for _, m := range req.History {
		if m.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.UserText))
	if req.Feedback != "" {
		msgs = append(msgs, openai.SystemMessage(req.Feedback))
	}

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(o.maxTokens)),
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty choices")
	}
	return &Reply{Text: strings.TrimSpace(completion.Choices[0].Message.Content)}, nil
}

// --- Gemini backend ---

// GeminiResponder generates replies via the Gemini API.
type GeminiResponder struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiResponder creates a Gemini backend.
func NewGeminiResponder(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiResponder{client: client, model: model, maxTokens: maxTokens}, nil
}

func (g *GeminiResponder) Respond(ctx context.Context, req *GenRequest) (*Reply, error) {
	system := req.System
	if req.Memory != "" {
		system += "\n\n" + req.Memory
	}
	if req.Feedback != "" {
		system += "\n\n" + req.Feedback
	}

	contents := geminiContents(req.History, req.UserText)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
		MaxOutputTokens:   int32(g.maxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return &Reply{Text: strings.TrimSpace(resp.Text())}, nil
}

// geminiContents maps conversation history plus the current utterance to the
// Gemini content list. Assistant turns carry the model role.
func geminiContents(history []Message, userText string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return append(contents, genai.NewContentFromText(userText, genai.RoleUser))
}
