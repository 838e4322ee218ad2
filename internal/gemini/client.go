package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const (
	defaultTextModel       = "gemini-2.5-flash"
	defaultImageModel      = "gemini-2.5-flash-image"
	defaultClassifierModel = "gemini-2.5-flash-lite"
)

const systemInstruction = `Your name is Ozor, you are the personal assistant for the Ozon Browser, an app also available on the Play Store. You are interacting through an HTML website, so write your answers as innerHTML.`

const classifyInstruction = `You are a request classifier. Decide whether the user wants an image generated or a text answer. Reply with exactly one word: IMAGE or TEXT. No punctuation, no explanation.`

// All categories at the most permissive threshold: filtering decisions belong
// to the model, the relay does not second-guess them.
var permissiveSafety = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

var generateImageTool = tool{
	FunctionDeclarations: []functionDeclaration{{
		Name:        "generate_image",
		Description: "Render an image from a textual description.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":      map[string]any{"type": "string"},
				"aspectRatio": map[string]any{"type": "string", "enum": []string{"1:1", "4:3", "3:4", "16:9", "9:16"}},
			},
			"required": []string{"prompt"},
		},
	}},
}

type Options struct {
	APIKey          string
	BaseURL         string
	APIVersion      string
	TextModel       string
	ImageModel      string
	ClassifierModel string
	MaxRPS          float64
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type Client struct {
	apiKey          string
	baseURL         string
	apiVersion      string
	textModel       string
	imageModel      string
	classifierModel string
	limiter         *rate.Limiter
	httpClient      *http.Client
	logger          *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v1beta"
	}

	textModel := strings.TrimSpace(opts.TextModel)
	if textModel == "" {
		textModel = defaultTextModel
	}
	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	classifierModel := strings.TrimSpace(opts.ClassifierModel)
	if classifierModel == "" {
		classifierModel = defaultClassifierModel
	}

	var limiter *rate.Limiter
	if opts.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiKey:          opts.APIKey,
		baseURL:         baseURL,
		apiVersion:      apiVersion,
		textModel:       textModel,
		imageModel:      imageModel,
		classifierModel: classifierModel,
		limiter:         limiter,
		httpClient:      opts.HTTPClient,
		logger:          logger,
	}
}

// Chat sends one conversational turn with the caller-held history prepended.
func (c *Client) Chat(ctx context.Context, prompt string, history []Content, attachments []Blob) (*GenerateContentResponse, error) {
	temperature := 0.7
	req := generateContentRequest{
		Contents:          buildContents(history, prompt, attachments),
		SystemInstruction: &Content{Role: "user", Parts: []Part{{Text: systemInstruction}}},
		SafetySettings:    permissiveSafety,
		GenerationConfig: generationConfig{
			Temperature:    &temperature,
			ThinkingConfig: &thinkingConfig{ThinkingBudget: 8192, IncludeThoughts: true},
		},
	}

	resp, err := c.generateContent(ctx, c.textModel, req)
	if err != nil && isUnknownFieldError(err, "thinkingConfig") {
		req.GenerationConfig.ThinkingConfig = nil
		return c.generateContent(ctx, c.textModel, req)
	}
	return resp, err
}

// GenerateImage asks the image model for an inline render of prompt,
// optionally conditioned on reference attachments and an aspect ratio.
func (c *Client) GenerateImage(ctx context.Context, prompt string, attachments []Blob, aspectRatio string) (*GenerateContentResponse, error) {
	req := generateContentRequest{
		Contents:          buildContents(nil, prompt, attachments),
		SystemInstruction: &Content{Role: "user", Parts: []Part{{Text: systemInstruction}}},
		SafetySettings:    permissiveSafety,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}
	if aspectRatio != "" {
		req.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: aspectRatio}
	}

	resp, err := c.generateContent(ctx, c.imageModel, req)
	if err != nil && req.GenerationConfig.ImageConfig != nil && isUnknownFieldError(err, "imageConfig") {
		req.GenerationConfig.ImageConfig = nil
		resp, err = c.generateContent(ctx, c.imageModel, req)
	}
	return resp, err
}

// Classify runs the cheap classifier model over prompt and returns its raw
// reply, expected to be the single token IMAGE or TEXT.
func (c *Client) Classify(ctx context.Context, prompt string) (string, error) {
	temperature := 0.0
	req := generateContentRequest{
		Contents:          []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		SystemInstruction: &Content{Role: "user", Parts: []Part{{Text: classifyInstruction}}},
		GenerationConfig:  generationConfig{Temperature: &temperature},
	}

	resp, err := c.generateContent(ctx, c.classifierModel, req)
	if err != nil {
		return "", err
	}
	return firstText(resp), nil
}

// DetectImageIntent is the tool-declaration routing variant: generate_image is
// declared as a callable tool on the text model and a tool call in the first
// response means the model itself decided the prompt wants an image.
func (c *Client) DetectImageIntent(ctx context.Context, prompt string) (bool, error) {
	req := generateContentRequest{
		Contents:          []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		SystemInstruction: &Content{Role: "user", Parts: []Part{{Text: systemInstruction}}},
		SafetySettings:    permissiveSafety,
		Tools:             []tool{generateImageTool},
	}

	resp, err := c.generateContent(ctx, c.textModel, req)
	if err != nil {
		return false, err
	}

	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.FunctionCall != nil && p.FunctionCall.Name == "generate_image" {
				return true, nil
			}
		}
	}
	return false, nil
}

func buildContents(history []Content, prompt string, attachments []Blob) []Content {
	contents := make([]Content, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		contents = append(contents, Content{Role: role, Parts: turn.Parts})
	}

	parts := []Part{{Text: prompt}}
	for _, att := range attachments {
		att := att
		parts = append(parts, Part{InlineData: &att})
	}

	return append(contents, Content{Role: "user", Parts: parts})
}

func (c *Client) generateContent(ctx context.Context, model string, payload generateContentRequest) (*GenerateContentResponse, error) {
	if c.httpClient == nil {
		return nil, errors.New("http client is nil")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, c.apiVersion, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		c.logger.Warn("gemini call failed", "model", model, "status", httpResp.StatusCode)
		return nil, newStatusError(httpResp.StatusCode, rawBody)
	}

	var decoded GenerateContentResponse
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &decoded, nil
}

func firstText(resp *GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
