package intent

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type Decision string

const (
	DecisionText  Decision = "TEXT"
	DecisionImage Decision = "IMAGE"
)

// Classifier issues the constrained classification call; the reply is
// expected to contain exactly one of the tokens IMAGE or TEXT.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// ToolDetector is the alternative routing strategy: the primary model gets a
// generate_image tool declaration and its first response either calls it or not.
type ToolDetector interface {
	DetectImageIntent(ctx context.Context, prompt string) (bool, error)
}

const (
	ModeClassifier = "classifier"
	ModeTool       = "tool"
)

type Options struct {
	Classifier Classifier
	Detector   ToolDetector
	Mode       string
	Logger     *slog.Logger
}

type Router struct {
	classifier Classifier
	detector   ToolDetector
	mode       string
	logger     *slog.Logger
}

func NewRouter(opts Options) *Router {
	mode := strings.TrimSpace(opts.Mode)
	if mode != ModeTool {
		mode = ModeClassifier
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Router{
		classifier: opts.Classifier,
		detector:   opts.Detector,
		mode:       mode,
		logger:     logger,
	}
}

// Route classifies prompt as a text-chat or image-generation request. Any
// failure falls back to TEXT: a broken heuristic must never spend an image
// generation the user did not ask for.
func (r *Router) Route(ctx context.Context, prompt string) Decision {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return DecisionText
	}

	if r.mode == ModeTool && r.detector != nil {
		wantsImage, err := r.detector.DetectImageIntent(ctx, prompt)
		if err != nil {
			r.logger.Warn("intent tool detection failed", "err", err)
			return DecisionText
		}
		if wantsImage {
			return DecisionImage
		}
		return DecisionText
	}

	if r.classifier == nil {
		return DecisionText
	}

	reply, err := r.classifier.Classify(ctx, prompt)
	if err != nil {
		r.logger.Warn("intent classification failed", "err", err)
		return DecisionText
	}
	return parseDecision(reply)
}

// parseDecision accepts the reply only when it names exactly one of the two
// tokens; anything ambiguous is TEXT.
func parseDecision(reply string) Decision {
	reply = strings.ToUpper(strings.TrimSpace(reply))

	hasImage := strings.Contains(reply, string(DecisionImage))
	hasText := strings.Contains(reply, string(DecisionText))

	if hasImage && !hasText {
		return DecisionImage
	}
	return DecisionText
}
