package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jcpsimmons/corag/pkg/errs"
	"github.com/jcpsimmons/corag/pkg/logging"
)

// Result is the outcome of one annotation call: either the parsed fields or
// the reason the response could not be parsed.
type Result struct {
	fields Fields
	err    error
}

func Parsed(fields Fields) Result {
	return Result{fields: fields}
}

// Failed records a parse failure. The reason always matches errs.ErrParse.
func Failed(reason error) Result {
	switch {
	case reason == nil:
		reason = errs.ErrParse
	case !errors.Is(reason, errs.ErrParse):
		reason = fmt.Errorf("%w: %w", errs.ErrParse, reason)
	}
	return Result{err: reason}
}

func (r Result) Ok() bool       { return r.err == nil }
func (r Result) Fields() Fields { return r.fields }
func (r Result) Err() error     { return r.err }

// Annotation is the result of running one kind's prompt on one chunk.
type Annotation struct {
	ChunkIndex int
	Kind       Kind
	Result     Result
}

type Annotator struct {
	model   llms.Model
	prompts PromptSet
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Annotator)

// WithTimeout bounds every model call. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Annotator) { a.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Annotator) { a.logger = logging.OrDiscard(l) }
}

func New(model llms.Model, prompts PromptSet, opts ...Option) *Annotator {
	a := &Annotator{
		model:   model,
		prompts: prompts,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Annotate sends chunkText as the user message and prompt as the system
// message. Responses that are missing or not a JSON object produce a Failed
// result with a nil error; only a failed model call returns an error.
func (a *Annotator) Annotate(ctx context.Context, chunkText, prompt string) (Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resp, err := a.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, chunkText),
		llms.TextParts(llms.ChatMessageTypeSystem, prompt),
	})
	if err != nil {
		if errors.Is(err, openai.ErrEmptyResponse) {
			return Failed(fmt.Errorf("%w: model returned no choices", errs.ErrParse)), nil
		}
		return Result{}, fmt.Errorf("%w: language model call: %w", errs.ErrUpstream, err)
	}

	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Failed(fmt.Errorf("%w: model returned no choices", errs.ErrParse)), nil
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return Failed(fmt.Errorf("%w: model returned an empty response", errs.ErrParse)), nil
	}

	fields, err := ParseFields(content)
	if err != nil {
		return Failed(err), nil
	}
	return Parsed(fields), nil
}

// AnnotateChunk runs every kind's prompt against one chunk, in Kinds order.
// Parse failures are logged and kept in the returned annotations.
func (a *Annotator) AnnotateChunk(ctx context.Context, chunkIndex int, chunkText string) ([]Annotation, error) {
	annotations := make([]Annotation, 0, len(Kinds))
	for _, kind := range Kinds {
		prompt, err := a.prompts.Prompt(kind)
		if err != nil {
			return nil, err
		}

		result, err := a.Annotate(ctx, chunkText, prompt)
		if err != nil {
			return nil, fmt.Errorf("chunk %d %s: %w", chunkIndex, kind, err)
		}
		if !result.Ok() {
			a.logger.Warn("annotation_parse_failed",
				"chunk_index", chunkIndex,
				"kind", string(kind),
				"error", result.Err())
		}

		annotations = append(annotations, Annotation{ChunkIndex: chunkIndex, Kind: kind, Result: result})
	}
	return annotations, nil
}
