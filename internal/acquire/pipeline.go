package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stage names the acquisition step that failed.
type Stage string

const (
	StageInput  Stage = "input"
	StageFetch  Stage = "fetch"
	StageUnwrap Stage = "unwrap"
)

// Error is an acquisition failure tagged with its stage.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the stage of an acquisition error, or "" if err is not one.
func StageOf(err error) Stage {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return ""
}

// Step transforms a buffer. Steps run in order and the first error stops
// the pipeline.
type Step func(ctx context.Context, data []byte) ([]byte, error)

// Run applies steps to data in order.
func Run(ctx context.Context, data []byte, steps ...Step) ([]byte, error) {
	var err error
	for _, s := range steps {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if data, err = s(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncAcquireError(stage string)
}

type Options struct {
	Fetcher *Fetcher

	// MaxUnwrappedBytes bounds the extracted archive entry.
	// <= 0 means DefaultMaxUnwrappedBytes.
	MaxUnwrappedBytes int64

	Metrics Metrics
}

// Pipeline builds the bytes to scan from a request.
type Pipeline struct {
	fetcher   *Fetcher
	maxUnwrap int64
	metrics   Metrics
}

func NewPipeline(opts Options) *Pipeline {
	f := opts.Fetcher
	if f == nil {
		f = NewFetcher(FetcherOptions{})
	}
	maxUnwrap := opts.MaxUnwrappedBytes
	if maxUnwrap <= 0 {
		maxUnwrap = DefaultMaxUnwrappedBytes
	}
	return &Pipeline{fetcher: f, maxUnwrap: maxUnwrap, metrics: opts.Metrics}
}

// FetchStep ignores its input and returns the payload at rawURL.
func (p *Pipeline) FetchStep(rawURL string) Step {
	return func(ctx context.Context, _ []byte) ([]byte, error) {
		out, err := p.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, &Error{Stage: StageFetch, Err: err}
		}
		return out, nil
	}
}

// UnwrapStep replaces its input with the first entry of the zip archive it holds.
func (p *Pipeline) UnwrapStep() Step {
	return func(_ context.Context, data []byte) ([]byte, error) {
		out, err := Unwrap(data, p.maxUnwrap)
		if err != nil {
			return nil, &Error{Stage: StageUnwrap, Err: err}
		}
		return out, nil
	}
}

// FromBytes returns data as-is, or its first archive entry when unwrap is set.
func (p *Pipeline) FromBytes(ctx context.Context, data []byte, unwrap bool) ([]byte, error) {
	var steps []Step
	if unwrap {
		steps = append(steps, p.UnwrapStep())
	}
	return p.run(ctx, data, steps)
}

// FromURL fetches rawURL and, when unwrap is set, extracts its first archive entry.
func (p *Pipeline) FromURL(ctx context.Context, rawURL string, unwrap bool) ([]byte, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, p.observe(&Error{Stage: StageInput, Err: errors.New("url is required")})
	}
	steps := []Step{p.FetchStep(rawURL)}
	if unwrap {
		steps = append(steps, p.UnwrapStep())
	}
	return p.run(ctx, nil, steps)
}

func (p *Pipeline) run(ctx context.Context, data []byte, steps []Step) ([]byte, error) {
	out, err := Run(ctx, data, steps...)
	if err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			// cancellation between steps
			err = &Error{Stage: StageInput, Err: err}
		}
		return nil, p.observe(err)
	}
	return out, nil
}

func (p *Pipeline) observe(err error) error {
	if p.metrics != nil {
		p.metrics.IncAcquireError(string(StageOf(err)))
	}
	return err
}
