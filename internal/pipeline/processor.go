package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dunamismax/formprep/internal/domain"
)

type Request struct {
	RunID      string
	SourcePath string
}

type Output struct {
	SourcePath string
	Path       string
	ObjectKey  string
	Bytes      int
	Width      int
	Height     int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, width, height int) (Output, error)
}

type Processor struct {
	fetcher Fetcher
	codec   Codec
	chain   *Chain
	emitter Emitter
	config  domain.PipelineConfig
}

func NewProcessor(fetcher Fetcher, emitter Emitter, cfg domain.PipelineConfig, geom domain.TemplateGeometry) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}

	chain, err := NewChain(cfg, geom)
	if err != nil {
		return nil, fmt.Errorf("build stage chain: %w", err)
	}

	return &Processor{
		fetcher: fetcher,
		codec:   newCodec(),
		chain:   chain,
		emitter: emitter,
		config:  cfg,
	}, nil
}

func NewLocalProcessor(outputDir string, cfg domain.PipelineConfig, geom domain.TemplateGeometry) (*Processor, error) {
	return NewProcessor(
		LocalFileFetcher{},
		LocalFileEmitter{OutputDir: outputDir, Suffix: cfg.OutputSuffix},
		cfg,
		geom,
	)
}

func (p *Processor) Chain() *Chain {
	return p.chain
}

func (p *Processor) Process(ctx context.Context, req Request) (Output, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return Output{}, errors.New("source path is required")
	}

	data, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage: %w", err)
	}

	raster, err := p.codec.Decode(data)
	if err != nil {
		return Output{}, fmt.Errorf("decode stage: %w", err)
	}

	normalized, err := p.chain.Run(ctx, raster)
	if err != nil {
		return Output{}, fmt.Errorf("transform stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	encoded, err := p.codec.EncodeJPEG(normalized, p.config.Quality())
	if err != nil {
		return Output{}, fmt.Errorf("encode stage: %w", err)
	}
	encoded, err = SetJPEGDensity(encoded, p.config.OutputDPI)
	if err != nil {
		return Output{}, fmt.Errorf("encode stage: %w: density: %v", domain.ErrEncode, err)
	}

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	written, err := p.emitter.Emit(ctx, req, encoded, normalized.Width(), normalized.Height())
	if err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}
	return written, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read input file %s: %v", domain.ErrDecode, req.SourcePath, err)
	}
	return data, nil
}
