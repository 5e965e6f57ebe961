package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gleato/rawthumb/internal/domain"
)

// Request describes one asynchronous thumbnail job handed to a Processor.
type Request struct {
	JobID      string
	Source     string
	RawFileURL string
	ObjectKey  string
	UploadURL  string
	Options    domain.ConversionOptions
}

// Outcome summarizes a finished job for status updates and usage accounting.
type Outcome struct {
	StorageID    string
	Width        int
	Height       int
	OutputBytes  int
	ContentType  string
	SourceBytes  int
	SourcePixels int64
}

// Fetcher retrieves the RAW bytes for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Emitter delivers an encoded result and returns the storage identifier the
// destination assigned to it.
type Emitter interface {
	Emit(ctx context.Context, req Request, res Result) (string, error)
}

// Processor runs fetch, convert, emit for one job.
type Processor struct {
	fetcher   Fetcher
	converter *Converter
	emitter   Emitter
}

func NewProcessor(fetcher Fetcher, converter *Converter, emitter Emitter) (*Processor, error) {
	if fetcher == nil || converter == nil || emitter == nil {
		return nil, errors.New("fetcher, converter and emitter are required")
	}
	return &Processor{fetcher: fetcher, converter: converter, emitter: emitter}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Outcome{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch stage: %w", err)
	}

	res, err := p.converter.Convert(ctx, sourceBytes, req.Options)
	if err != nil {
		return Outcome{}, fmt.Errorf("convert stage: %w", err)
	}

	storageID, err := p.emitter.Emit(ctx, req, res)
	if err != nil {
		return Outcome{}, fmt.Errorf("emit stage: %w", err)
	}

	return Outcome{
		StorageID:    storageID,
		Width:        res.Width,
		Height:       res.Height,
		OutputBytes:  len(res.Data),
		ContentType:  res.ContentType,
		SourceBytes:  len(sourceBytes),
		SourcePixels: int64(res.SourceWidth) * int64(res.SourceHeight),
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
