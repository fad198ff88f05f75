package stages

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Fetcher downloads the content behind a source url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// permanent is implemented by fetch errors that retrying cannot fix, such as
// a 404 from the source.
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Fetch fills a record's payload from its source url. Deleted records carry
// no content and pass through untouched.
type Fetch struct {
	name    string
	out     pipeline.Channel
	fetcher Fetcher
	retry   *retry.Executor

	logger *logger.Logger
	tracer trace.Tracer
}

// NewFetch builds a fetch stage for spec.
func NewFetch(
	spec pipeline.StageSpec,
	fetcher Fetcher,
	exec *retry.Executor,
	log *logger.Logger,
	tracer trace.Tracer,
) (*Fetch, error) {
	out, err := outputOf(spec)
	if err != nil {
		return nil, err
	}
	return &Fetch{
		name:    spec.Name,
		out:     out,
		fetcher: fetcher,
		retry:   exec,
		logger:  log.With("component", "fetch_stage", "stage", spec.Name),
		tracer:  tracer,
	}, nil
}

func (s *Fetch) Name() string { return s.name }

func (s *Fetch) Process(ctx context.Context, rec pipeline.Record) (pipeline.Result, error) {
	var res pipeline.Result
	if rec.Deleted {
		res.Emit(s.out, rec)
		return res, nil
	}
	if rec.SourceURL == "" {
		return res, fmt.Errorf("record %s has no source url", rec.RecordID)
	}

	ctx, span := s.tracer.Start(ctx, "stage.fetch",
		trace.WithAttributes(
			attribute.String("record_id", rec.RecordID),
			attribute.String("source_url", rec.SourceURL),
		))
	defer span.End()

	payload, err := retry.Do(ctx, s.retry, "fetch", func(ctx context.Context) ([]byte, error) {
		b, err := s.fetcher.Fetch(ctx, rec.SourceURL)
		if err != nil && isPermanent(err) {
			return nil, retry.Permanent(err)
		}
		return b, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return res, redeliverOnInterrupt(fmt.Errorf("failed to fetch %s: %w", rec.SourceURL, err))
	}

	span.SetAttributes(attribute.Int("payload_bytes", len(payload)))
	s.logger.Debug(ctx, "record fetched", "record_id", rec.RecordID, "bytes", len(payload))

	rec.Payload = payload
	res.Emit(s.out, rec)
	return res, nil
}
