package pipeline

//go:generate mockgen -source=pipeline.go -destination=mocks/mock_pipeline.go -package=mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrsingh-rishi/ziya-twin/model"
	"github.com/mrsingh-rishi/ziya-twin/output"
)

const tracerName = "github.com/mrsingh-rishi/ziya-twin/pipeline"

// ErrNoAudio is returned when Run is called with an empty upload.
var ErrNoAudio = errors.New("no audio provided")

// Transcriber turns uploaded audio into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio model.AudioUpload) (model.Transcript, error)
}

// Responder produces the persona's reply to a transcript.
type Responder interface {
	Reply(ctx context.Context, transcript model.Transcript) (model.ReplyText, error)
}

// Synthesizer renders reply text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text model.ReplyText) (model.SynthesizedAudio, error)
}

// StageObserver receives the duration and outcome of every stage.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
}

type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageReply      Stage = "reply"
	StageSynthesize Stage = "synthesize"
	StageEncode     Stage = "encode"
)

// StageError records which stage aborted the request.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Cause() error { return e.Err }

type Option func(*Pipeline)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithObserver(observer StageObserver) Option {
	return func(p *Pipeline) { p.observer = observer }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// Pipeline runs transcribe, reply, synthesize and encode in order for one
// upload. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	logger      *logrus.Logger
	observer    StageObserver
	tracer      trace.Tracer
}

func New(transcriber Transcriber, responder Responder, synthesizer Synthesizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		transcriber: transcriber,
		responder:   responder,
		synthesizer: synthesizer,
		logger:      logrus.StandardLogger(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one upload. Any stage failure aborts the run and is returned
// as a *StageError; no partial response is produced.
func (p *Pipeline) Run(ctx context.Context, audio model.AudioUpload) (model.ServiceResponse, error) {
	if len(audio) == 0 {
		return model.ServiceResponse{}, ErrNoAudio
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.Int("audio.bytes", len(audio))))
	defer span.End()

	var (
		transcript model.Transcript
		reply      model.ReplyText
		speech     model.SynthesizedAudio
		resp       model.ServiceResponse
	)

	err := p.stage(ctx, StageTranscribe, func(ctx context.Context) (err error) {
		transcript, err = p.transcriber.Transcribe(ctx, audio)
		return err
	})
	if err == nil {
		err = p.stage(ctx, StageReply, func(ctx context.Context) (err error) {
			reply, err = p.responder.Reply(ctx, transcript)
			return err
		})
	}
	if err == nil {
		err = p.stage(ctx, StageSynthesize, func(ctx context.Context) (err error) {
			speech, err = p.synthesizer.Synthesize(ctx, reply)
			return err
		})
	}
	if err == nil {
		err = p.stage(ctx, StageEncode, func(context.Context) error {
			resp = output.Encode(reply, speech)
			return nil
		})
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.ServiceResponse{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"transcript_chars": len(transcript),
		"reply_chars":      len(reply),
		"audio_bytes":      len(speech),
	}).Info("voice reply ready")
	return resp, nil
}

func (p *Pipeline) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveStage(string(stage), elapsed, err)
	}

	entry := p.logger.WithFields(logrus.Fields{"stage": stage, "duration_ms": elapsed.Milliseconds()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Warn("stage failed")
		return &StageError{Stage: stage, Err: err}
	}
	entry.Debug("stage complete")
	return nil
}
