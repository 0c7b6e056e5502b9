package server

import (
	"context"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/config"
	"github.com/mrsingh-rishi/ziya-twin/metrics"
	"github.com/mrsingh-rishi/ziya-twin/middleware"
	"github.com/mrsingh-rishi/ziya-twin/model"
	"github.com/mrsingh-rishi/ziya-twin/output"
	"github.com/mrsingh-rishi/ziya-twin/pipeline"
	"github.com/mrsingh-rishi/ziya-twin/stt"
)

// Runner turns one audio upload into a voice reply.
type Runner interface {
	Run(ctx context.Context, audio model.AudioUpload) (model.ServiceResponse, error)
}

type Server struct {
	app       *fiber.App
	runner    Runner
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	readLimit int64

	// baseCtx parents work on hijacked websocket connections, which fiber's
	// shutdown does not track.
	baseCtx context.Context
	stop    context.CancelFunc
}

// New builds the fiber app. m may be nil, in which case /metrics is not served.
func New(cfg config.ServerConfig, runner Runner, logger *logrus.Logger, m *metrics.Metrics) *Server {
	baseCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		baseCtx:   baseCtx,
		stop:      stop,
		runner:    runner,
		logger:    logger,
		metrics:   m,
		readLimit: int64(cfg.BodyLimitBytes),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "ziya-twin",
		BodyLimit:             cfg.BodyLimitBytes,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	var observer middleware.StatusObserver
	if s.metrics != nil {
		observer = s.metrics
	}
	s.app.Use(middleware.RequestLogger(s.logger, observer))
	s.app.Use(recover.New())

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	s.app.Post("/", s.handleReply)

	s.app.Use("/ws", requireUpgrade)
	s.app.Get("/ws", s.socketHandler())
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.logger.WithField("addr", addr).Info("server listening")
	return s.app.Listen(addr)
}

// Shutdown cancels in-flight websocket work and stops the app.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stop()
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) handleReply(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(output.ErrorPayload(output.MsgMissingAudio))
	}
	file, err := fileHeader.Open()
	if err != nil {
		return errors.Wrap(err, "open audio upload")
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return errors.Wrap(err, "read audio upload")
	}
	if len(audio) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(output.ErrorPayload(output.MsgMissingAudio))
	}

	resp, err := s.runner.Run(c.UserContext(), model.AudioUpload(audio))
	if err != nil {
		code, msg := statusFor(err)
		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.RequestID(c),
			"status":     code,
		}).WithError(err).Warn("voice reply failed")
		return c.Status(code).JSON(output.ErrorPayload(msg))
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// handleError answers with the same {"error": ...} shape as the handlers.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := output.MsgUnexpected
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		msg = fiberErr.Message
	} else {
		s.logger.WithField("request_id", middleware.RequestID(c)).WithError(err).Error("unhandled error")
	}
	return c.Status(code).JSON(output.ErrorPayload(msg))
}

// statusFor maps a pipeline failure to the HTTP status and message returned
// to the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrNoAudio):
		return fiber.StatusBadRequest, output.MsgMissingAudio
	case errors.Is(err, stt.ErrTranscriptionFailed):
		return fiber.StatusInternalServerError, output.MsgTranscriptionFailed
	case errors.Is(err, stt.ErrTranscriptionTimeout):
		return fiber.StatusGatewayTimeout, output.MsgTranscriptionTimeout
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		switch stageErr.Stage {
		case pipeline.StageTranscribe:
			return fiber.StatusBadGateway, output.MsgTranscriberDown
		case pipeline.StageReply:
			return fiber.StatusBadGateway, output.MsgReplyFailed
		case pipeline.StageSynthesize:
			return fiber.StatusBadGateway, output.MsgSynthesisFailed
		}
	}
	return fiber.StatusInternalServerError, output.MsgUnexpected
}
