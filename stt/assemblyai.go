package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/model"
)

var (
	// ErrTranscriptionFailed is returned when the provider reports status "error".
	ErrTranscriptionFailed = errors.New("transcription job failed")
	// ErrTranscriptionTimeout is returned when the job is still pending after PollMaxWait.
	ErrTranscriptionTimeout = errors.New("transcription job did not finish in time")
	// ErrUpstream covers transport failures and non-2xx responses.
	ErrUpstream = errors.New("transcription provider request failed")
	// ErrMalformedResponse is returned when a 2xx body lacks a required field.
	ErrMalformedResponse = errors.New("transcription provider returned a malformed response")

	errJobPending = errors.New("transcription job pending")
)

// PollObserver is notified after every status poll.
type PollObserver func(status model.JobStatus)

type Options struct {
	APIKey          string
	BaseURL         string
	PollInitial     time.Duration
	PollMaxInterval time.Duration
	PollMaxWait     time.Duration
	HTTPClient      *http.Client
	Logger          *logrus.Logger
	OnPoll          PollObserver
}

// AssemblyAIClient uploads audio, submits a transcription job and waits for it.
type AssemblyAIClient struct {
	apiKey          string
	baseURL         string
	pollInitial     time.Duration
	pollMaxInterval time.Duration
	pollMaxWait     time.Duration
	httpClient      *http.Client
	logger          *logrus.Logger
	onPoll          PollObserver
}

func NewAssemblyAIClient(opts Options) (*AssemblyAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("assemblyai api key is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("assemblyai base url is required")
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = 500 * time.Millisecond
	}
	if opts.PollMaxInterval < opts.PollInitial {
		opts.PollMaxInterval = opts.PollInitial
	}
	if opts.PollMaxWait <= 0 {
		opts.PollMaxWait = 5 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &AssemblyAIClient{
		apiKey:          opts.APIKey,
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		pollInitial:     opts.PollInitial,
		pollMaxInterval: opts.PollMaxInterval,
		pollMaxWait:     opts.PollMaxWait,
		httpClient:      opts.HTTPClient,
		logger:          opts.Logger,
		onPoll:          opts.OnPoll,
	}, nil
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type createJobRequest struct {
	AudioURL string `json:"audio_url"`
}

// Transcribe runs the full upload, submit and poll sequence.
func (c *AssemblyAIClient) Transcribe(ctx context.Context, audio model.AudioUpload) (model.Transcript, error) {
	uploadURL, err := c.Upload(ctx, audio)
	if err != nil {
		return "", err
	}
	jobID, err := c.CreateJob(ctx, uploadURL)
	if err != nil {
		return "", err
	}
	c.logger.WithFields(logrus.Fields{"job_id": jobID, "audio_bytes": len(audio)}).Info("transcription job submitted")

	job, err := c.WaitForJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return model.Transcript(*job.Text), nil
}

// Upload posts the raw audio and returns the provider-hosted URL.
func (c *AssemblyAIClient) Upload(ctx context.Context, audio model.AudioUpload) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return "", errors.WithMessage(err, "upload audio")
	}
	if out.UploadURL == "" {
		return "", errors.Wrap(ErrMalformedResponse, "upload response has no upload_url")
	}
	return out.UploadURL, nil
}

// CreateJob submits a transcription job for an uploaded asset.
func (c *AssemblyAIClient) CreateJob(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(createJobRequest{AudioURL: audioURL})
	if err != nil {
		return "", errors.Wrap(err, "marshal transcript request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build transcript request")
	}
	req.Header.Set("Content-Type", "application/json")

	var job model.TranscriptionJob
	if err := c.do(req, &job); err != nil {
		return "", errors.WithMessage(err, "create transcription job")
	}
	if job.ID == "" {
		return "", errors.Wrap(ErrMalformedResponse, "transcript response has no id")
	}
	return job.ID, nil
}

// GetJob fetches the current state of a transcription job.
func (c *AssemblyAIClient) GetJob(ctx context.Context, id string) (model.TranscriptionJob, error) {
	var job model.TranscriptionJob
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return job, errors.Wrap(err, "build status request")
	}
	if err := c.do(req, &job); err != nil {
		return job, errors.WithMessage(err, "get transcription job")
	}
	if job.Status == "" {
		return job, errors.Wrap(ErrMalformedResponse, "status response has no status")
	}
	if job.Status == model.JobStatusCompleted && job.Text == nil {
		return job, errors.Wrap(ErrMalformedResponse, "completed job has no text")
	}
	return job, nil
}

// WaitForJob polls the job with exponential backoff until it completes,
// fails, or PollMaxWait elapses. Transport failures and 5xx/429 answers on a
// poll are retried within the same budget; anything else ends the wait.
func (c *AssemblyAIClient) WaitForJob(ctx context.Context, id string) (model.TranscriptionJob, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInitial
	policy.MaxInterval = c.pollMaxInterval

	attempts := 0
	job, err := backoff.Retry(ctx, func() (model.TranscriptionJob, error) {
		attempts++
		job, err := c.GetJob(ctx, id)
		if err != nil {
			if ctx.Err() == nil && transient(err) {
				c.logger.WithFields(logrus.Fields{"job_id": id, "attempt": attempts}).WithError(err).Warn("transcription poll failed, retrying")
				return job, err
			}
			return job, backoff.Permanent(err)
		}
		if c.onPoll != nil {
			c.onPoll(job.Status)
		}
		if !job.Status.Terminal() {
			c.logger.WithFields(logrus.Fields{"job_id": id, "status": job.Status, "attempt": attempts}).Debug("transcription pending")
			return job, errJobPending
		}
		if job.Status == model.JobStatusError {
			return job, backoff.Permanent(errors.Wrapf(ErrTranscriptionFailed, "job %s: %s", id, job.Error))
		}
		return job, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.pollMaxWait),
	)
	if errors.Is(err, errJobPending) {
		return job, errors.Wrapf(ErrTranscriptionTimeout, "job %s after %d polls", id, attempts)
	}
	if err != nil {
		return job, err
	}
	c.logger.WithFields(logrus.Fields{"job_id": id, "attempts": attempts}).Info("transcription completed")
	return job, nil
}

func (c *AssemblyAIClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", ErrUpstream, &StatusError{Code: resp.StatusCode, Body: snippet(body)})
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(ErrMalformedResponse, "decode body: %v", err)
	}
	return nil
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// transient reports whether a failed request may succeed if repeated.
func transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return errors.Is(err, ErrUpstream)
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
