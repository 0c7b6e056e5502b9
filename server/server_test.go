package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/config"
	"github.com/mrsingh-rishi/ziya-twin/metrics"
	"github.com/mrsingh-rishi/ziya-twin/model"
	"github.com/mrsingh-rishi/ziya-twin/output"
	"github.com/mrsingh-rishi/ziya-twin/pipeline"
	"github.com/mrsingh-rishi/ziya-twin/stt"
)

type stubRunner struct {
	calls atomic.Int32
	run   func(audio model.AudioUpload) (model.ServiceResponse, error)
}

func (r *stubRunner) Run(_ context.Context, audio model.AudioUpload) (model.ServiceResponse, error) {
	r.calls.Add(1)
	return r.run(audio)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testServerConfig() config.ServerConfig {
	return config.Default().Server
}

// multipartRequest builds POST / with the given form field. An empty field
// name produces a form without any file part.
func multipartRequest(t *testing.T, field string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, "voice.wav")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	} else if err := w.WriteField("note", "no audio here"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload output.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Error
}

func TestReplySuccess(t *testing.T) {
	runner := &stubRunner{run: func(audio model.AudioUpload) (model.ServiceResponse, error) {
		if string(audio) != "wav-bytes" {
			t.Errorf("unexpected audio %q", audio)
		}
		return output.Encode("Merhaba!", model.SynthesizedAudio{0x00, 0x01, 0x02}), nil
	}}
	srv := New(testServerConfig(), runner, quietLogger(), nil)

	resp, err := srv.App().Test(multipartRequest(t, "audio", []byte("wav-bytes")), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != `{"text":"Merhaba!","audio":"AAEC"}` {
		t.Fatalf("unexpected body %s", raw)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReplyMissingAudio(t *testing.T) {
	cases := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"no file part", func(t *testing.T) *http.Request { return multipartRequest(t, "", nil) }},
		{"wrong field name", func(t *testing.T) *http.Request { return multipartRequest(t, "file", []byte("wav")) }},
		{"empty file", func(t *testing.T) *http.Request { return multipartRequest(t, "audio", nil) }},
		{"not multipart", func(t *testing.T) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"audio":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubRunner{run: func(model.AudioUpload) (model.ServiceResponse, error) {
				t.Error("runner must not be called")
				return model.ServiceResponse{}, nil
			}}
			srv := New(testServerConfig(), runner, quietLogger(), nil)

			resp, err := srv.App().Test(tc.req(t), -1)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if msg := decodeError(t, resp); msg != output.MsgMissingAudio {
				t.Fatalf("unexpected error message %q", msg)
			}
			if runner.calls.Load() != 0 {
				t.Fatal("runner was called")
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"no audio", pipeline.ErrNoAudio, http.StatusBadRequest, output.MsgMissingAudio},
		{"transcription failed", &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: errors.Wrap(stt.ErrTranscriptionFailed, "job-1")}, http.StatusInternalServerError, output.MsgTranscriptionFailed},
		{"transcription timeout", &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: stt.ErrTranscriptionTimeout}, http.StatusGatewayTimeout, output.MsgTranscriptionTimeout},
		{"transcriber unreachable", &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: stt.ErrUpstream}, http.StatusBadGateway, output.MsgTranscriberDown},
		{"reply failed", &pipeline.StageError{Stage: pipeline.StageReply, Err: errors.New("no choices")}, http.StatusBadGateway, output.MsgReplyFailed},
		{"synthesis failed", &pipeline.StageError{Stage: pipeline.StageSynthesize, Err: errors.New("401")}, http.StatusBadGateway, output.MsgSynthesisFailed},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, output.MsgUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, msg := statusFor(tc.err)
			if code != tc.code || msg != tc.msg {
				t.Fatalf("expected %d %q, got %d %q", tc.code, tc.msg, code, msg)
			}
		})
	}
}

func TestReplyRunnerFailure(t *testing.T) {
	runner := &stubRunner{run: func(model.AudioUpload) (model.ServiceResponse, error) {
		return model.ServiceResponse{}, &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: stt.ErrTranscriptionFailed}
	}}
	srv := New(testServerConfig(), runner, quietLogger(), nil)

	resp, err := srv.App().Test(multipartRequest(t, "audio", []byte("wav")), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != output.MsgTranscriptionFailed {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	runner := &stubRunner{run: func(model.AudioUpload) (model.ServiceResponse, error) {
		panic("boom")
	}}
	srv := New(testServerConfig(), runner, quietLogger(), nil)

	resp, err := srv.App().Test(multipartRequest(t, "audio", []byte("wav")), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != output.MsgUnexpected {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestHealth(t *testing.T) {
	srv := New(testServerConfig(), &stubRunner{}, quietLogger(), nil)
	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(raw) != `{"status":"ok"}` {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, raw)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	runner := &stubRunner{run: func(model.AudioUpload) (model.ServiceResponse, error) {
		return output.Encode("ok", model.SynthesizedAudio{0x01}), nil
	}}
	srv := New(testServerConfig(), runner, quietLogger(), m)

	if _, err := srv.App().Test(multipartRequest(t, "audio", []byte("wav")), -1); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), `ziya_requests_total{code="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", raw)
	}
}

func TestMetricsDisabledWithoutRegistry(t *testing.T) {
	srv := New(testServerConfig(), &stubRunner{}, quietLogger(), nil)
	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSocketRequiresUpgrade(t *testing.T) {
	srv := New(testServerConfig(), &stubRunner{}, quietLogger(), nil)
	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/ws", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
}

func TestSocketReplies(t *testing.T) {
	runner := &stubRunner{run: func(audio model.AudioUpload) (model.ServiceResponse, error) {
		if string(audio) == "broken" {
			return model.ServiceResponse{}, &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: stt.ErrTranscriptionFailed}
		}
		return output.Encode("Merhaba!", model.SynthesizedAudio{0x00, 0x01, 0x02}), nil
	}}
	srv := New(testServerConfig(), runner, quietLogger(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.App().Listener(ln) }()
	defer func() { _ = srv.Shutdown(time.Second) }()

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(gws.BinaryMessage, []byte("wav")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ok model.ServiceResponse
	if err := conn.ReadJSON(&ok); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if ok.Text != "Merhaba!" || ok.Audio != "AAEC" {
		t.Fatalf("unexpected reply %+v", ok)
	}

	if err := conn.WriteMessage(gws.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var missing output.ErrorResponse
	if err := conn.ReadJSON(&missing); err != nil {
		t.Fatalf("read error payload: %v", err)
	}
	if missing.Error != output.MsgMissingAudio {
		t.Fatalf("unexpected error payload %+v", missing)
	}

	if err := conn.WriteMessage(gws.BinaryMessage, []byte("broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var failed output.ErrorResponse
	if err := conn.ReadJSON(&failed); err != nil {
		t.Fatalf("read error payload: %v", err)
	}
	if failed.Error != output.MsgTranscriptionFailed {
		t.Fatalf("unexpected error payload %+v", failed)
	}
	if got := runner.calls.Load(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

// blockingRunner holds every run until its context ends.
type blockingRunner struct {
	started   chan struct{}
	cancelled chan error
}

func (r *blockingRunner) Run(ctx context.Context, _ model.AudioUpload) (model.ServiceResponse, error) {
	close(r.started)
	<-ctx.Done()
	r.cancelled <- ctx.Err()
	return model.ServiceResponse{}, ctx.Err()
}

func TestShutdownCancelsSocketWork(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), cancelled: make(chan error, 1)}
	srv := New(testServerConfig(), runner, quietLogger(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.App().Listener(ln) }()

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(gws.BinaryMessage, []byte("wav")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	_ = srv.Shutdown(time.Second)

	select {
	case err := <-runner.cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight socket run outlived shutdown")
	}
}
