package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/pkg/types"
)

// Headers describing the raw audio body of a recognize request.
const (
	HeaderAudioFormat = "X-Audio-Format"
	HeaderSampleRate  = "X-Sample-Rate"
)

// maxAudioBody bounds the one-shot recognition upload (10 MiB of PCM is
// several minutes of 16 kHz mono audio).
const maxAudioBody = 10 << 20

type recognizeResponse struct {
	Text string `json:"text"`
}

// handleRecognize transcribes a complete raw PCM body in one shot. With an
// X-Session-ID header the session's STT configuration applies and its usage
// counters are bumped; without one the application defaults are used.
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if format := r.Header.Get(HeaderAudioFormat); format != "" && format != "pcm" {
		s.writeError(w, r, types.CodeInvalidParam, "unsupported audio format: "+format)
		return
	}

	var cfg orchestrator.STTConfig
	var sess *orchestrator.Session
	if id := r.Header.Get(HeaderSessionID); id != "" {
		var err error
		sess, err = s.sessions.GetActive(id)
		if err != nil {
			s.writeError(w, r, sessionCode(err), err.Error())
			return
		}
		sess.Touch()
		cfg = sess.Config().STT
	}
	if rate := r.Header.Get(HeaderSampleRate); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			s.writeError(w, r, types.CodeInvalidParam, "invalid "+HeaderSampleRate+" header")
			return
		}
		cfg.SampleRate = n
	}

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBody))
	if err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "read audio body: "+err.Error())
		return
	}
	if len(audio) == 0 {
		s.writeError(w, r, types.CodeInvalidParam, "empty audio body")
		return
	}

	if sess != nil {
		sess.AddSTTRequest()
	}
	text, err := s.orch.Recognize(r.Context(), cfg, audio)
	if err != nil {
		if sess != nil {
			sess.AddError()
		}
		s.writeError(w, r, types.CodeSTTError, err.Error())
		return
	}
	s.writeData(w, r, recognizeResponse{Text: text})
}

type processRequest struct {
	Inputs      []orchestrator.Input `json:"inputs"`
	Model       string               `json:"model,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
}

func (req processRequest) override() *orchestrator.Override {
	if req.Model == "" && req.Temperature == nil && req.MaxTokens == nil {
		return nil
	}
	return &orchestrator.Override{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// handleProcess runs one unary multimodal request: audio inputs are
// transcribed, text inputs pass through, and the combined perception drives a
// single completion. Empty input lists short-circuit with finish_reason
// "no_input".
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "invalid request body: "+err.Error())
		return
	}

	result, err := s.orch.Process(r.Context(), sess, req.Inputs, req.override())
	if err != nil {
		s.writeError(w, r, pipelineCode(err), err.Error())
		return
	}
	s.writeData(w, r, result)
}
