package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	"github.com/deepknow/omniagent/pkg/types"
)

// HeaderSessionID carries the session a chat, process, or recognize request
// runs against.
const HeaderSessionID = "X-Session-ID"

type chatRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

func (req chatRequest) override() *orchestrator.Override {
	if req.Model == "" && req.Temperature == nil && req.MaxTokens == nil {
		return nil
	}
	return &orchestrator.Override{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

type chatResponse struct {
	Content      string    `json:"content"`
	FinishReason string    `json:"finish_reason"`
	Usage        usageBody `json:"usage"`
}

type usageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func usageOf(u llm.Usage) usageBody {
	return usageBody{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// requireSession resolves the X-Session-ID header to an active session. On
// failure it writes the error envelope and returns nil.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *orchestrator.Session {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		s.writeError(w, r, types.CodeInvalidParam, "missing "+HeaderSessionID+" header")
		return nil
	}
	sess, err := s.sessions.GetActive(id)
	if err != nil {
		s.writeError(w, r, sessionCode(err), err.Error())
		return nil
	}
	sess.Touch()
	return sess
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, types.CodeInvalidParam, "message must not be empty")
		return
	}

	resp, err := s.orch.Chat(r.Context(), sess, req.Message, req.override())
	if err != nil {
		s.writeError(w, r, pipelineCode(err), err.Error())
		return
	}
	s.writeData(w, r, chatResponse{
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Usage:        usageOf(resp.Usage),
	})
}

// handleChatStream streams one chat turn as Server-Sent Events: "delta"
// events carry text fragments, a single "done" event closes the turn, and a
// mid-stream failure is reported as an "error" event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, types.CodeInvalidParam, "message must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, types.CodeInternal, "streaming unsupported by connection")
		return
	}

	chunks, err := s.orch.ChatStream(r.Context(), sess, req.Message, req.override())
	if err != nil {
		s.writeError(w, r, pipelineCode(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	finish := "stop"
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			writeSSE(w, flusher, "error", map[string]any{
				"code":    types.CodeLLMError,
				"message": chunk.Text,
			})
			return
		}
		if chunk.Text != "" {
			writeSSE(w, flusher, "delta", map[string]string{"delta": chunk.Text})
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	writeSSE(w, flusher, "done", map[string]string{"finish_reason": finish})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
