// Package twmhttp exposes the Token Window Manager's Orchestrator over a
// small JSON API built on gorilla/mux.
package twmhttp

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jingkaihe/twm/pkg/logger"
	"github.com/jingkaihe/twm/pkg/twm"
)

// requestIDHeader is the header a caller can set to propagate its own
// correlation id; one is generated when absent.
const requestIDHeader = "X-Request-Id"

// withRequestID assigns each request a correlation id, echoes it back on
// the response, and attaches it to the request-scoped logger so every log
// line for a process_request call can be tied back to the HTTP request
// that triggered it.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, reqID)

		ctx := logger.WithLogger(r.Context(), logger.G(r.Context()).WithField("request_id", reqID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Server wires a twm.Manager to an HTTP mux.
type Server struct {
	manager     *twm.Manager
	modelFamily string
}

// NewServer constructs a Server. modelFamily is the default model family
// used for token counting when a request does not specify one.
func NewServer(manager *twm.Manager, modelFamily string) *Server {
	return &Server{manager: manager, modelFamily: modelFamily}
}

// Router builds the gorilla/mux router exposing process/reset/stats/state.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/conversations/{id}/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/state", s.handleState).Methods(http.MethodGet)
	r.Handle("/metrics", s.manager.MetricsHandler()).Methods(http.MethodGet)
	r.Use(withRequestID)
	return r
}

type processRequestBody struct {
	SystemPrompt string              `json:"system_prompt"`
	ModelFamily  string              `json:"model_family"`
	BotID        string              `json:"bot_id"`
	Messages     []clientMessageJSON `json:"messages"`
}

type clientMessageJSON struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

type systemPromptBlockJSON struct {
	Text         string `json:"text"`
	CacheControl bool   `json:"cache_control"`
}

type processResponseBody struct {
	Messages           []clientMessageJSON     `json:"messages"`
	SystemPrompt       string                  `json:"system_prompt"`
	SystemPromptBlocks []systemPromptBlockJSON `json:"system_prompt_blocks"`
	CacheStats         twm.CacheStats          `json:"cache_stats"`
	Percentage         int                     `json:"percentage"`
	JITActive          bool                    `json:"jit_active"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := twm.ConversationID(mux.Vars(r)["id"])

	var body processRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request body"))
		return
	}

	modelFamily := body.ModelFamily
	if modelFamily == "" {
		modelFamily = s.modelFamily
	}

	messages := make([]twm.ClientMessage, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = twm.ClientMessage{Role: twm.Role(m.Role), Content: m.Content, Source: m.Source}
	}

	result, err := s.manager.ProcessRequest(r.Context(), id, body.SystemPrompt, modelFamily, body.BotID, messages)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("conversation_id", id).Error("process_request failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := processResponseBody{
		SystemPrompt: result.SystemPrompt,
		CacheStats:   result.CacheStats,
		Percentage:   result.Percentage,
		JITActive:    result.JITActive,
	}
	for _, b := range result.SystemPromptBlocks {
		resp.SystemPromptBlocks = append(resp.SystemPromptBlocks, systemPromptBlockJSON{Text: b.Text, CacheControl: b.CacheControl})
	}
	for _, m := range result.Messages {
		resp.Messages = append(resp.Messages, clientMessageJSON{Role: string(m.Role), Content: m.Content})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := twm.ConversationID(mux.Vars(r)["id"])
	s.manager.Reset(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := twm.ConversationID(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, s.manager.GetCacheStats(id))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := twm.ConversationID(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, s.manager.GetWindowState(id))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
