package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/llm"
)

const maxChatRequestBytes = 1 << 20

type chatResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// companyChat answers with {response} or, when stream is set, an event
// stream. Failures that happen before the first event are reported as an
// {error} envelope with status 200 so clients keep a single JSON path.
func (s *Server) companyChat(w http.ResponseWriter, r *http.Request) {
	var req brief.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatRequestBytes)).Decode(&req); err != nil {
		writeJSONStatus(w, chatResponse{Error: "invalid request body"}, http.StatusOK)
		return
	}
	ctx := r.Context()
	logger := s.logger.With(
		zap.String("company", req.CompanyName),
		zap.Int("messages", len(req.Messages)),
		zap.Bool("stream", req.Stream),
	)

	if !req.Stream {
		text, err := s.generator.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("company chat failed", zap.Error(err))
			writeJSONStatus(w, chatResponse{Error: chatErrorMessage(err)}, http.StatusOK)
			return
		}
		writeJSONStatus(w, chatResponse{Response: text}, http.StatusOK)
		return
	}

	stream, err := newEventStream(w)
	if err != nil {
		writeJSONStatus(w, chatResponse{Error: err.Error()}, http.StatusOK)
		return
	}
	err = s.generator.Stream(ctx, req, stream.emit)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Debug("company chat stream cancelled by client")
	case stream.started:
		logger.Warn("company chat stream aborted", zap.Error(err))
	default:
		logger.Warn("company chat failed before streaming", zap.Error(err))
		writeJSONStatus(w, chatResponse{Error: chatErrorMessage(err)}, http.StatusOK)
	}
}

func chatErrorMessage(err error) string {
	var missing llm.ErrMissingCredential
	if errors.As(err, &missing) {
		return missing.Error()
	}
	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) {
		return fmt.Sprintf("%s API error: %d", upstream.Provider, upstream.Status)
	}
	return "failed to generate response"
}

// eventStream writes brief events as server-sent event frames. Headers are
// sent with the first frame so an early failure can still be answered with
// JSON.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &eventStream{w: w, flusher: flusher}, nil
}

func (e *eventStream) emit(event brief.Event) error {
	if !e.started {
		header := e.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
