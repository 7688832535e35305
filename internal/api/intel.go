package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/identity"
	"github.com/anvil-online/crm-intel/internal/sections"
	"github.com/anvil-online/crm-intel/internal/store"
)

type intelResponse struct {
	Contact *store.Contact     `json:"contact"`
	Record  *store.IntelRecord `json:"record"`
	Stale   bool               `json:"stale"`
}

type refreshResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type refreshStaleResponse struct {
	Started int `json:"started"`
}

type sectionsResponse struct {
	Sections []sections.Section `json:"sections"`
}

func (s *Server) listSections(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, sectionsResponse{Sections: s.catalog.All()}, http.StatusOK)
}

func (s *Server) getIntel(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contactID")
	contact, ok := s.loadContact(w, r, contactID)
	if !ok {
		return
	}
	record, err := s.store.GetIntel(r.Context(), contactID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, intelResponse{
		Contact: contact,
		Record:  record,
		Stale:   store.IsStale(record, contact),
	}, http.StatusOK)
}

func (s *Server) refreshIntel(w http.ResponseWriter, r *http.Request) {
	if !s.ensureRefresher(w) {
		return
	}
	contactID := chi.URLParam(r, "contactID")
	contact, ok := s.loadContact(w, r, contactID)
	if !ok {
		return
	}
	if contact.Website == "" {
		http.Error(w, "contact has no website", http.StatusUnprocessableEntity)
		return
	}
	workflowID, err := s.refresher.StartRefresh(r.Context(), contactID, identity.FromContext(r.Context()))
	if err != nil {
		s.logger.Error("start refresh failed", zap.String("contact_id", contactID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, refreshResponse{WorkflowID: workflowID}, http.StatusAccepted)
}

func (s *Server) refreshStale(w http.ResponseWriter, r *http.Request) {
	if !s.ensureRefresher(w) {
		return
	}
	started, err := s.refresher.RefreshStale(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, refreshStaleResponse{Started: started}, http.StatusAccepted)
}

func (s *Server) loadContact(w http.ResponseWriter, r *http.Request, contactID string) (*store.Contact, bool) {
	contact, err := s.store.GetContact(r.Context(), contactID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "contact not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return contact, true
}

func (s *Server) ensureRefresher(w http.ResponseWriter) bool {
	if s.refresher == nil {
		http.Error(w, "background refresh unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}
