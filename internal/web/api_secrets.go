package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mtzanidakis/archon/internal/store"
)

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListSecretNames()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	jsonResponse(w, names)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.Encrypt([]byte(body.Value))
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	sec := &store.Secret{
		Name:  body.Name,
		Value: ciphertext,
		Nonce: nonce,
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.publishSecretEvent("secret_created", sec.Name)
	jsonResponse(w, map[string]string{"name": sec.Name, "status": "created"})
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	existing, err := s.store.GetSecret(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.Encrypt([]byte(body.Value))
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}
	existing.Value = ciphertext
	existing.Nonce = nonce

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.publishSecretEvent("secret_updated", name)
	jsonResponse(w, map[string]string{"name": name, "status": "updated"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.DeleteSecret(name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_deleted", name)
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) publishSecretEvent(eventType, name string) {
	if s.nats == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"name": name,
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = s.nats.Publish("run.secrets."+eventType, data)
}
