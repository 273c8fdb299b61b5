package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub005/internal/vault"
)

type createCredentialRequest struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Secret string `json:"secret"`
}

// CreateCredential seals a plaintext secret and stores it. The response
// carries metadata only; ciphertext, IV, and tag never leave the database
// layer (the model marshals them as "-").
func CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "name and secret are required")
		return
	}
	switch req.Kind {
	case "":
		req.Kind = database.CredentialKindPrivateKey
	case database.CredentialKindPrivateKey, database.CredentialKindPasswordReference:
	default:
		writeError(w, http.StatusBadRequest, "unknown credential kind")
		return
	}

	v := vault.Get()
	if v == nil {
		writeError(w, http.StatusServiceUnavailable, "Vault not initialized")
		return
	}

	plaintext := []byte(req.Secret)
	sealed, err := v.Seal(plaintext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to seal credential")
		return
	}
	fingerprint := vault.Fingerprint(plaintext)
	vault.Zero(plaintext)
	req.Secret = ""

	identity := middleware.GetIdentity(r)
	cred := &database.Credential{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Kind:        req.Kind,
		Ciphertext:  sealed.Ciphertext,
		IV:          sealed.IV,
		AuthTag:     sealed.Tag,
		Fingerprint: fingerprint,
		Owner:       identity.User,
	}
	if err := database.CreateCredential(cred); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	audit.CredentialCreated(identity.User, cred.ID, fingerprint)
	writeJSON(w, http.StatusCreated, cred)
}

// ListCredentials returns credential metadata for every non-deleted entry.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := database.ListCredentials()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// DeleteCredential soft-deletes a credential. The row is kept so past audit
// entries and session records stay resolvable.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := database.SoftDeleteCredential(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	audit.CredentialDeleted(middleware.GetIdentity(r).User, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
