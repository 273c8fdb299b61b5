package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/config"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub005/internal/policy"
	"github.com/minhtuancn/server-monitor-sub005/internal/sshconn"
	"github.com/minhtuancn/server-monitor-sub005/internal/vault"
)

type execRequest struct {
	Command      string `json:"command"`
	CredentialID string `json:"credential_id"`
}

type execResponse struct {
	Output string `json:"output"`
}

// resolveAuth opens the stored credential and builds handshake material for
// the given server. The returned plaintext buffers belong to the caller, who
// zeroes them once the handshake is done.
func resolveAuth(caller string, srv *database.Server, credentialID string) (sshconn.AuthMaterial, string, error) {
	if credentialID == "" {
		credentialID = srv.DefaultCredentialID
	}
	if credentialID == "" {
		return sshconn.AuthMaterial{}, "", errors.New("no credential specified and server has no default")
	}

	cred, err := database.GetCredential(credentialID)
	if err != nil {
		return sshconn.AuthMaterial{}, credentialID, fmt.Errorf("credential not found")
	}

	v := vault.Get()
	if v == nil {
		return sshconn.AuthMaterial{}, credentialID, vault.ErrMasterKeyUnavailable
	}
	plaintext, err := v.Open(vault.SealedSecret{
		Ciphertext: cred.Ciphertext,
		IV:         cred.IV,
		Tag:        cred.AuthTag,
	})
	if err != nil {
		audit.CredentialDecrypted(caller, cred.ID, false)
		return sshconn.AuthMaterial{}, credentialID, err
	}
	audit.CredentialDecrypted(caller, cred.ID, true)

	auth := sshconn.AuthMaterial{User: srv.SSHUser}
	if cred.Kind == database.CredentialKindPasswordReference {
		auth.Password = string(plaintext)
		vault.Zero(plaintext)
	} else {
		auth.PrivateKeyPEM = plaintext
	}
	return auth, credentialID, nil
}

// zeroAuth scrubs handshake plaintext after the connect attempt.
func zeroAuth(auth *sshconn.AuthMaterial) {
	vault.Zero(auth.PrivateKeyPEM)
	auth.Password = ""
}

// connectStatus maps a classified connect failure to an HTTP status. All
// failures surface as gateway-side problems; the kind tells the caller
// whether retrying, fixing the credential, or re-pinning the host key is
// the right move.
func connectStatus(kind sshconn.Kind) int {
	switch kind {
	case sshconn.KindHostKey:
		return http.StatusConflict
	case sshconn.KindNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ExecCommand runs a single command on a server. Policy is evaluated before
// any connection is made; a denied command never reaches the network.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	srv, err := database.GetServer(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Server not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load server")
		return
	}

	identity := middleware.GetIdentity(r)
	target := sessionTarget(srv.ID)

	if Policy == nil {
		writeError(w, http.StatusServiceUnavailable, "Policy engine not initialized")
		return
	}
	if _, err := Policy.Check(req.Command); err != nil {
		var violation *policy.ViolationError
		if errors.As(err, &violation) {
			audit.PolicyDenied(identity.User, target, violation.Decision.Command, violation.Decision.MatchedPattern)
			writeError(w, http.StatusForbidden, violation.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Policy evaluation failed")
		return
	}

	auth, _, err := resolveAuth(identity.User, srv, req.CredentialID)
	if err != nil {
		if errors.Is(err, vault.ErrIntegrity) {
			writeError(w, http.StatusInternalServerError, "Credential failed integrity check")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer zeroAuth(&auth)

	handle, err := sshconn.Connect(r.Context(), sshconn.Target{
		Host:               srv.Host,
		Port:               srv.Port,
		HostKeyFingerprint: srv.HostKeyFingerprint,
	}, auth, config.Cfg.ConnectTimeout())
	if err != nil {
		kind := sshconn.ErrorKind(err)
		audit.ConnectFailed(identity.User, target, string(kind), err.Error())
		writeJSON(w, connectStatus(kind), map[string]string{
			"detail": err.Error(),
			"kind":   string(kind),
		})
		return
	}
	defer handle.Close()
	audit.ConnectSucceeded(identity.User, target)

	// First successful connect pins the observed host key.
	if srv.HostKeyFingerprint == "" && handle.SeenHostKeyFingerprint != "" {
		if err := database.SetServerHostKeyFingerprint(srv.ID, handle.SeenHostKeyFingerprint); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to pin host key")
			return
		}
	}

	output, err := handle.Run(r.Context(), req.Command)
	audit.CommandExecuted(identity.User, target, req.Command, err == nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"detail": "command failed",
			"output": output,
		})
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Output: output})
}
