package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"attestor.org/internal/audit"
	"attestor.org/internal/ceremony"
	"attestor.org/internal/claims"
	"attestor.org/internal/directory"
	"attestor.org/internal/obs"
	"attestor.org/internal/stream"
)

var validate = validator.New()

type challengeRequest struct {
	UserAccountID  string `json:"user_account_id" validate:"required,max=64"`
	RelyingPartyID string `json:"relying_party_id" validate:"required,max=253"`
	Operation      string `json:"operation" validate:"required,oneof=register assert"`
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"` // base64url, no padding
	ExpiresAt   time.Time `json:"expires_at"`
}

type ceremonyRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
	Payload     string `json:"payload" validate:"required,base64"`
}

func (a *API) handleChallenges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueChallenge(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCeremonies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.completeCeremony(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) issueChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !a.allowsRelyingParty(req.RelyingPartyID) {
		writeError(w, r, http.StatusForbidden, "relying party not allowed")
		return
	}
	op, ok := ceremony.ParseOperation(req.Operation)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown operation")
		return
	}

	if a.directory != nil {
		if err := a.directory.Exists(r.Context(), req.UserAccountID); err != nil {
			if errors.Is(err, directory.ErrUnknownAccount) {
				writeError(w, r, http.StatusNotFound, "unknown user account")
				return
			}
			writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
			return
		}
	}

	ch, err := a.engine.IssueChallenge(r.Context(), req.UserAccountID, req.RelyingPartyID, op, a.opts.ChallengeTTL)
	if err != nil {
		if ceremony.IsClientFault(err) {
			writeError(w, r, http.StatusBadRequest, "invalid request")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "try again")
		return
	}

	obs.ObserveChallengeIssued(string(op))
	_ = audit.LogEvent(r.Context(), "challenge.issued", map[string]any{
		"challenge_id":     ch.ID,
		"relying_party_id": ch.RelyingPartyID,
		"operation":        string(op),
	})

	writeJSON(w, http.StatusCreated, challengeResponse{
		ChallengeID: ch.ID,
		Nonce:       base64.RawURLEncoding.EncodeToString(ch.Nonce),
		ExpiresAt:   ch.ExpiresAt,
	})
}

func (a *API) completeCeremony(w http.ResponseWriter, r *http.Request) {
	var req ceremonyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payload is not base64")
		return
	}

	res, cerr := a.engine.Complete(r.Context(), req.ChallengeID, payload)

	var env claims.Envelope
	operation := "unknown"
	if cerr != nil {
		env = a.emitter.Failure(cerr)
	} else {
		env = a.emitter.Success(res)
		operation = string(res.Operation)
	}

	outcome := outcomeOf(env)
	obs.ObserveCeremony(operation, string(outcome))
	a.publishOutcome(res, env, operation, outcome)
	_ = audit.LogEvent(r.Context(), "ceremony.completed", map[string]any{
		"challenge_id": req.ChallengeID,
		"operation":    operation,
		"outcome":      string(outcome),
		"reason_code":  env.ReasonCode,
	})

	// The envelope is the whole response; the HTTP status just mirrors it.
	writeJSON(w, env.Status, env)
}

func (a *API) handleCredentialResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if a.opts.OperatorToken == "" {
		writeError(w, r, http.StatusForbidden, "credential administration disabled")
		return
	}
	if token, err := extractBearerToken(r.Header.Get("Authorization")); err != nil || token != a.opts.OperatorToken {
		writeError(w, r, http.StatusUnauthorized, "operator token required")
		return
	}

	encoded := strings.TrimPrefix(r.URL.Path, "/v1/credentials/")
	if encoded == "" || strings.Contains(encoded, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	credentialID, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "credential id is not base64url")
		return
	}
	relyingPartyID := strings.TrimSpace(r.URL.Query().Get("relying_party_id"))
	if relyingPartyID == "" {
		writeError(w, r, http.StatusBadRequest, "relying_party_id query parameter is required")
		return
	}

	if err := a.engine.Revoke(r.Context(), relyingPartyID, credentialID); err != nil {
		if errors.Is(err, ceremony.ErrUnknownCredential) {
			writeError(w, r, http.StatusNotFound, "unknown credential")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "try again")
		return
	}

	_ = audit.LogEvent(r.Context(), "credential.revoked", map[string]any{
		"relying_party_id": relyingPartyID,
		"credential_id":    encoded,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) publishOutcome(res *ceremony.Result, env claims.Envelope, operation string, outcome stream.Outcome) {
	if a.stream == nil {
		return
	}
	evt := stream.Event{
		Operation:  operation,
		Outcome:    outcome,
		ReasonCode: env.ReasonCode,
		Timestamp:  time.Now().UTC(),
	}
	if res != nil {
		evt.RelyingPartyID = res.RelyingPartyID
	}
	a.stream.Publish(evt)
}

func outcomeOf(env claims.Envelope) stream.Outcome {
	switch {
	case env.Status == http.StatusOK:
		return stream.OutcomeVerified
	case env.Retryable():
		return stream.OutcomeError
	default:
		return stream.OutcomeRejected
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
