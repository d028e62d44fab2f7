// Command smoke-ceremony drives a full registration and assertion against a
// running attestor-api using the software authenticator.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"attestor.org/internal/claims"
	"attestor.org/internal/protocol"
)

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func main() {
	baseURL := os.Getenv("ATTESTOR_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	rpID := os.Getenv("ATTESTOR_SMOKE_RP")
	if rpID == "" {
		rpID = "localhost"
	}
	user := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	origin := "https://" + rpID

	client := &http.Client{Timeout: 10 * time.Second}

	auth, err := protocol.NewAuthenticator(rpID, protocol.AlgES256)
	if err != nil {
		log.Fatalf("new authenticator: %v", err)
	}

	// Registration.
	chID, nonce := issue(client, baseURL, user, rpID, "register")
	regPayload, err := auth.RegistrationPayload(nonce, origin)
	if err != nil {
		log.Fatalf("build registration payload: %v", err)
	}
	env := complete(client, baseURL, chID, regPayload)
	if env.Status != 200 || env.UserAccountID != user {
		log.Fatalf("registration rejected: %+v", env)
	}

	// Assertion.
	chID, nonce = issue(client, baseURL, user, rpID, "assert")
	asrtPayload, err := auth.AssertionPayload(nonce, origin, 1)
	if err != nil {
		log.Fatalf("build assertion payload: %v", err)
	}
	env = complete(client, baseURL, chID, asrtPayload)
	if env.Status != 200 || env.UserAccountID != user {
		log.Fatalf("assertion rejected: %+v", env)
	}
	if secret := os.Getenv("ATTESTOR_FEDERATION_SECRET"); secret != "" {
		if _, err := claims.ParseToken(secret, env.ClaimsToken); err != nil {
			log.Fatalf("claims token does not verify: %v", err)
		}
	}

	// A replayed counter must be rejected with a coarse reason code.
	chID, nonce = issue(client, baseURL, user, rpID, "assert")
	replay, err := auth.AssertionPayload(nonce, origin, 1)
	if err != nil {
		log.Fatalf("build replay payload: %v", err)
	}
	env = complete(client, baseURL, chID, replay)
	if env.Status != 403 || env.ReasonCode != claims.ReasonVerifyFailed {
		log.Fatalf("replay not rejected: %+v", env)
	}

	fmt.Printf("✅ ceremony smoke test passed: user=%s rp=%s\n", user, rpID)
}

func issue(client *http.Client, baseURL, user, rpID, operation string) (string, []byte) {
	body, _ := json.Marshal(map[string]string{
		"user_account_id":  user,
		"relying_party_id": rpID,
		"operation":        operation,
	})
	resp, err := client.Post(baseURL+"/v1/challenges", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("issue challenge: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("issue challenge: status %d", resp.StatusCode)
	}
	var ch challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		log.Fatalf("decode challenge: %v", err)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(ch.Nonce)
	if err != nil {
		log.Fatalf("decode nonce: %v", err)
	}
	return ch.ChallengeID, nonce
}

func complete(client *http.Client, baseURL, challengeID string, payload []byte) claims.Envelope {
	body, _ := json.Marshal(map[string]string{
		"challenge_id": challengeID,
		"payload":      base64.StdEncoding.EncodeToString(payload),
	})
	resp, err := client.Post(baseURL+"/v1/ceremonies", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("complete ceremony: %v", err)
	}
	defer resp.Body.Close()
	var env claims.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		log.Fatalf("decode envelope: %v", err)
	}
	if resp.StatusCode != env.Status {
		log.Fatalf("status mismatch: http %d vs envelope %d", resp.StatusCode, env.Status)
	}
	return env
}
