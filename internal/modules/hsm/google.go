package hsm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

const (
	googleKMSBaseURL  = "https://cloudkms.googleapis.com/v1"
	googleMetadataURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
)

// googleKMS signs through the Cloud KMS REST API. Ed25519 key versions
// sign the raw message via the data field of asymmetricSign. The bearer
// token comes from config or, on GCE, from the instance metadata server.
type googleKMS struct {
	httpc       *http.Client
	keyName     string
	staticToken string
	baseURL     string
	metadataURL string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newGoogleKMS(cfg config.HSMConfig, timeout time.Duration) (*googleKMS, error) {
	if cfg.GoogleKeyName == "" {
		return nil, fmt.Errorf("google_kms requires HSM_GOOGLE_KEY_NAME")
	}

	return &googleKMS{
		httpc:       &http.Client{Timeout: timeout},
		keyName:     cfg.GoogleKeyName,
		staticToken: cfg.GoogleAccessToken,
		baseURL:     googleKMSBaseURL,
		metadataURL: googleMetadataURL,
	}, nil
}

func (g *googleKMS) Provider() string { return "google_kms" }

func (g *googleKMS) KeyID() string { return g.keyName }

func (g *googleKMS) Sign(ctx context.Context, message []byte) ([]byte, error) {
	token, err := g.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{
		"data": base64.StdEncoding.EncodeToString(message),
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "google_kms", Err: fmt.Errorf("encoding sign request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/%s:asymmetricSign", g.baseURL, g.keyName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("building sign request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpc.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("sign request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrKindSigning, Provider: "google_kms", Err: fmt.Errorf("cloud kms returned status %d", resp.StatusCode)}
	}

	var result struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "google_kms", Err: fmt.Errorf("parsing sign response: %w", err)}
	}
	if result.Signature == "" {
		return nil, &Error{Kind: ErrKindSigning, Provider: "google_kms", Err: errors.New("empty signature in response")}
	}

	signature, err := base64.StdEncoding.DecodeString(result.Signature)
	if err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "google_kms", Err: fmt.Errorf("decoding signature: %w", err)}
	}
	return signature, nil
}

// token prefers the configured access token and otherwise asks the GCE
// metadata server, caching until a minute before expiry.
func (g *googleKMS) token(ctx context.Context) (string, error) {
	if g.staticToken != "" {
		return g.staticToken, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accessToken != "" && time.Now().Before(g.tokenExpiry) {
		return g.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.metadataURL, nil)
	if err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("building metadata request: %w", err)}
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := g.httpc.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("metadata request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("metadata server returned status %d", resp.StatusCode)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: fmt.Errorf("parsing metadata response: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &Error{Kind: ErrKindConnection, Provider: "google_kms", Err: errors.New("empty access token")}
	}

	g.accessToken = tok.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return g.accessToken, nil
}
