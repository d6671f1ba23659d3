package hsm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

const azureAPIVersion = "7.4"

// azureKeyVault signs through the Key Vault REST API with a
// client-credentials OAuth token. Key Vault signs digests, not raw
// messages, so the driver hashes with SHA-256 before the call.
type azureKeyVault struct {
	httpc        *http.Client
	vaultURL     string
	keyName      string
	keyVersion   string
	clientID     string
	clientSecret string
	tokenURL     string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newAzureKeyVault(cfg config.HSMConfig, timeout time.Duration) (*azureKeyVault, error) {
	if cfg.AzureVaultURL == "" || cfg.AzureKeyName == "" {
		return nil, fmt.Errorf("azure_keyvault requires HSM_AZURE_VAULT_URL and HSM_AZURE_KEY_NAME")
	}
	if cfg.AzureTenantID == "" || cfg.AzureClientID == "" || cfg.AzureClientSecret == "" {
		return nil, fmt.Errorf("azure_keyvault requires HSM_AZURE_TENANT_ID, HSM_AZURE_CLIENT_ID and HSM_AZURE_CLIENT_SECRET")
	}

	return &azureKeyVault{
		httpc:        &http.Client{Timeout: timeout},
		vaultURL:     strings.TrimRight(cfg.AzureVaultURL, "/"),
		keyName:      cfg.AzureKeyName,
		keyVersion:   cfg.AzureKeyVersion,
		clientID:     cfg.AzureClientID,
		clientSecret: cfg.AzureClientSecret,
		tokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.AzureTenantID),
	}, nil
}

func (a *azureKeyVault) Provider() string { return "azure_keyvault" }

// KeyID returns the key name and version, never the key itself.
func (a *azureKeyVault) KeyID() string {
	if a.keyVersion == "" {
		return a.keyName
	}
	return a.keyName + "/" + a.keyVersion
}

func (a *azureKeyVault) Sign(ctx context.Context, message []byte) ([]byte, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(message)
	body, err := json.Marshal(map[string]string{
		"alg":   "ES256K",
		"value": base64.RawURLEncoding.EncodeToString(digest[:]),
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "azure_keyvault", Err: fmt.Errorf("encoding sign request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/keys/%s/sign?api-version=%s", a.vaultURL, url.PathEscape(a.keyName), azureAPIVersion)
	if a.keyVersion != "" {
		endpoint = fmt.Sprintf("%s/keys/%s/%s/sign?api-version=%s", a.vaultURL, url.PathEscape(a.keyName), url.PathEscape(a.keyVersion), azureAPIVersion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("building sign request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("sign request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrKindSigning, Provider: "azure_keyvault", Err: fmt.Errorf("vault returned status %d", resp.StatusCode)}
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "azure_keyvault", Err: fmt.Errorf("parsing sign response: %w", err)}
	}
	if result.Value == "" {
		return nil, &Error{Kind: ErrKindSigning, Provider: "azure_keyvault", Err: errors.New("empty signature in response")}
	}

	// Key Vault encodes signatures as unpadded base64url; trim padding in
	// case a proxy re-encodes.
	signature, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(result.Value, "="))
	if err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "azure_keyvault", Err: fmt.Errorf("decoding signature: %w", err)}
	}
	return signature, nil
}

// token returns a cached access token, fetching a fresh one when the
// cached token is within a minute of expiry.
func (a *azureKeyVault) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
		"scope":         {"https://vault.azure.net/.default"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("building token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("token request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: fmt.Errorf("parsing token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &Error{Kind: ErrKindConnection, Provider: "azure_keyvault", Err: errors.New("empty access token")}
	}

	a.accessToken = tok.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return a.accessToken, nil
}
