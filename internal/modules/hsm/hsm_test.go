package hsm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

type captureSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (c *captureSink) Log(_ context.Context, entry domain.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

type stubSigner struct {
	signature []byte
	err       error
}

func (s *stubSigner) Sign(context.Context, []byte) ([]byte, error) { return s.signature, s.err }

func (s *stubSigner) Provider() string { return "stub" }

func (s *stubSigner) KeyID() string { return "stub-key" }

// startAgent runs a throwaway signing agent on a Unix socket. It signs
// every request with the given ed25519 key, or refuses with refuseWith
// when set.
func startAgent(t *testing.T, priv ed25519.PrivateKey, refuseWith string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "hsm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()

				var req agentRequest
				if err := json.NewDecoder(c).Decode(&req); err != nil {
					return
				}
				if refuseWith != "" {
					_ = json.NewEncoder(c).Encode(agentResponse{Error: refuseWith})
					return
				}
				message, err := base64.StdEncoding.DecodeString(req.Message)
				if err != nil {
					_ = json.NewEncoder(c).Encode(agentResponse{Error: "bad message encoding"})
					return
				}
				sig := ed25519.Sign(priv, message)
				_ = json.NewEncoder(c).Encode(agentResponse{Signature: base64.StdEncoding.EncodeToString(sig)})
			}(conn)
		}
	}()

	return socketPath
}

func TestNewSignerUnknownProvider(t *testing.T) {
	_, err := NewSigner(context.Background(), config.HSMConfig{Provider: "yubikey"}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown HSM provider")
}

func TestNewSignerRequiresDriverConfig(t *testing.T) {
	cases := map[string]config.HSMConfig{
		"aws_kms":        {Provider: "aws_kms"},
		"azure_keyvault": {Provider: "azure_keyvault"},
		"google_kms":     {Provider: "google_kms"},
		"hardware_hsm":   {Provider: "hardware_hsm"},
	}
	for provider, cfg := range cases {
		_, err := NewSigner(context.Background(), cfg, nil, zerolog.Nop())
		require.Error(t, err, provider)
		assert.Contains(t, err.Error(), "initializing "+provider)
	}
}

func TestAuditedSignerRecordsSuccess(t *testing.T) {
	sink := &captureSink{}
	signer := &auditedSigner{
		inner: &stubSigner{signature: []byte("sealed")},
		audit: sink,
		log:   zerolog.Nop(),
	}

	got, err := signer.Sign(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, domain.AuditKeyOperation, entry.EventType)
	assert.Equal(t, domain.SeverityInfo, entry.Severity)
	assert.Equal(t, "sign", entry.EventData["operation"])
	assert.Equal(t, "stub", entry.EventData["provider"])
	assert.Equal(t, "stub-key", entry.EventData["key_id"])
	assert.Equal(t, true, entry.EventData["success"])
	assert.Equal(t, 5, entry.EventData["message_bytes"])
	assert.Contains(t, entry.EventData, "duration_ms")
	assert.Empty(t, entry.ErrorMessage)
}

func TestAuditedSignerRecordsFailure(t *testing.T) {
	sink := &captureSink{}
	signer := &auditedSigner{
		inner: &stubSigner{err: &Error{Kind: ErrKindSigning, Provider: "stub", Err: errors.New("key disabled")}},
		audit: sink,
		log:   zerolog.Nop(),
	}

	_, err := signer.Sign(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.True(t, IsSigning(err))
	assert.False(t, IsConnection(err))

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, domain.SeverityError, entry.Severity)
	assert.Equal(t, "signing", entry.ErrorType)
	assert.Contains(t, entry.ErrorMessage, "key disabled")
	assert.Equal(t, false, entry.EventData["success"])
}

func TestHardwareSignerRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	socketPath := startAgent(t, priv, "")

	driver, err := newHardwareHSM(config.HSMConfig{
		HardwareSocketPath: socketPath,
		SignerPublicKey:    "BotAuthority11111111111111111111111111111111",
	}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "hardware_hsm", driver.Provider())
	assert.Equal(t, "BotAuthority11111111111111111111111111111111", driver.KeyID())

	message := []byte("serialized transaction message")
	sig, err := driver.Sign(context.Background(), message)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, message, sig))
}

func TestHardwareSignerAgentRefusal(t *testing.T) {
	socketPath := startAgent(t, nil, "key not loaded")

	driver, err := newHardwareHSM(config.HSMConfig{HardwareSocketPath: socketPath}, 5*time.Second)
	require.NoError(t, err)

	_, err = driver.Sign(context.Background(), []byte("message"))
	require.Error(t, err)
	assert.True(t, IsSigning(err))
	assert.Contains(t, err.Error(), "key not loaded")
}

func TestHardwareSignerConnectionFailure(t *testing.T) {
	driver, err := newHardwareHSM(config.HSMConfig{HardwareSocketPath: "/nonexistent/agent.sock"}, time.Second)
	require.NoError(t, err)

	_, err = driver.Sign(context.Background(), []byte("message"))
	require.Error(t, err)
	assert.True(t, IsConnection(err))
}

func TestNewSignerHardwareEndToEnd(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	socketPath := startAgent(t, priv, "")

	sink := &captureSink{}
	signer, err := NewSigner(context.Background(), config.HSMConfig{
		Provider:           "hardware_hsm",
		HardwareSocketPath: socketPath,
		SignerPublicKey:    "BotAuthority11111111111111111111111111111111",
	}, sink, zerolog.Nop())
	require.NoError(t, err)

	message := []byte("end to end message")
	sig, err := signer.Sign(context.Background(), message)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, message, sig))

	require.Len(t, sink.entries, 1)
	assert.Equal(t, domain.AuditKeyOperation, sink.entries[0].EventType)
	assert.Equal(t, "hardware_hsm", sink.entries[0].EventData["provider"])
}

func TestAzureSignerSignsDigest(t *testing.T) {
	var tokenCalls atomic.Int32
	var mu sync.Mutex
	var digests []string

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		assert.Equal(t, "s3cret", r.Form.Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/keys/bot-authority/v1/sign", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, azureAPIVersion, r.URL.Query().Get("api-version"))

		var body struct {
			Alg   string `json:"alg"`
			Value string `json:"value"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ES256K", body.Alg)
		mu.Lock()
		digests = append(digests, body.Value)
		mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]string{
			"value": base64.RawURLEncoding.EncodeToString([]byte("azure-signature")),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	driver, err := newAzureKeyVault(config.HSMConfig{
		AzureVaultURL:     srv.URL,
		AzureKeyName:      "bot-authority",
		AzureKeyVersion:   "v1",
		AzureTenantID:     "tenant-1",
		AzureClientID:     "client-1",
		AzureClientSecret: "s3cret",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.tokenURL = srv.URL + "/oauth/token"

	assert.Equal(t, "bot-authority/v1", driver.KeyID())

	first, err := driver.Sign(context.Background(), []byte("swap message"))
	require.NoError(t, err)
	assert.Equal(t, []byte("azure-signature"), first)

	_, err = driver.Sign(context.Background(), []byte("second message"))
	require.NoError(t, err)

	// One token fetch serves both calls.
	assert.Equal(t, int32(1), tokenCalls.Load())

	firstDigest := sha256.Sum256([]byte("swap message"))
	secondDigest := sha256.Sum256([]byte("second message"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, digests, 2)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(firstDigest[:]), digests[0])
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(secondDigest[:]), digests[1])
}

func TestAzureSignerVaultRefusal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/keys/bot-authority/sign", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	driver, err := newAzureKeyVault(config.HSMConfig{
		AzureVaultURL:     srv.URL,
		AzureKeyName:      "bot-authority",
		AzureTenantID:     "tenant-1",
		AzureClientID:     "client-1",
		AzureClientSecret: "s3cret",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.tokenURL = srv.URL + "/oauth/token"

	_, err = driver.Sign(context.Background(), []byte("message"))
	require.Error(t, err)
	assert.True(t, IsSigning(err))
	assert.Contains(t, err.Error(), "status 403")
}

func TestAzureSignerTokenFailureIsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	driver, err := newAzureKeyVault(config.HSMConfig{
		AzureVaultURL:     srv.URL,
		AzureKeyName:      "bot-authority",
		AzureTenantID:     "tenant-1",
		AzureClientID:     "client-1",
		AzureClientSecret: "wrong",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.tokenURL = srv.URL + "/oauth/token"

	_, err = driver.Sign(context.Background(), []byte("message"))
	require.Error(t, err)
	assert.True(t, IsConnection(err))
}

func TestGoogleSignerStaticToken(t *testing.T) {
	const keyName = "projects/p/locations/global/keyRings/bot/cryptoKeys/authority/cryptoKeyVersions/1"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+keyName+":asymmetricSign", r.URL.Path)
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))

		var body struct {
			Data string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		message, err := base64.StdEncoding.DecodeString(body.Data)
		require.NoError(t, err)
		assert.Equal(t, []byte("raw message"), message)

		_ = json.NewEncoder(w).Encode(map[string]string{
			"signature": base64.StdEncoding.EncodeToString([]byte("google-signature")),
		})
	}))
	defer srv.Close()

	driver, err := newGoogleKMS(config.HSMConfig{
		GoogleKeyName:     keyName,
		GoogleAccessToken: "static-token",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.baseURL = srv.URL

	assert.Equal(t, keyName, driver.KeyID())

	sig, err := driver.Sign(context.Background(), []byte("raw message"))
	require.NoError(t, err)
	assert.Equal(t, []byte("google-signature"), sig)
}

func TestGoogleSignerMetadataToken(t *testing.T) {
	var metadataCalls atomic.Int32
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metadataCalls.Add(1)
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "metadata-token", "expires_in": 3600})
	}))
	defer metadata.Close()

	signer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer metadata-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"signature": base64.StdEncoding.EncodeToString([]byte("sig")),
		})
	}))
	defer signer.Close()

	driver, err := newGoogleKMS(config.HSMConfig{
		GoogleKeyName: "projects/p/locations/global/keyRings/bot/cryptoKeys/authority/cryptoKeyVersions/1",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.baseURL = signer.URL
	driver.metadataURL = metadata.URL

	_, err = driver.Sign(context.Background(), []byte("one"))
	require.NoError(t, err)
	_, err = driver.Sign(context.Background(), []byte("two"))
	require.NoError(t, err)

	// Token is cached between calls.
	assert.Equal(t, int32(1), metadataCalls.Load())
}

func TestGoogleSignerRejectionIsSigning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	}))
	defer srv.Close()

	driver, err := newGoogleKMS(config.HSMConfig{
		GoogleKeyName:     "projects/p/locations/global/keyRings/bot/cryptoKeys/authority/cryptoKeyVersions/1",
		GoogleAccessToken: "static-token",
	}, 5*time.Second)
	require.NoError(t, err)
	driver.baseURL = srv.URL

	_, err = driver.Sign(context.Background(), []byte("message"))
	require.Error(t, err)
	assert.True(t, IsSigning(err))
}
