// Package hsm provides delegated-authority signing through an external key
// manager. Private key material never enters the process: every driver
// sends the message out to its provider and gets a signature back. Each
// signing call is audited with the key identifier and duration, never the
// material.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// ErrorKind separates transport failures from provider-side refusals.
type ErrorKind string

const (
	// ErrKindConnection - the provider could not be reached.
	ErrKindConnection ErrorKind = "connection"
	// ErrKindSigning - the provider answered and refused or failed to sign.
	ErrKindSigning ErrorKind = "signing"
)

// Error is the typed failure every driver returns.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hsm %s: %s failure: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnection reports whether err is a provider-unreachable failure.
func IsConnection(err error) bool {
	var hsmErr *Error
	return errors.As(err, &hsmErr) && hsmErr.Kind == ErrKindConnection
}

// IsSigning reports whether err is a provider-side signing failure.
func IsSigning(err error) bool {
	var hsmErr *Error
	return errors.As(err, &hsmErr) && hsmErr.Kind == ErrKindSigning
}

// Signer signs messages under a key held by an external provider.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
	Provider() string
	KeyID() string
}

// AuditSink receives one key_operation entry per signing call.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// NewSigner builds the configured driver and wraps it with auditing.
func NewSigner(ctx context.Context, cfg config.HSMConfig, audit AuditSink, log zerolog.Logger) (Signer, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var driver Signer
	var err error
	switch cfg.Provider {
	case "aws_kms":
		driver, err = newAWSKMS(ctx, cfg, timeout)
	case "azure_keyvault":
		driver, err = newAzureKeyVault(cfg, timeout)
	case "google_kms":
		driver, err = newGoogleKMS(cfg, timeout)
	case "hardware_hsm":
		driver, err = newHardwareHSM(cfg, timeout)
	default:
		return nil, fmt.Errorf("unknown HSM provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s signer: %w", cfg.Provider, err)
	}

	return &auditedSigner{
		inner: driver,
		audit: audit,
		log:   log.With().Str("component", "hsm").Str("provider", cfg.Provider).Logger(),
	}, nil
}

// auditedSigner wraps a driver and writes a key_operation audit entry for
// every call, success or failure.
type auditedSigner struct {
	inner Signer
	audit AuditSink
	log   zerolog.Logger
}

func (a *auditedSigner) Provider() string { return a.inner.Provider() }
func (a *auditedSigner) KeyID() string    { return a.inner.KeyID() }

func (a *auditedSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	start := time.Now()
	signature, err := a.inner.Sign(ctx, message)
	duration := time.Since(start)

	entry := domain.AuditEntry{
		EventType: domain.AuditKeyOperation,
		Severity:  domain.SeverityInfo,
		EventData: map[string]any{
			"operation":     "sign",
			"provider":      a.inner.Provider(),
			"key_id":        a.inner.KeyID(),
			"success":       err == nil,
			"duration_ms":   duration.Milliseconds(),
			"message_bytes": len(message),
		},
	}
	if err != nil {
		entry.Severity = domain.SeverityError
		entry.ErrorMessage = err.Error()
		var hsmErr *Error
		if errors.As(err, &hsmErr) {
			entry.ErrorType = string(hsmErr.Kind)
		}
	}

	if a.audit != nil {
		if auditErr := a.audit.Log(ctx, entry); auditErr != nil {
			a.log.Error().Err(auditErr).Msg("Audit write failed")
		}
	}

	if err != nil {
		a.log.Error().Err(err).Dur("duration", duration).Msg("Signing failed")
		return nil, err
	}
	a.log.Debug().Dur("duration", duration).Int("message_bytes", len(message)).Msg("Message signed")
	return signature, nil
}
