package hsm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

// hardwareHSM talks to a local signing agent over a Unix socket. One
// request and one reply per connection, newline-delimited JSON.
type hardwareHSM struct {
	socketPath string
	keyID      string
	timeout    time.Duration
}

type agentRequest struct {
	Op      string `json:"op"`
	KeyID   string `json:"key_id"`
	Message string `json:"message"`
}

type agentResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func newHardwareHSM(cfg config.HSMConfig, timeout time.Duration) (*hardwareHSM, error) {
	if cfg.HardwareSocketPath == "" {
		return nil, fmt.Errorf("hardware_hsm requires HSM_HARDWARE_SOCKET_PATH")
	}

	return &hardwareHSM{
		socketPath: cfg.HardwareSocketPath,
		keyID:      cfg.SignerPublicKey,
		timeout:    timeout,
	}, nil
}

func (h *hardwareHSM) Provider() string { return "hardware_hsm" }

func (h *hardwareHSM) KeyID() string { return h.keyID }

func (h *hardwareHSM) Sign(ctx context.Context, message []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: h.timeout}
	conn, err := dialer.DialContext(ctx, "unix", h.socketPath)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "hardware_hsm", Err: fmt.Errorf("dialing agent: %w", err)}
	}
	defer conn.Close()

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "hardware_hsm", Err: fmt.Errorf("setting deadline: %w", err)}
	}

	req := agentRequest{
		Op:      "sign",
		KeyID:   h.keyID,
		Message: base64.StdEncoding.EncodeToString(message),
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "hardware_hsm", Err: fmt.Errorf("writing request: %w", err)}
	}

	var resp agentResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "hardware_hsm", Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.Error != "" {
		return nil, &Error{Kind: ErrKindSigning, Provider: "hardware_hsm", Err: errors.New(resp.Error)}
	}

	signature, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, &Error{Kind: ErrKindSigning, Provider: "hardware_hsm", Err: fmt.Errorf("decoding signature: %w", err)}
	}
	if len(signature) == 0 {
		return nil, &Error{Kind: ErrKindSigning, Provider: "hardware_hsm", Err: errors.New("empty signature in response")}
	}
	return signature, nil
}
