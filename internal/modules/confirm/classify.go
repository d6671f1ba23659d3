package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// jupiterSlippageExceeded is the router program's SlippageToleranceExceeded
// custom error code (0x1771).
const jupiterSlippageExceeded = 6001

// ClassifyTxError maps an on-chain transaction error value, as returned in
// getSignatureStatuses / transaction meta, to a retry class. The value is
// either a bare variant string ("BlockhashNotFound") or an object such as
// {"InstructionError": [0, {"Custom": 6001}]}.
func ClassifyTxError(errValue any) domain.TxErrorKind {
	if errValue == nil {
		return ""
	}

	if kind, ok := classifyInstructionError(errValue); ok {
		return kind
	}

	raw, err := json.Marshal(errValue)
	if err != nil {
		return domain.TxErrUnknown
	}
	s := string(raw)

	switch {
	case strings.Contains(s, "BlockhashNotFound"):
		return domain.TxErrBlockhashExpired
	case strings.Contains(s, "AlreadyProcessed"):
		return domain.TxErrDuplicate
	case strings.Contains(s, "InsufficientFunds"):
		return domain.TxErrInsufficientFunds
	case strings.Contains(s, "WouldExceedMaxBlockCostLimit"),
		strings.Contains(s, "WouldExceedAccountDataBlockLimit"),
		strings.Contains(s, "MaxLoadedAccountsDataSizeExceeded"):
		return domain.TxErrComputeBudget
	case strings.Contains(s, "ClusterMaintenance"):
		return domain.TxErrNodeUnhealthy
	default:
		return domain.TxErrUnknown
	}
}

// classifyInstructionError inspects {"InstructionError": [index, detail]}
// payloads. The router's slippage code is surfaced as its own class; every
// other instruction failure is a program error.
func classifyInstructionError(errValue any) (domain.TxErrorKind, bool) {
	obj, ok := errValue.(map[string]any)
	if !ok {
		return "", false
	}
	detail, ok := obj["InstructionError"]
	if !ok {
		return "", false
	}

	parts, ok := detail.([]any)
	if ok && len(parts) == 2 {
		if inner, ok := parts[1].(map[string]any); ok {
			if code, ok := inner["Custom"]; ok {
				if num, ok := code.(float64); ok && int(num) == jupiterSlippageExceeded {
					return domain.TxErrSlippageExceeded, true
				}
			}
		}
		if s, ok := parts[1].(string); ok && strings.Contains(s, "InsufficientFunds") {
			return domain.TxErrInsufficientFunds, true
		}
	}
	return domain.TxErrProgram, true
}

// ClassifyRPCError maps a Go-side RPC failure (submission or polling) to a
// retry class.
func ClassifyRPCError(err error) domain.TxErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TxErrTimeout
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Kind == rpc.ErrKindRateLimited:
			return domain.TxErrRateLimited
		case rpcErr.Code == -32005:
			return domain.TxErrNodeUnhealthy
		case strings.Contains(rpcErr.Message, "Blockhash not found"):
			return domain.TxErrBlockhashExpired
		case strings.Contains(rpcErr.Message, "too large"):
			return domain.TxErrTooLarge
		case strings.Contains(strings.ToLower(rpcErr.Message), "insufficient funds"):
			return domain.TxErrInsufficientFunds
		case strings.Contains(rpcErr.Message, "already been processed"):
			return domain.TxErrDuplicate
		case rpcErr.Kind == rpc.ErrKindTransient:
			return domain.TxErrNetwork
		default:
			return domain.TxErrUnknown
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return domain.TxErrTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "eof"), strings.Contains(msg, "refused"):
		return domain.TxErrNetwork
	default:
		return domain.TxErrUnknown
	}
}
