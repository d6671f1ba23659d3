package rpc

import (
	"context"
	"encoding/json"
)

// SignatureInfo is one row of a getSignaturesForAddress response.
type SignatureInfo struct {
	Signature string  `json:"signature"`
	Slot      uint64  `json:"slot"`
	BlockTime *int64  `json:"blockTime"`
	Err       any     `json:"err"`
	Memo      *string `json:"memo"`
}

// Failed reports whether the transaction behind this signature errored.
func (s SignatureInfo) Failed() bool {
	return s.Err != nil
}

// SignaturesOpts narrows a signature listing.
type SignaturesOpts struct {
	Limit  int
	Before string
	Until  string
}

// GetSignaturesForAddress lists signatures involving address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts SignaturesOpts) ([]SignatureInfo, error) {
	cfg := map[string]any{"commitment": "confirmed"}
	if opts.Limit > 0 {
		cfg["limit"] = opts.Limit
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}

	var out []SignatureInfo
	if err := c.Call(ctx, "getSignaturesForAddress", []any{address, cfg}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UITokenAmount is an SPL token amount with its display conversion.
type UITokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       int      `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// TokenBalance is a pre- or post-transaction token account balance.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	ProgramID     string        `json:"programId"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta carries execution results and balance movements.
type TransactionMeta struct {
	Err               any            `json:"err"`
	Fee               uint64         `json:"fee"`
	PreBalances       []uint64       `json:"preBalances"`
	PostBalances      []uint64       `json:"postBalances"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
	LogMessages       []string       `json:"logMessages"`
	ComputeUnits      uint64         `json:"computeUnitsConsumed"`
}

// AccountKey is one entry of a jsonParsed account key list.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
	Source   string `json:"source"`
}

// ParsedInstruction is one instruction of a jsonParsed transaction. For
// programs without a parser the Accounts/Data fields carry the raw form;
// for known programs Parsed holds the decoded payload.
type ParsedInstruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId"`
	Accounts  []string        `json:"accounts,omitempty"`
	Data      string          `json:"data,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// TransactionMessage is the message half of a jsonParsed transaction.
type TransactionMessage struct {
	AccountKeys     []AccountKey        `json:"accountKeys"`
	Instructions    []ParsedInstruction `json:"instructions"`
	RecentBlockhash string              `json:"recentBlockhash"`
}

// TransactionPayload is the signatures-plus-message body.
type TransactionPayload struct {
	Signatures []string           `json:"signatures"`
	Message    TransactionMessage `json:"message"`
}

// TransactionEnvelope is a full getTransaction response.
type TransactionEnvelope struct {
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *TransactionMeta    `json:"meta"`
	Transaction *TransactionPayload `json:"transaction"`
	Version     json.RawMessage     `json:"version,omitempty"`
}

// Failed reports whether the transaction errored on chain.
func (t *TransactionEnvelope) Failed() bool {
	return t.Meta != nil && t.Meta.Err != nil
}

// GetTransaction fetches a confirmed transaction in jsonParsed form.
// Returns nil without error when the node does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionEnvelope, error) {
	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}}

	var out *TransactionEnvelope
	if err := c.Call(ctx, "getTransaction", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// rpcContext is the slot context Solana wraps value responses with.
type rpcContext struct {
	Slot uint64 `json:"slot"`
}

// AccountInfo is the value half of a getAccountInfo response.
type AccountInfo struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Executable bool            `json:"executable"`
	RentEpoch  uint64          `json:"rentEpoch"`
	Data       json.RawMessage `json:"data"`
}

// GetAccountInfo fetches a single account in jsonParsed form. A nil
// result means the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	params := []any{address, map[string]any{
		"encoding":   "jsonParsed",
		"commitment": "confirmed",
	}}

	var out struct {
		Context rpcContext   `json:"context"`
		Value   *AccountInfo `json:"value"`
	}
	if err := c.Call(ctx, "getAccountInfo", params, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// ProgramAccount is one row of a getProgramAccounts response.
type ProgramAccount struct {
	Pubkey  string      `json:"pubkey"`
	Account AccountInfo `json:"account"`
}

// MemcmpFilter matches accounts whose data at Offset equals Bytes.
type MemcmpFilter struct {
	Offset int
	Bytes  string
}

// ProgramAccountsOpts narrows a program account scan.
type ProgramAccountsOpts struct {
	DataSize int
	Memcmp   []MemcmpFilter
}

// GetProgramAccounts lists accounts owned by program, jsonParsed.
func (c *Client) GetProgramAccounts(ctx context.Context, program string, opts ProgramAccountsOpts) ([]ProgramAccount, error) {
	filters := make([]any, 0, len(opts.Memcmp)+1)
	if opts.DataSize > 0 {
		filters = append(filters, map[string]any{"dataSize": opts.DataSize})
	}
	for _, m := range opts.Memcmp {
		filters = append(filters, map[string]any{
			"memcmp": map[string]any{"offset": m.Offset, "bytes": m.Bytes},
		})
	}

	cfg := map[string]any{
		"encoding":   "jsonParsed",
		"commitment": "confirmed",
	}
	if len(filters) > 0 {
		cfg["filters"] = filters
	}

	var out []ProgramAccount
	if err := c.Call(ctx, "getProgramAccounts", []any{program, cfg}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockTransaction is one transaction of a getBlock response.
type BlockTransaction struct {
	Transaction TransactionPayload `json:"transaction"`
	Meta        *TransactionMeta   `json:"meta"`
}

// BlockEnvelope is a getBlock response.
type BlockEnvelope struct {
	Blockhash    string             `json:"blockhash"`
	ParentSlot   uint64             `json:"parentSlot"`
	BlockTime    *int64             `json:"blockTime"`
	BlockHeight  *uint64            `json:"blockHeight"`
	Transactions []BlockTransaction `json:"transactions"`
}

// GetBlock fetches a confirmed block with full transaction detail.
func (c *Client) GetBlock(ctx context.Context, slot uint64) (*BlockEnvelope, error) {
	params := []any{slot, map[string]any{
		"encoding":                       "jsonParsed",
		"transactionDetails":             "full",
		"rewards":                        false,
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}}

	var out *BlockEnvelope
	if err := c.Call(ctx, "getBlock", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSlot returns the current confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var out uint64
	if err := c.Call(ctx, "getSlot", []any{map[string]any{"commitment": "confirmed"}}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// LatestBlockhash is the value half of a getLatestBlockhash response.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetLatestBlockhash fetches a recent blockhash for transaction assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	var out struct {
		Context rpcContext      `json:"context"`
		Value   LatestBlockhash `json:"value"`
	}
	params := []any{map[string]any{"commitment": "confirmed"}}
	if err := c.Call(ctx, "getLatestBlockhash", params, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// SendTransaction submits a base64-encoded signed transaction and returns
// the signature the node assigned it.
func (c *Client) SendTransaction(ctx context.Context, base64Tx string) (string, error) {
	params := []any{base64Tx, map[string]any{
		"encoding":            "base64",
		"skipPreflight":       true,
		"preflightCommitment": "confirmed",
	}}

	var signature string
	if err := c.Call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SimulationResult is the value half of a simulateTransaction response.
type SimulationResult struct {
	Err           any      `json:"err"`
	Logs          []string `json:"logs"`
	UnitsConsumed uint64   `json:"unitsConsumed"`
}

// SimulateTransaction dry-runs a base64-encoded transaction.
func (c *Client) SimulateTransaction(ctx context.Context, base64Tx string) (*SimulationResult, error) {
	params := []any{base64Tx, map[string]any{
		"encoding":               "base64",
		"commitment":             "confirmed",
		"replaceRecentBlockhash": true,
	}}

	var out struct {
		Context rpcContext       `json:"context"`
		Value   SimulationResult `json:"value"`
	}
	if err := c.Call(ctx, "simulateTransaction", params, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// SignatureStatus is one entry of a getSignatureStatuses response. A nil
// Confirmations means the transaction is rooted.
type SignatureStatus struct {
	Slot               uint64 `json:"slot"`
	Confirmations      *int   `json:"confirmations"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

// GetSignatureStatuses reports the confirmation state of each signature.
// Unknown signatures come back as nil entries.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	params := []any{signatures, map[string]any{"searchTransactionHistory": true}}

	var out struct {
		Context rpcContext         `json:"context"`
		Value   []*SignatureStatus `json:"value"`
	}
	if err := c.Call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
