package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Token describes one supported token.
type Token struct {
	Symbol      string `yaml:"symbol"`
	Mint        string `yaml:"mint"`
	Decimals    int    `yaml:"decimals"`
	Stablecoin  bool   `yaml:"stablecoin"`
	CoinGeckoID string `yaml:"coingecko_id"`
}

// TokenRegistry resolves tokens by mint or symbol.
type TokenRegistry struct {
	byMint   map[string]Token
	bySymbol map[string]Token
}

type registryFile struct {
	Tokens []Token `yaml:"tokens"`
}

// defaultTokens covers the mints the platform trades out of the box.
var defaultTokens = []Token{
	{Symbol: "SOL", Mint: "So11111111111111111111111111111111111111112", Decimals: 9, CoinGeckoID: "solana"},
	{Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6, Stablecoin: true, CoinGeckoID: "usd-coin"},
	{Symbol: "USDT", Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6, Stablecoin: true, CoinGeckoID: "tether"},
	{Symbol: "JUP", Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6, CoinGeckoID: "jupiter-exchange-solana"},
	{Symbol: "RAY", Mint: "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R", Decimals: 6, CoinGeckoID: "raydium"},
	{Symbol: "ORCA", Mint: "orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE", Decimals: 6, CoinGeckoID: "orca"},
	{Symbol: "BONK", Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5, CoinGeckoID: "bonk"},
}

// LoadTokenRegistry builds the registry from cfg. A YAML file overrides the
// built-in list; SupportedTokens filters by symbol when non-empty.
func LoadTokenRegistry(cfg TokenConfig) (*TokenRegistry, error) {
	tokens := defaultTokens

	if cfg.RegistryPath != "" {
		data, err := os.ReadFile(cfg.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read token registry: %w", err)
		}
		var file registryFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse token registry: %w", err)
		}
		if len(file.Tokens) == 0 {
			return nil, fmt.Errorf("token registry %s contains no tokens", cfg.RegistryPath)
		}
		tokens = file.Tokens
	}

	if len(cfg.SupportedTokens) > 0 {
		allowed := make(map[string]bool, len(cfg.SupportedTokens))
		for _, sym := range cfg.SupportedTokens {
			allowed[strings.ToUpper(sym)] = true
		}
		filtered := tokens[:0:0]
		for _, t := range tokens {
			if allowed[strings.ToUpper(t.Symbol)] {
				filtered = append(filtered, t)
			}
		}
		tokens = filtered
	}

	reg := &TokenRegistry{
		byMint:   make(map[string]Token, len(tokens)),
		bySymbol: make(map[string]Token, len(tokens)),
	}
	for _, t := range tokens {
		if t.Mint == "" || t.Symbol == "" {
			return nil, fmt.Errorf("token registry entry missing mint or symbol: %+v", t)
		}
		reg.byMint[t.Mint] = t
		reg.bySymbol[strings.ToUpper(t.Symbol)] = t
	}
	return reg, nil
}

// ByMint looks up a token by mint address.
func (r *TokenRegistry) ByMint(mint string) (Token, bool) {
	t, ok := r.byMint[mint]
	return t, ok
}

// BySymbol looks up a token by symbol, case-insensitive.
func (r *TokenRegistry) BySymbol(symbol string) (Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	return t, ok
}

// IsSupported reports whether the mint is in the registry.
func (r *TokenRegistry) IsSupported(mint string) bool {
	_, ok := r.byMint[mint]
	return ok
}

// IsStablecoin reports whether the mint is a registered stablecoin.
func (r *TokenRegistry) IsStablecoin(mint string) bool {
	t, ok := r.byMint[mint]
	return ok && t.Stablecoin
}

// Symbols returns the registered symbols in no particular order.
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	return out
}

// All returns every registered token in no particular order.
func (r *TokenRegistry) All() []Token {
	out := make([]Token, 0, len(r.byMint))
	for _, t := range r.byMint {
		out = append(out, t)
	}
	return out
}
