package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/shopspring/decimal"
)

// Observation is what a block explorer reports for a payment address.
type Observation struct {
	Confirmations int
	TxHash        string
}

type ExplorerConfig struct {
	BlockchainInfoURL string
	EtherscanURL      string
	EtherscanAPIKey   string
	Timeout           time.Duration
}

// ChainExplorer reads confirmations from blockchain.info for bitcoin and from
// Etherscan for ether and ERC-20 tokens.
type ChainExplorer struct {
	api           jsonCaller
	blockchainURL string
	etherscanURL  string
	etherscanKey  string
}

func NewChainExplorer(cfg ExplorerConfig) *ChainExplorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ChainExplorer{
		api:           jsonCaller{client: &http.Client{Timeout: cfg.Timeout}, provider: string(payment.ProviderCrypto)},
		blockchainURL: strings.TrimRight(cfg.BlockchainInfoURL, "/"),
		etherscanURL:  strings.TrimRight(cfg.EtherscanURL, "/"),
		etherscanKey:  cfg.EtherscanAPIKey,
	}
}

// Observe finds the newest transaction paying at least expected to address
// and returns its confirmation count. No matching transaction gives zero.
func (e *ChainExplorer) Observe(ctx context.Context, c crypto.Currency, address string, expected decimal.Decimal) (Observation, error) {
	switch c.Network {
	case crypto.NetworkBitcoin:
		return e.observeBitcoin(ctx, address, expected)
	case crypto.NetworkEthereum:
		return e.observeEthereum(ctx, c, address, expected)
	default:
		return Observation{}, fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedCrypto, c.Key)
	}
}

type blockchainAddress struct {
	Txs []struct {
		Hash        string `json:"hash"`
		BlockHeight int64  `json:"block_height"`
		Out         []struct {
			Addr  string `json:"addr"`
			Value int64  `json:"value"`
		} `json:"out"`
	} `json:"txs"`
}

func (e *ChainExplorer) observeBitcoin(ctx context.Context, address string, expected decimal.Decimal) (Observation, error) {
	var addr blockchainAddress
	endpoint := fmt.Sprintf("%s/rawaddr/%s?limit=10", e.blockchainURL, url.PathEscape(address))
	if err := e.api.do(ctx, payment.OpCheckStatus, http.MethodGet, endpoint, nil, &addr); err != nil {
		return Observation{}, err
	}

	for _, tx := range addr.Txs {
		var received int64
		for _, out := range tx.Out {
			if out.Addr == address {
				received += out.Value
			}
		}
		if decimal.New(received, -8).LessThan(expected) {
			continue
		}
		if tx.BlockHeight <= 0 {
			return Observation{TxHash: tx.Hash}, nil
		}

		var latest struct {
			Height int64 `json:"height"`
		}
		if err := e.api.do(ctx, payment.OpCheckStatus, http.MethodGet, e.blockchainURL+"/latestblock", nil, &latest); err != nil {
			return Observation{}, err
		}
		return Observation{Confirmations: int(latest.Height - tx.BlockHeight + 1), TxHash: tx.Hash}, nil
	}
	return Observation{}, nil
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTx struct {
	Hash          string `json:"hash"`
	To            string `json:"to"`
	Value         string `json:"value"`
	Confirmations string `json:"confirmations"`
	TokenDecimal  string `json:"tokenDecimal"`
}

func (e *ChainExplorer) observeEthereum(ctx context.Context, c crypto.Currency, address string, expected decimal.Decimal) (Observation, error) {
	q := url.Values{
		"module":  {"account"},
		"address": {address},
		"sort":    {"desc"},
		"page":    {"1"},
		"offset":  {"20"},
	}
	decimals := int32(18)
	if c.ContractAddress != "" {
		q.Set("action", "tokentx")
		q.Set("contractaddress", c.ContractAddress)
		decimals = 6
	} else {
		q.Set("action", "txlist")
	}
	if e.etherscanKey != "" {
		q.Set("apikey", e.etherscanKey)
	}

	var resp etherscanResponse
	if err := e.api.do(ctx, payment.OpCheckStatus, http.MethodGet, e.etherscanURL+"?"+q.Encode(), nil, &resp); err != nil {
		return Observation{}, err
	}

	var txs []etherscanTx
	if err := json.Unmarshal(resp.Result, &txs); err != nil {
		// Etherscan reports errors as a string result with status 0.
		var msg string
		_ = json.Unmarshal(resp.Result, &msg)
		return Observation{}, domainErrors.NewProviderError(string(payment.ProviderCrypto), payment.OpCheckStatus,
			kindForEtherscan(msg), fmt.Errorf("etherscan: %s: %s", resp.Message, msg))
	}

	for _, tx := range txs {
		if !strings.EqualFold(tx.To, address) {
			continue
		}
		d := decimals
		if tx.TokenDecimal != "" {
			if n, err := strconv.Atoi(tx.TokenDecimal); err == nil {
				d = int32(n)
			}
		}
		value, err := decimal.NewFromString(tx.Value)
		if err != nil || value.Shift(-d).LessThan(expected) {
			continue
		}
		confirmations, _ := strconv.Atoi(tx.Confirmations)
		return Observation{Confirmations: confirmations, TxHash: tx.Hash}, nil
	}
	return Observation{}, nil
}

func kindForEtherscan(msg string) domainErrors.Kind {
	if strings.Contains(strings.ToLower(msg), "rate limit") {
		return domainErrors.KindRetryable
	}
	return domainErrors.KindPermanent
}
