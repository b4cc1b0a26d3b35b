package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"Mech-Chain/internal/chain"
	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// marketplaceABI is the subset of the marketplace contract this service
// interacts with: the request event it watches and the deliver method it
// calls to publish results.
const marketplaceABI = `[
  {
    "type": "event",
    "name": "MechRequest",
    "inputs": [
      {"name": "requestId", "type": "uint256", "indexed": true},
      {"name": "requester", "type": "address", "indexed": true},
      {"name": "tool", "type": "string", "indexed": false},
      {"name": "payloadHash", "type": "bytes32", "indexed": false},
      {"name": "payment", "type": "uint256", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "function",
    "name": "deliver",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "requestId", "type": "uint256"},
      {"name": "resultHash", "type": "bytes32"}
    ],
    "outputs": []
  }
]`

const (
	defaultPollInterval = 5 * time.Second
	maxBlockRange       = 2048
	eventBuffer         = 64
)

// Config describes how to construct the marketplace chain client.
type Config struct {
	RPCURL            string
	WSURL             string
	MarketplaceAddr   string
	PrivateKeyHex     string
	PollInterval      time.Duration
	ConfirmationDepth uint64
}

// Client implements chain.Client against an EVM compatible network. It
// watches the marketplace contract for request events and submits
// delivery transactions signed with the operator key.
type Client struct {
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	wsClient    *ethclient.Client
	marketplace common.Address
	contractABI abi.ABI
	eventID     common.Hash

	privateKey *ecdsa.PrivateKey
	sender     common.Address
	chainID    *big.Int

	pollInterval time.Duration
	confirmDepth uint64

	mu        sync.Mutex
	nextNonce uint64
	nonceInit bool
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use
// client. The private key is required only when deliveries will be
// submitted; watch-only deployments may leave it empty.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum rpc url is not configured")
	}
	marketplaceAddr := strings.TrimSpace(cfg.MarketplaceAddr)
	if !common.IsHexAddress(marketplaceAddr) {
		return nil, fmt.Errorf("invalid marketplace contract address: %q", marketplaceAddr)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "dial ethereum node")
	}
	eth := ethclient.NewClient(rpcClient)

	var wsClient *ethclient.Client
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			wsClient = ethclient.NewClient(wsRPC)
		} else {
			logger.Named("chain").Warn("websocket dial failed, falling back to polling",
				"url", wsURL, "error", wsErr)
		}
	}

	parsedABI, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("parse marketplace abi: %w", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "fetch chain id")
	}

	c := &Client{
		rpcClient:    rpcClient,
		eth:          eth,
		wsClient:     wsClient,
		marketplace:  common.HexToAddress(marketplaceAddr),
		contractABI:  parsedABI,
		eventID:      parsedABI.Events["MechRequest"].ID,
		chainID:      chainID,
		pollInterval: cfg.PollInterval,
		confirmDepth: cfg.ConfirmationDepth,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		key, keyErr := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if keyErr != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("parse operator private key: %w", keyErr)
		}
		c.privateKey = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// ConfirmationDepth reports how many blocks this deployment waits before
// treating an event as final.
func (c *Client) ConfirmationDepth() uint64 {
	return c.confirmDepth
}

// CurrentHeight reports the latest block height known to the node.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "ethereum client is not initialized")
	}
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "fetch block height")
	}
	return height, nil
}

// SubscribeRequests streams marketplace request events starting at
// fromHeight. When a websocket endpoint is configured new events arrive
// via a live log subscription while polling covers the historical range
// and acts as the fallback transport. The two feeds may deliver the
// same event twice; consumers deduplicate on request id.
func (c *Client) SubscribeRequests(ctx context.Context, fromHeight uint64) (*chain.RequestSubscription, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ethereum client is not initialized")
	}

	subCtx, cancel := context.WithCancel(ctx)
	events := make(chan chain.RequestEvent, eventBuffer)
	errs := make(chan error, 1)

	var feeders sync.WaitGroup
	feeders.Add(1)
	go func() {
		defer feeders.Done()
		c.pollLoop(subCtx, fromHeight, events)
	}()
	if c.wsClient != nil {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			c.streamLoop(subCtx, c.wsClient, events)
		}()
	}
	go func() {
		feeders.Wait()
		close(events)
	}()

	return chain.NewRequestSubscription(events, errs, cancel), nil
}

// logSubscriber is the slice of ethclient.Client the live stream needs.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, query gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// streamLoop maintains a live log subscription over the websocket
// endpoint, re-subscribing with a delay whenever the connection drops.
func (c *Client) streamLoop(ctx context.Context, source logSubscriber, events chan<- chain.RequestEvent) {
	log := logger.Named("chain")
	query := gethcore.FilterQuery{
		Addresses: []common.Address{c.marketplace},
		Topics:    [][]common.Hash{{c.eventID}},
	}

	for {
		logCh := make(chan coretypes.Log, eventBuffer)
		sub, err := source.SubscribeFilterLogs(ctx, query, logCh)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("websocket log subscription failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}

	receive:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case subErr := <-sub.Err():
				log.Warn("websocket log subscription dropped", "error", subErr)
				sub.Unsubscribe()
				break receive
			case entry := <-logCh:
				event, decodeErr := c.decodeRequest(&entry)
				if decodeErr != nil {
					log.Warn("skip undecodable marketplace log",
						"block", entry.BlockNumber, "error", decodeErr)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					sub.Unsubscribe()
					return
				}
			}
		}
	}
}

func (c *Client) pollLoop(ctx context.Context, fromHeight uint64, events chan<- chain.RequestEvent) {
	log := logger.Named("chain")
	nextHeight := fromHeight
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("poll block height failed", "error", err)
		} else if head >= nextHeight {
			to := head
			if to-nextHeight > maxBlockRange {
				to = nextHeight + maxBlockRange
			}
			logs, err := c.eth.FilterLogs(ctx, gethcore.FilterQuery{
				FromBlock: new(big.Int).SetUint64(nextHeight),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{c.marketplace},
				Topics:    [][]common.Hash{{c.eventID}},
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("filter marketplace logs failed",
					"from", nextHeight, "to", to, "error", err)
			} else {
				for i := range logs {
					event, decodeErr := c.decodeRequest(&logs[i])
					if decodeErr != nil {
						log.Warn("skip undecodable marketplace log",
							"block", logs[i].BlockNumber, "error", decodeErr)
						continue
					}
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
				nextHeight = to + 1
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) decodeRequest(entry *coretypes.Log) (chain.RequestEvent, error) {
	if len(entry.Topics) < 3 {
		return chain.RequestEvent{}, fmt.Errorf("unexpected topic count %d", len(entry.Topics))
	}

	requestID := new(big.Int).SetBytes(entry.Topics[1].Bytes())
	if !requestID.IsUint64() {
		return chain.RequestEvent{}, fmt.Errorf("request id %s overflows uint64", requestID)
	}
	requester := common.BytesToAddress(entry.Topics[2].Bytes())

	var decoded struct {
		Tool        string
		PayloadHash [32]byte
		Payment     *big.Int
	}
	if err := c.contractABI.UnpackIntoInterface(&decoded, "MechRequest", entry.Data); err != nil {
		return chain.RequestEvent{}, fmt.Errorf("unpack event data: %w", err)
	}

	return chain.RequestEvent{
		RequestID:   requestID.Uint64(),
		Requester:   requester.Hex(),
		ToolID:      decoded.Tool,
		PayloadHash: common.BytesToHash(decoded.PayloadHash[:]).Hex(),
		Payment:     decoded.Payment.String(),
		BlockHeight: entry.BlockNumber,
	}, nil
}

// SubmitDelivery signs and broadcasts a deliver transaction for the
// request and returns the transaction hash. Nonce staleness is surfaced
// with a retryable code after the local counter has been refreshed so
// callers can simply try again.
func (c *Client) SubmitDelivery(ctx context.Context, requestID uint64, resultHash string) (string, error) {
	if c == nil || c.eth == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "ethereum client is not initialized")
	}
	if c.privateKey == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "operator private key is not configured")
	}

	payload, err := c.contractABI.Pack("deliver",
		new(big.Int).SetUint64(requestID), common.HexToHash(resultHash))
	if err != nil {
		return "", fmt.Errorf("encode deliver call: %w", err)
	}

	nonce, err := c.claimNonce(ctx)
	if err != nil {
		return "", err
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		c.resetNonce()
		return "", xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "suggest gas price")
	}

	gasLimit, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From: c.sender,
		To:   &c.marketplace,
		Data: payload,
	})
	if err != nil {
		return "", c.classifySubmitError(err)
	}

	tx := coretypes.NewTransaction(nonce, c.marketplace, big.NewInt(0), gasLimit, gasPrice, payload)
	signedTx, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign deliver transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", c.classifySubmitError(err)
	}
	return signedTx.Hash().Hex(), nil
}

// claimNonce hands out monotonically increasing nonces, seeding the
// counter from the pending pool on first use.
func (c *Client) claimNonce(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nonceInit {
		nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "fetch pending nonce")
		}
		c.nextNonce = nonce
		c.nonceInit = true
	}
	nonce := c.nextNonce
	c.nextNonce++
	return nonce, nil
}

// resetNonce forces the next claimNonce to re-seed from the pending pool.
func (c *Client) resetNonce() {
	c.mu.Lock()
	c.nonceInit = false
	c.mu.Unlock()
}

// classifySubmitError maps node error strings to stable codes. Every
// failed submission resets the nonce counter: the claimed nonce may or
// may not have reached the node, so the only safe value is whatever the
// pending pool reports on the next attempt.
func (c *Client) classifySubmitError(err error) error {
	c.resetNonce()
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return xerrors.Wrap(chain.CodeNonceStale, err, "deliver transaction rejected")
	case strings.Contains(msg, "insufficient funds"):
		return xerrors.Wrap(chain.CodeInsufficientFunds, err, "deliver transaction rejected")
	default:
		return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "submit deliver transaction")
	}
}

var _ chain.Client = (*Client)(nil)
