package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrReverted      = errors.New("chain: transaction reverted")
	ErrNoBottleEvent = errors.New("chain: BottleCreated event not found in receipt")
	ErrBadTxHash     = errors.New("chain: malformed transaction hash")
	ErrNoSuchBottle  = errors.New("chain: bottle does not exist")
	ErrReadOnly      = errors.New("chain: no signing key configured")
)

// Backend is what the client needs from an RPC connection. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client wraps the bottle contract and the custodial signing key.
type Client struct {
	backend  Backend
	abi      abi.ABI
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	poll     time.Duration
}

type Config struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	PollInterval    time.Duration
}

// Dial connects to the RPC endpoint and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: rpc url is required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	c, err := New(ctx, ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

func New(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddress)
	}
	// without a key the client can only read
	var key *ecdsa.PrivateKey
	var from common.Address
	if raw := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); raw != "" {
		k, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		key, from = k, crypto.PubkeyToAddress(k.PublicKey)
	}
	parsed, err := parseABI()
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &Client{
		backend:  backend,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
		key:      key,
		from:     from,
		chainID:  chainID,
		poll:     poll,
	}, nil
}

// Address is the custodial wallet that signs and pays for every bottle.
func (c *Client) Address() string {
	return c.from.Hex()
}

// WalletLockName is the distributed lock serializing this wallet's nonces.
func (c *Client) WalletLockName() string {
	return "wallet:" + strings.ToLower(c.from.Hex())
}

// SubmitBottle sends createBottle(cid, custodial) and returns the tx hash
// without waiting for it to be mined.
func (c *Client) SubmitBottle(ctx context.Context, cid string) (string, error) {
	if c.key == nil {
		return "", ErrReadOnly
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("chain: transactor: %w", err)
	}
	opts.Context = ctx
	tx, err := c.contract.Transact(opts, "createBottle", cid, c.from)
	if err != nil {
		return "", fmt.Errorf("chain: createBottle: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// AwaitBottleID polls for the receipt of txHash and returns the id emitted
// in BottleCreated.
func (c *Client) AwaitBottleID(ctx context.Context, txHash string) (string, error) {
	if len(strings.TrimPrefix(txHash, "0x")) != 64 {
		return "", ErrBadTxHash
	}
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			id, err := bottleIDFromReceipt(c.contract, c.abi, c.address, receipt)
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return "", fmt.Errorf("chain: receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func bottleIDFromReceipt(contract *bind.BoundContract, parsed abi.ABI, address common.Address, receipt *types.Receipt) (*big.Int, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrReverted
	}
	topic := parsed.Events[eventBottleCreated].ID
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != address || len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		var ev BottleCreated
		if err := contract.UnpackLog(&ev, eventBottleCreated, *lg); err != nil {
			return nil, fmt.Errorf("chain: unpack BottleCreated: %w", err)
		}
		return ev.Id, nil
	}
	return nil, ErrNoBottleEvent
}

func (c *Client) TotalBottles(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTotalBottles"); err != nil {
		return 0, fmt.Errorf("chain: getTotalBottles: %w", err)
	}
	total := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return total.Uint64(), nil
}

func (c *Client) GetBottle(ctx context.Context, id uint64) (*OnChainBottle, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getBottle", new(big.Int).SetUint64(id)); err != nil {
		return nil, fmt.Errorf("chain: getBottle(%d): %w", id, err)
	}
	ipfsHash := *abi.ConvertType(out[0], new(string)).(*string)
	author := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	createdAt := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	exists := *abi.ConvertType(out[3], new(bool)).(*bool)
	if !exists {
		return nil, ErrNoSuchBottle
	}
	return &OnChainBottle{
		ID:        id,
		IPFSHash:  ipfsHash,
		Author:    author.Hex(),
		CreatedAt: createdAt.Int64(),
	}, nil
}
