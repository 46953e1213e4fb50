package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// Backend is the subset of the JSON-RPC client the ledger needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthConfig configures an EthLedger.
type EthConfig struct {
	Contract   common.Address
	PrivateKey *ecdsa.PrivateKey
	ChainID    *big.Int
	GasLimit   uint64
	// GasPrice is used for every transaction. When nil the node is asked.
	GasPrice *big.Int
	// ConfirmTimeout bounds the wait for a receipt after submission.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// StartBlock is the first block scanned on replay, usually the deployment block.
	StartBlock uint64
	// LogRange is the maximum block span of one log query.
	LogRange uint64
	// ReplayConfirmations is how far behind head a block must be before its
	// events are cached.
	ReplayConfirmations uint64
}

// EthLedger records certificates in an EVM registry contract.
type EthLedger struct {
	backend  Backend
	cfg      EthConfig
	abi      abi.ABI
	from     common.Address
	signer   types.Signer
	issuedID common.Hash
	indexed  abi.Arguments

	nonceMu    sync.Mutex
	nonce      uint64
	nonceKnown bool

	replayMu  sync.Mutex
	cache     []certificate.LedgerRecord
	nextBlock uint64
}

// DialEthLedger connects to a JSON-RPC endpoint and creates an EthLedger. The
// chain id is read from the node when the config does not set one.
func DialEthLedger(ctx context.Context, rpcURL string, cfg EthConfig) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		cfg.ChainID = chainID
	}
	return NewEthLedger(client, cfg)
}

// NewEthLedger creates an EthLedger over an existing backend.
func NewEthLedger(backend Backend, cfg EthConfig) (*EthLedger, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 4_000_000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LogRange == 0 {
		cfg.LogRange = 5000
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	event := parsed.Events[eventIssued]
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	return &EthLedger{
		backend:   backend,
		cfg:       cfg,
		abi:       parsed,
		from:      crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		issuedID:  event.ID,
		indexed:   indexed,
		nextBlock: cfg.StartBlock,
	}, nil
}

// Address is the account that signs appends; it is recorded as issuedBy.
func (l *EthLedger) Address() common.Address {
	return l.from
}

// certInfo mirrors the Certificate struct returned by verifyCertificate.
type certInfo struct {
	CertHash  string
	IssuedTo  common.Address
	IssuedBy  common.Address
	Timestamp *big.Int
}

type issuedEvent struct {
	CertHash  string
	IssuedTo  common.Address
	IssuedBy  common.Address
	Timestamp *big.Int
}

func (l *EthLedger) Exists(ctx context.Context, fp certificate.Fingerprint) (certificate.LedgerRecord, bool, error) {
	data, err := l.abi.Pack(methodVerify, string(fp))
	if err != nil {
		return certificate.LedgerRecord{}, false, fmt.Errorf("%w: failed to pack query: %v", certificate.ErrLedgerRejected, err)
	}

	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.cfg.Contract, Data: data}, nil)
	if err != nil {
		return certificate.LedgerRecord{}, false, fmt.Errorf("%w: verify call: %v", certificate.ErrLedgerUnavailable, err)
	}

	values, err := l.abi.Unpack(methodVerify, out)
	if err != nil {
		return certificate.LedgerRecord{}, false, fmt.Errorf("%w: malformed verify response: %v", certificate.ErrLedgerUnavailable, err)
	}
	valid, _ := values[0].(bool)
	if !valid {
		return certificate.LedgerRecord{}, false, nil
	}
	info := *abi.ConvertType(values[1], new(certInfo)).(*certInfo)
	if info.CertHash != string(fp) {
		return certificate.LedgerRecord{}, false, fmt.Errorf("%w: malformed verify response: record for %q returned for %q", certificate.ErrLedgerUnavailable, info.CertHash, fp)
	}

	rec := certificate.LedgerRecord{
		Fingerprint: fp,
		IssuedTo:    info.IssuedTo.Hex(),
		IssuedBy:    info.IssuedBy.Hex(),
	}
	if info.Timestamp != nil {
		rec.Timestamp = info.Timestamp.Int64()
	}
	return rec, true, nil
}

// ValidateRecipient rejects an issuedTo the contract cannot take.
func (l *EthLedger) ValidateRecipient(issuedTo string) error {
	if !common.IsHexAddress(issuedTo) {
		return fmt.Errorf("%w: issuedTo %q is not an address", certificate.ErrLedgerRejected, issuedTo)
	}
	return nil
}

func (l *EthLedger) Append(ctx context.Context, fp certificate.Fingerprint, issuedTo, issuedBy string) (certificate.LedgerRecord, error) {
	if err := l.ValidateRecipient(issuedTo); err != nil {
		return certificate.LedgerRecord{}, err
	}
	if issuedBy != "" && !strings.EqualFold(issuedBy, l.from.Hex()) {
		return certificate.LedgerRecord{}, fmt.Errorf("%w: signer %s cannot issue as %s", certificate.ErrLedgerRejected, l.from.Hex(), issuedBy)
	}

	data, err := l.abi.Pack(methodIssue, string(fp), common.HexToAddress(issuedTo))
	if err != nil {
		return certificate.LedgerRecord{}, fmt.Errorf("%w: failed to pack issue call: %v", certificate.ErrLedgerRejected, err)
	}

	tx, err := l.submit(ctx, data)
	if err != nil {
		return certificate.LedgerRecord{}, err
	}
	txRef := tx.Hash().Hex()
	slog.Info("submitted tx", "tx", txRef, "nonce", tx.Nonce(), "hash", fp)

	receipt, err := l.waitMined(ctx, tx.Hash())
	if err != nil {
		return certificate.LedgerRecord{}, &certificate.TxError{
			TxRef: txRef,
			Err:   fmt.Errorf("%w: no receipt within %s: %v", certificate.ErrLedgerTimeout, l.cfg.ConfirmTimeout, err),
		}
	}
	slog.Info("tx mined", "tx", txRef, "block", receipt.BlockNumber, "status", receipt.Status)

	if receipt.Status != types.ReceiptStatusSuccessful {
		if _, found, qerr := l.Exists(ctx, fp); qerr == nil && found {
			return certificate.LedgerRecord{}, &certificate.TxError{TxRef: txRef, Err: fmt.Errorf("%w: %s", certificate.ErrDuplicateFingerprint, fp)}
		}
		return certificate.LedgerRecord{}, &certificate.TxError{
			TxRef: txRef,
			Err:   fmt.Errorf("%w: transaction reverted in block %s", certificate.ErrLedgerRejected, receipt.BlockNumber),
		}
	}

	for _, lg := range receipt.Logs {
		if lg.Address != l.cfg.Contract || len(lg.Topics) == 0 || lg.Topics[0] != l.issuedID {
			continue
		}
		rec, err := l.decodeIssued(*lg)
		if err != nil {
			slog.Warn("failed to decode issue event", "tx", txRef, "err", err)
			continue
		}
		if rec.Fingerprint == fp {
			return rec, nil
		}
	}

	// Confirmed, but the event is missing from the receipt: read the record back.
	rec, found, err := l.Exists(ctx, fp)
	if err != nil || !found {
		slog.Warn("confirmed append could not be read back", "tx", txRef, "err", err)
		return certificate.LedgerRecord{Fingerprint: fp, IssuedTo: common.HexToAddress(issuedTo).Hex(), IssuedBy: l.from.Hex()}, nil
	}
	return rec, nil
}

// submit assigns a nonce and sends the transaction. Only this step is
// serialised; confirmation waits run concurrently.
func (l *EthLedger) submit(ctx context.Context, data []byte) (*types.Transaction, error) {
	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	if !l.nonceKnown {
		nonce, err := l.backend.PendingNonceAt(ctx, l.from)
		if err != nil {
			return nil, fmt.Errorf("%w: nonce lookup: %v", certificate.ErrLedgerUnavailable, err)
		}
		l.nonce = nonce
		l.nonceKnown = true
	}

	gasPrice := l.cfg.GasPrice
	if gasPrice == nil {
		suggested, err := l.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: gas price: %v", certificate.ErrLedgerUnavailable, err)
		}
		gasPrice = suggested
	}

	contract := l.cfg.Contract
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    l.nonce,
		GasPrice: gasPrice,
		Gas:      l.cfg.GasLimit,
		To:       &contract,
		Data:     data,
	}), l.signer, l.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign: %v", certificate.ErrLedgerRejected, err)
	}

	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		return nil, l.classifySendError(tx, err)
	}
	l.nonce++
	return tx, nil
}

// classifySendError maps a send failure. A JSON-RPC error means the node
// answered and refused the transaction; anything else may have happened after
// the node accepted it, so the outcome is unknown.
func (l *EthLedger) classifySendError(tx *types.Transaction, err error) error {
	txRef := tx.Hash().Hex()
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		l.nonceKnown = false
		return &certificate.TxError{TxRef: txRef, Err: fmt.Errorf("%w: send: %v", certificate.ErrLedgerTimeout, err)}
	}

	msg := strings.ToLower(rpcErr.Error())
	switch {
	case strings.Contains(msg, "already known"):
		// Surfaced as ambiguous; the pending tx is found again on reconciliation.
		l.nonce++
		return &certificate.TxError{TxRef: txRef, Err: fmt.Errorf("%w: %v", certificate.ErrLedgerTimeout, err)}
	case strings.Contains(msg, "nonce too low"):
		l.nonceKnown = false
		return fmt.Errorf("%w: %v", certificate.ErrLedgerUnavailable, err)
	default:
		l.nonceKnown = false
		return &certificate.TxError{TxRef: txRef, Err: fmt.Errorf("%w: %v", certificate.ErrLedgerRejected, err)}
	}
}

func (l *EthLedger) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			slog.Debug("receipt lookup failed, retrying", "tx", txHash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TxStatus reports whether the transaction txRef was mined and succeeded.
func (l *EthLedger) TxStatus(ctx context.Context, txRef string) (certificate.TxStatus, error) {
	receipt, err := l.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return certificate.TxNotFound, nil
	}
	if err != nil {
		return certificate.TxNotFound, fmt.Errorf("%w: receipt %s: %v", certificate.ErrLedgerUnavailable, txRef, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return certificate.TxReverted, nil
	}
	return certificate.TxCommitted, nil
}

// ReplayAll returns every CertificateIssued record. Events up to
// head-ReplayConfirmations are cached; the rest are re-read on every call.
// The cache lock is not held across log queries.
func (l *EthLedger) ReplayAll(ctx context.Context) ([]certificate.LedgerRecord, error) {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", certificate.ErrLedgerUnavailable, err)
	}

	l.replayMu.Lock()
	cached := l.cache[:len(l.cache):len(l.cache)]
	next := l.nextBlock
	l.replayMu.Unlock()

	out := make([]certificate.LedgerRecord, len(cached), len(cached)+8)
	copy(out, cached)

	from := next
	if head >= l.cfg.ReplayConfirmations {
		stable := head - l.cfg.ReplayConfirmations
		if stable >= next {
			fresh, err := l.fetchRange(ctx, next, stable)
			if err != nil {
				return nil, err
			}
			l.replayMu.Lock()
			if l.nextBlock == next {
				l.cache = append(l.cache, fresh...)
				l.nextBlock = stable + 1
			}
			l.replayMu.Unlock()
			out = append(out, fresh...)
			from = stable + 1
		}
	}

	if head >= from {
		tail, err := l.fetchRange(ctx, from, head)
		if err != nil {
			return nil, err
		}
		out = append(out, tail...)
	}
	slog.Debug("replayed ledger", "head", head, "records", len(out))
	return out, nil
}

func (l *EthLedger) fetchRange(ctx context.Context, from, to uint64) ([]certificate.LedgerRecord, error) {
	var out []certificate.LedgerRecord
	for start := from; start <= to; start += l.cfg.LogRange {
		end := min(start+l.cfg.LogRange-1, to)
		logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{l.cfg.Contract},
			Topics:    [][]common.Hash{{l.issuedID}},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: logs %d-%d: %v", certificate.ErrLedgerUnavailable, start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			rec, err := l.decodeIssued(lg)
			if err != nil {
				slog.Warn("skipping undecodable event", "tx", lg.TxHash.Hex(), "err", err)
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *EthLedger) decodeIssued(lg types.Log) (certificate.LedgerRecord, error) {
	if len(lg.Topics) != len(l.indexed)+1 {
		return certificate.LedgerRecord{}, fmt.Errorf("unexpected topic count %d", len(lg.Topics))
	}
	var ev issuedEvent
	if err := l.abi.UnpackIntoInterface(&ev, eventIssued, lg.Data); err != nil {
		return certificate.LedgerRecord{}, err
	}
	if err := abi.ParseTopics(&ev, l.indexed, lg.Topics[1:]); err != nil {
		return certificate.LedgerRecord{}, err
	}
	rec := certificate.LedgerRecord{
		Fingerprint: certificate.Fingerprint(ev.CertHash),
		IssuedTo:    ev.IssuedTo.Hex(),
		IssuedBy:    ev.IssuedBy.Hex(),
	}
	if ev.Timestamp != nil {
		rec.Timestamp = ev.Timestamp.Int64()
	}
	return rec, nil
}

// Ping checks that the node answers.
func (l *EthLedger) Ping(ctx context.Context) error {
	if _, err := l.backend.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: %v", certificate.ErrLedgerUnavailable, err)
	}
	return nil
}
