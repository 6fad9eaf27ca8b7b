package node

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/metrics"
	"github.com/mapprotocol/ori/rlp"
	"github.com/mapprotocol/ori/sync"
	"github.com/mapprotocol/ori/txpool"
)

// DefaultGasPrice and DefaultGas are the flat fee terms map_sendTransaction
// attaches to the balance.transfer it builds, since the JSON-RPC surface
// exposes no gas knobs of its own: map_sendTransaction only takes
// (from, to, value).
var (
	DefaultGasPrice = big.NewInt(1)
	DefaultGas      = uint64(21000)
)

// rpcRequest and rpcResponse are the node's JSON-RPC 2.0 envelope, the
// same shape the wire protocol's request/response methods mirror at the
// p2p layer: one method name, positional params, one result or error.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcServer is the node's JSON-RPC HTTP front-end: map_getHeaderByNumber,
// map_getBlock, map_getBlockByNumber, map_sendTransaction,
// map_getTransaction, map_getBalance, map_getChainStatus. It reads directly off the chain's persistent
// index and the pool's in-memory maps; it never touches the chain lock
// itself since Chain's own methods already serialize.
type rpcServer struct {
	addr   string
	chain  *chain.Chain
	pool   *txpool.Pool
	syncer *sync.Syncer

	signerKey  *secp256k1.PrivateKey
	signerAddr types.Address

	// metrics serves /metrics on the same HTTP listener as the JSON-RPC
	// endpoint, if set. nil disables metrics exposition (e.g. in tests).
	metrics *metrics.PrometheusExporter

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	logger   *log.Logger
}

// newRPCServer constructs the RPC front-end. keyHex, if non-empty, is the
// same `--key` seed material the node may use for proposing; reinterpreted
// here as a raw secp256k1 scalar, it gives map_sendTransaction a
// server-held signing identity distinct from the validator's VRF/Schnorr
// key, the way ExpandedSecretScalar already reuses one seed as two
// different algebraic structures.
func newRPCServer(addr string, c *chain.Chain, pool *txpool.Pool, keyHex string) (*rpcServer, error) {
	s := &rpcServer{
		addr:   addr,
		chain:  c,
		pool:   pool,
		logger: log.Default().Module("rpc"),
	}
	if keyHex == "" {
		return s, nil
	}
	seed, err := crypto.DecodeHexKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("rpc: decode --key: %w", err)
	}
	prv, err := crypto.Secp256k1KeyFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("rpc: parse --key as signing key: %w", err)
	}
	s.signerKey = prv
	s.signerAddr = crypto.AddressFromPubkey(prv.PubKey())
	return s, nil
}

// Start binds the HTTP listener and begins serving in the background.
// Binding happens synchronously so callers learn about a port conflict
// immediately, matching p2p.Server.Start's listen-then-serve split.
func (s *rpcServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	s.listener = ln
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rpc: serve error", "err", err)
		}
	}()
	return nil
}

// Stop closes the listener, ending the Serve goroutine.
func (s *rpcServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.listener = nil
	return err
}

func (s *rpcServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	writeJSON(w, s.dispatch(&req))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *rpcServer) dispatch(req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.call(req.Method, req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

func (s *rpcServer) call(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "map_getHeaderByNumber":
		var args [1]uint64
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		header, ok := s.chain.GetHeaderByNumber(args[0])
		if !ok {
			return nil, nil
		}
		return header, nil

	case "map_getBlock":
		var args [1]types.Hash
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		block, ok := s.chain.GetBlock(args[0])
		if !ok {
			return nil, nil
		}
		return block, nil

	case "map_getBlockByNumber":
		var args [1]uint64
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		block, ok := s.chain.GetBlockByNumber(args[0])
		if !ok {
			return nil, nil
		}
		return block, nil

	case "map_sendTransaction":
		var args struct {
			From  types.Address `json:"from"`
			To    types.Address `json:"to"`
			Value *big.Int      `json:"value"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		return s.sendTransaction(args.From, args.To, args.Value)

	case "map_getTransaction":
		var args [1]types.Hash
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		return s.getTransactionStatus(args[0]), nil

	case "map_getBalance":
		var args [1]types.Address
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("rpc: invalid params: %w", err)
		}
		account, err := s.chain.AccountAt(args[0])
		if err != nil {
			return nil, fmt.Errorf("rpc: load account: %w", err)
		}
		return account.Balance, nil

	case "map_getChainStatus":
		return s.chainStatus(), nil

	default:
		return nil, fmt.Errorf("rpc: method not found: %s", method)
	}
}

// transferArgs mirrors txpool's unexported balance.transfer call-data
// layout: the pool decodes the same shape back out of tx.Data to price
// pool admission against the sender's balance.
type transferArgs struct {
	Receiver types.Address
	Value    *big.Int
}

// sendTransaction builds, signs (with the server-held key for `from`) and
// pools a balance.transfer transaction, returning its hash.
func (s *rpcServer) sendTransaction(from, to types.Address, value *big.Int) (types.Hash, error) {
	if s.signerKey == nil {
		return types.Hash{}, fmt.Errorf("rpc: node has no --key configured for signing")
	}
	if from != s.signerAddr {
		return types.Hash{}, fmt.Errorf("rpc: no server-held key for sender %s", from.Hex())
	}
	if value == nil {
		value = new(big.Int)
	}

	account, err := s.chain.AccountAt(from)
	if err != nil {
		return types.Hash{}, fmt.Errorf("rpc: load sender account: %w", err)
	}

	data, err := rlp.EncodeToBytes(transferArgs{Receiver: to, Value: value})
	if err != nil {
		return types.Hash{}, err
	}

	tx := &types.Transaction{
		Sender:   from,
		Nonce:    account.Nonce + 1,
		GasPrice: new(big.Int).Set(DefaultGasPrice),
		Gas:      DefaultGas,
		Call:     []byte("balance.transfer"),
		Data:     data,
	}

	hash := tx.SigningHash(txpool.ChainID)
	sig, err := crypto.Sign(hash.Bytes(), s.signerKey)
	if err != nil {
		return types.Hash{}, fmt.Errorf("rpc: sign transaction: %w", err)
	}
	tx.Sign = types.Signature{
		R:      new(big.Int).SetBytes(sig[:32]),
		S:      new(big.Int).SetBytes(sig[32:64]),
		Pubkey: crypto.CompressPubkey(s.signerKey.PubKey()),
	}

	if err := s.pool.Add(tx); err != nil {
		return types.Hash{}, fmt.Errorf("rpc: pool rejected transaction: %w", err)
	}
	return tx.Hash(txpool.ChainID), nil
}

// chainStatusResult is the map_getChainStatus payload: enough for a
// client to judge sync progress without walking the block index itself.
type chainStatusResult struct {
	Height      uint64     `json:"height"`
	Head        types.Hash `json:"head"`
	Slot        uint64     `json:"slot"`
	StateRoot   types.Hash `json:"state_root"`
	Syncing     bool       `json:"syncing"`
	SyncPercent float64    `json:"sync_percent"`
}

// chainStatus reports the canonical head's height, hash, slot and state
// root plus whether a range sync is currently underway, the read-only
// counterpart of the wire protocol's Status handshake exposed over
// JSON-RPC.
func (s *rpcServer) chainStatus() chainStatusResult {
	head := s.chain.CurrentBlock()
	result := chainStatusResult{
		Height:    head.Header.Height,
		Head:      head.Hash(),
		Slot:      head.Header.Slot,
		StateRoot: head.Header.StateRoot,
	}
	if s.syncer != nil {
		result.Syncing = s.syncer.IsSyncing()
		result.SyncPercent = s.syncer.GetProgress().Percentage()
	}
	return result
}

// getTransactionStatus reports "pending", "queued", or "unknown". The
// chain's persistent index keys blocks by hash and height only; it
// keeps no transaction-hash lookup, so anything not presently pooled
// reads as unknown rather than walking every block to search for it.
func (s *rpcServer) getTransactionStatus(hash types.Hash) string {
	switch s.pool.Status(hash) {
	case txpool.StatusPending:
		return "pending"
	case txpool.StatusQueued:
		return "queued"
	default:
		return "unknown"
	}
}
