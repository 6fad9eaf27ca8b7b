package node

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"

	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/kvdb"
	"github.com/mapprotocol/ori/txpool"
)

func newTestRPCServer(t *testing.T) *rpcServer {
	t.Helper()
	c, err := chain.Open(kvdb.NewMemoryDB())
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	pool := txpool.NewPool(c)
	s, err := newRPCServer("127.0.0.1:0", c, pool, "")
	if err != nil {
		t.Fatalf("newRPCServer: %v", err)
	}
	return s
}

func rpcCall(t *testing.T, s *rpcServer, method string, params interface{}) *rpcResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return s.dispatch(&rpcRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: json.RawMessage("1")})
}

func TestRPCGetHeaderAndBlockByNumber(t *testing.T) {
	s := newTestRPCServer(t)

	resp := rpcCall(t, s, "map_getHeaderByNumber", [1]uint64{0})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected genesis header, got nil")
	}

	resp = rpcCall(t, s, "map_getBlockByNumber", [1]uint64{0})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected genesis block, got nil")
	}

	resp = rpcCall(t, s, "map_getBlockByNumber", [1]uint64{99})
	if resp.Error != nil {
		t.Fatalf("unexpected error for missing block: %v", resp.Error)
	}
	if resp.Result != nil {
		t.Fatalf("expected nil result for unknown height, got %v", resp.Result)
	}
}

func TestRPCGetBlockByHash(t *testing.T) {
	s := newTestRPCServer(t)
	genesis := s.chain.CurrentBlock()

	resp := rpcCall(t, s, "map_getBlock", [1]types.Hash{genesis.Hash()})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected genesis block by hash, got nil")
	}
}

func TestRPCGetChainStatus(t *testing.T) {
	s := newTestRPCServer(t)
	genesis := s.chain.CurrentBlock()

	resp := rpcCall(t, s, "map_getChainStatus", []interface{}{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	status, ok := resp.Result.(chainStatusResult)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	if status.Height != 0 || status.Head != genesis.Hash() {
		t.Errorf("status = %+v, want height 0, head %s", status, genesis.Hash())
	}
}

func TestRPCGetBalance(t *testing.T) {
	s := newTestRPCServer(t)
	fundedAddr := types.BytesToAddress([]byte("genesis-funded-account"))

	resp := rpcCall(t, s, "map_getBalance", [1]types.Address{fundedAddr})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	bal, ok := resp.Result.(*big.Int)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	if bal.Sign() <= 0 {
		t.Errorf("expected the genesis-funded account to carry a positive balance, got %s", bal)
	}
}

func TestRPCSendTransactionRequiresKey(t *testing.T) {
	s := newTestRPCServer(t)
	from := types.BytesToAddress([]byte("genesis-funded-account"))
	to := types.BytesToAddress([]byte("recipient"))

	resp := rpcCall(t, s, "map_sendTransaction", map[string]interface{}{
		"from":  from,
		"to":    to,
		"value": 1,
	})
	if resp.Error == nil {
		t.Fatal("expected error: no --key configured")
	}
}

func TestRPCSendTransactionAndStatus(t *testing.T) {
	s := newTestRPCServer(t)

	prv, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key: %v", err)
	}
	s.signerKey = prv
	s.signerAddr = crypto.AddressFromPubkey(prv.PubKey())

	resp := rpcCall(t, s, "map_sendTransaction", map[string]interface{}{
		"from":  s.signerAddr,
		"to":    types.BytesToAddress([]byte("recipient")),
		"value": 0,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	hashHex, ok := resp.Result.(types.Hash)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}

	resp = rpcCall(t, s, "map_getTransaction", [1]types.Hash{hashHex})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result != "pending" && resp.Result != "queued" {
		t.Errorf("status = %v, want pending or queued", resp.Result)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	s := newTestRPCServer(t)
	resp := rpcCall(t, s, "map_doesNotExist", []interface{}{})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestRPCHandleRejectsNonPost(t *testing.T) {
	s := newTestRPCServer(t)
	req, _ := http.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
	rec := newRecorder()
	s.handle(rec, req)
	if rec.status != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.status, http.StatusMethodNotAllowed)
	}
}

// recorder is a minimal http.ResponseWriter for exercising handle().
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder { return &recorder{header: http.Header{}, status: http.StatusOK} }

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *recorder) WriteHeader(status int)      { r.status = status }
