// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrjson/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	chainjson "github.com/decred/dcrd/rpc/jsonrpc/types/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
)

const (
	// rpcCallTimeout is the maximum duration of a single chain query.
	rpcCallTimeout = 10 * time.Second

	// blockCacheSize is the number of main chain blocks remembered by
	// height and by hash.
	blockCacheSize = 4096

	// tipPollInterval is how often the chain tip is refreshed.
	tipPollInterval = 5 * time.Second
)

// chainClient is the subset of the dcrd RPC client used by the chain view.
type chainClient interface {
	GetBlockChainInfo(ctx context.Context) (*chainjson.GetBlockChainInfoResult, error)
	GetBlockHash(ctx context.Context, blockHeight int64) (*chainhash.Hash, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlock(ctx context.Context, blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	RawRequest(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
}

// Ensure the RPC client provides the queries the chain view makes.
var _ chainClient = (*rpcclient.Client)(nil)

// utxoEntry implements masternode.UtxoEntry for an output reported by the
// chain backend.
type utxoEntry struct {
	amount        int64
	scriptVersion uint16
	pkScript      []byte
	blockHeight   int64
}

func (e *utxoEntry) Amount() int64         { return e.amount }
func (e *utxoEntry) ScriptVersion() uint16 { return e.scriptVersion }
func (e *utxoEntry) PkScript() []byte      { return e.pkScript }
func (e *utxoEntry) BlockHeight() int64    { return e.blockHeight }

// rpcChain implements masternode.ChainView on top of the RPC server of a dcrd
// instance.  The tip is cached between refreshes so that the height queries
// the subsystems make do not hit the network.
type rpcChain struct {
	client chainClient

	byHeight *lru.Map[int64, masternode.BlockInfo]
	byHash   *lru.Map[chainhash.Hash, masternode.BlockInfo]

	mtx       sync.RWMutex
	tipHeight int64
	tipHash   chainhash.Hash
	current   bool
}

// Ensure rpcChain implements the masternode.ChainView interface.
var _ masternode.ChainView = (*rpcChain)(nil)

// newRPCChain returns a chain view backed by the client.  The tip is unknown
// until the first refresh.
func newRPCChain(client chainClient) *rpcChain {
	return &rpcChain{
		client:    client,
		byHeight:  lru.NewMap[int64, masternode.BlockInfo](blockCacheSize),
		byHash:    lru.NewMap[chainhash.Hash, masternode.BlockInfo](blockCacheSize),
		tipHeight: -1,
	}
}

// isBlockNotFound returns whether the error is the RPC server reporting an
// unknown block.
func isBlockNotFound(err error) bool {
	var rpcErr *dcrjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == dcrjson.ErrRPCBlockNotFound
}

// refresh queries the current tip and returns whether it changed.  Cached
// blocks are dropped when the new tip does not extend the previous one.
func (c *rpcChain) refresh(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	info, err := c.client.GetBlockChainInfo(ctx)
	if err != nil {
		return false, err
	}
	tipHash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return false, fmt.Errorf("invalid best block hash %q: %w",
			info.BestBlockHash, err)
	}
	header, err := c.client.GetBlockHeader(ctx, tipHash)
	if err != nil {
		return false, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.current = !info.InitialBlockDownload
	if *tipHash == c.tipHash {
		return false, nil
	}
	if c.tipHeight >= 0 && header.PrevBlock != c.tipHash {
		srvrLog.Debugf("Chain reorganized below %v (height %d)", c.tipHash,
			c.tipHeight)
		c.byHeight.Clear()
		c.byHash.Clear()
	}
	c.tipHeight = int64(header.Height)
	c.tipHash = *tipHash
	blk := masternode.BlockInfo{
		Hash:      *tipHash,
		Height:    int64(header.Height),
		Timestamp: header.Timestamp.Unix(),
	}
	c.byHeight.Put(blk.Height, blk)
	c.byHash.Put(blk.Hash, blk)
	return true, nil
}

// BestHeight returns the height of the cached chain tip.  It is -1 before the
// first refresh.
//
// This function is safe for concurrent access.
func (c *rpcChain) BestHeight() int64 {
	c.mtx.RLock()
	height := c.tipHeight
	c.mtx.RUnlock()
	return height
}

// IsCurrent returns whether the backend reported to be done with the initial
// block download as of the last refresh.
//
// This function is safe for concurrent access.
func (c *rpcChain) IsCurrent() bool {
	c.mtx.RLock()
	current := c.current
	c.mtx.RUnlock()
	return current
}

// BlockByHeight returns the main chain block at height.
//
// This function is safe for concurrent access.
func (c *rpcChain) BlockByHeight(height int64) (masternode.BlockInfo, error) {
	if height < 0 || height > c.BestHeight() {
		return masternode.BlockInfo{}, masternode.ErrBlockNotFound
	}
	if blk, ok := c.byHeight.Get(height); ok {
		return blk, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()
	hash, err := c.client.GetBlockHash(ctx, height)
	if err != nil {
		if isBlockNotFound(err) {
			return masternode.BlockInfo{}, masternode.ErrBlockNotFound
		}
		return masternode.BlockInfo{}, err
	}
	header, err := c.client.GetBlockHeader(ctx, hash)
	if err != nil {
		return masternode.BlockInfo{}, err
	}
	blk := masternode.BlockInfo{
		Hash:      *hash,
		Height:    height,
		Timestamp: header.Timestamp.Unix(),
	}
	c.byHeight.Put(height, blk)
	c.byHash.Put(blk.Hash, blk)
	return blk, nil
}

// BlockByHash returns the main chain block with the hash.  Blocks known to
// the backend that are not part of the main chain are reported as not found.
//
// This function is safe for concurrent access.
func (c *rpcChain) BlockByHash(hash *chainhash.Hash) (masternode.BlockInfo, error) {
	if blk, ok := c.byHash.Get(*hash); ok {
		return blk, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()
	header, err := c.client.GetBlockHeader(ctx, hash)
	if err != nil {
		if isBlockNotFound(err) {
			return masternode.BlockInfo{}, masternode.ErrBlockNotFound
		}
		return masternode.BlockInfo{}, err
	}
	blk, err := c.BlockByHeight(int64(header.Height))
	if err != nil {
		return masternode.BlockInfo{}, err
	}
	if blk.Hash != *hash {
		return masternode.BlockInfo{}, masternode.ErrBlockNotFound
	}
	return blk, nil
}

// FetchUtxoEntry returns the unspent output for the outpoint or nil when it
// does not exist or is spent.  Outputs only in the mempool are not reported.
//
// This function is safe for concurrent access.
func (c *rpcChain) FetchUtxoEntry(outpoint wire.OutPoint) (masternode.UtxoEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()

	// The request is made raw since the parameters include the tree of the
	// output.
	params := make([]json.RawMessage, 0, 4)
	for _, param := range []any{outpoint.Hash.String(), outpoint.Index,
		outpoint.Tree, false} {

		b, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		params = append(params, b)
	}
	raw, err := c.client.RawRequest(ctx, "gettxout", params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var res chainjson.GetTxOutResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if res.Confirmations <= 0 {
		return nil, nil
	}

	amount, err := dcrutil.NewAmount(res.Value)
	if err != nil {
		return nil, err
	}
	pkScript, err := hex.DecodeString(res.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid script of output %v: %w", outpoint,
			err)
	}

	// The confirmations are relative to the best block reported with them
	// which may be ahead of the cached tip.
	bestHeight, err := c.heightOf(ctx, res.BestBlock)
	if err != nil {
		return nil, err
	}
	return &utxoEntry{
		amount:        int64(amount),
		scriptVersion: uint16(res.ScriptPubKey.Version),
		pkScript:      pkScript,
		blockHeight:   bestHeight - res.Confirmations + 1,
	}, nil
}

// heightOf returns the height of the block with the hash in its string form.
func (c *rpcChain) heightOf(ctx context.Context, hashStr string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return 0, fmt.Errorf("invalid block hash %q: %w", hashStr, err)
	}
	c.mtx.RLock()
	tipHeight, tipHash := c.tipHeight, c.tipHash
	c.mtx.RUnlock()
	if tipHeight >= 0 && *hash == tipHash {
		return tipHeight, nil
	}
	if blk, ok := c.byHash.Get(*hash); ok {
		return blk.Height, nil
	}
	header, err := c.client.GetBlockHeader(ctx, hash)
	if err != nil {
		return 0, err
	}
	return int64(header.Height), nil
}

// CoinbaseOutputs returns the outputs of the coinbase transaction of the main
// chain block at height.
//
// This function is safe for concurrent access.
func (c *rpcChain) CoinbaseOutputs(height int64) ([]*wire.TxOut, error) {
	blk, err := c.BlockByHeight(height)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()
	block, err := c.client.GetBlock(ctx, &blk.Hash)
	if err != nil {
		return nil, err
	}
	if len(block.Transactions) == 0 {
		return nil, fmt.Errorf("block %v has no transactions", blk.Hash)
	}
	return block.Transactions[0].TxOut, nil
}

// tipListener is notified of new chain tips.
type tipListener interface {
	UpdatedBlockTip(height int64)
}

// pollTip refreshes the chain tip every tipPollInterval and notifies the
// listeners in order whenever it changes.  It returns when the context is
// canceled.
func (c *rpcChain) pollTip(ctx context.Context, listeners ...tipListener) {
	poll := func() {
		changed, err := c.refresh(ctx)
		if err != nil {
			if ctx.Err() == nil {
				srvrLog.Warnf("Unable to refresh chain tip: %v", err)
			}
			return
		}
		if !changed {
			return
		}
		height := c.BestHeight()
		srvrLog.Debugf("New chain tip at height %d", height)
		for _, l := range listeners {
			l.UpdatedBlockTip(height)
		}
	}

	poll()
	ticker := time.NewTicker(tipPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}
