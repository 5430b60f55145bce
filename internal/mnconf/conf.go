// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnconf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

// DefaultFilename is the name of the definition file in the data directory.
const DefaultFilename = "masternode.conf"

// header is written to a definition file that does not exist.
const header = "# Masternode config file\n" +
	"# Format: alias IP:port masternode_privatekey collateral_output_txid " +
	"collateral_output_index\n" +
	"# Example: mn1 127.0.0.1:19108 " +
	"PmQdNpU6JiqM4C9wafxXRxRhHApSxAsWvYiof1YGyeB8WtTvyoFEZ " +
	"2bcd3c84c84f87eaa86e4e56834c92927a07f9e18718810b92e0d0324456a67c 1\n"

// Entry is a masternode defined in the file.
type Entry struct {
	Alias       string
	Addr        netip.AddrPort
	PrivKey     string
	TxHash      chainhash.Hash
	OutputIndex uint32
}

// Outpoint returns the collateral outpoint of the masternode.
func (e *Entry) Outpoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  e.TxHash,
		Index: e.OutputIndex,
		Tree:  wire.TxTreeRegular,
	}
}

// OperatorKey decodes the operator private key of the masternode for the
// network.
func (e *Entry) OperatorKey(params *chaincfg.Params) (*secp256k1.PrivateKey, error) {
	return DecodePrivateKey(e.PrivKey, params.PrivateKeyID)
}

// mainNetPort returns the default port of the main network.
func mainNetPort() uint16 {
	port, _ := strconv.ParseUint(chaincfg.MainNetParams().DefaultPort, 10, 16)
	return uint16(port)
}

// parseLine parses a single definition.
func parseLine(fields []string, params *chaincfg.Params, lineNum int, line string) (Entry, error) {
	if len(fields) < 5 {
		str := "could not parse masternode definition"
		return Entry{}, parseError(ErrMalformedLine, str, lineNum, line)
	}

	addr, err := netip.ParseAddrPort(fields[1])
	if err != nil || addr.Port() == 0 {
		str := fmt.Sprintf("failed to parse IP:port string %q", fields[1])
		return Entry{}, parseError(ErrInvalidAddr, str, lineNum, line)
	}
	mainPort := mainNetPort()
	switch {
	case params.Net == wire.MainNet && addr.Port() != mainPort:
		str := fmt.Sprintf("invalid port %d (must be %d for mainnet)",
			addr.Port(), mainPort)
		return Entry{}, parseError(ErrInvalidPort, str, lineNum, line)
	case params.Net != wire.MainNet && addr.Port() == mainPort:
		str := fmt.Sprintf("invalid port %d (%d could be used only on "+
			"mainnet)", addr.Port(), mainPort)
		return Entry{}, parseError(ErrInvalidPort, str, lineNum, line)
	}

	txHash, err := chainhash.NewHashFromStr(fields[3])
	if err != nil || len(fields[3]) != chainhash.MaxHashStringSize {
		str := fmt.Sprintf("invalid collateral transaction hash %q", fields[3])
		return Entry{}, parseError(ErrInvalidTxHash, str, lineNum, line)
	}
	index, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		str := fmt.Sprintf("invalid collateral output index %q", fields[4])
		return Entry{}, parseError(ErrInvalidIndex, str, lineNum, line)
	}

	return Entry{
		Alias:       fields[0],
		Addr:        addr,
		PrivKey:     fields[2],
		TxHash:      *txHash,
		OutputIndex: uint32(index),
	}, nil
}

// Parse parses the definitions read from r for the network.  Parsing stops
// at the first line that is invalid.
func Parse(r io.Reader, params *chaincfg.Params) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		entry, err := parseLine(fields, params, lineNum, line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Read parses the definition file at path for the network.  A file with a
// commented header is created when it does not exist, in which case there
// are no definitions.
func Read(path string, params *chaincfg.Params) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(header), 0600); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, params)
}

// Find returns the entry with the alias.
func Find(entries []Entry, alias string) (Entry, bool) {
	for _, entry := range entries {
		if entry.Alias == alias {
			return entry, true
		}
	}
	return Entry{}, false
}
