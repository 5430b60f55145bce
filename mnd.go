// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/mnd/internal/activemn"
	"github.com/decred/mnd/internal/mnstore"
	"github.com/decred/mnd/internal/version"
)

var cfg *config

// newChainClient returns a client for the RPC server of the dcrd instance
// providing the block chain.
func newChainClient() (*rpcclient.Client, error) {
	var certs []byte
	if !cfg.NoRPCTLS {
		var err error
		certs, err = os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, fmt.Errorf("unable to read RPC certificate: %w", err)
		}
	}
	connCfg := &rpcclient.ConnConfig{
		Host:                 cfg.RPCServer,
		User:                 cfg.RPCUser,
		Pass:                 cfg.RPCPass,
		Certificates:         certs,
		DisableTLS:           cfg.NoRPCTLS,
		DisableAutoReconnect: false,
		HTTPPostMode:         true,
	}
	return rpcclient.New(connCfg, nil)
}

// mndMain is the real main function for mnd.  It is necessary to work around
// the fact that deferred functions do not run when os.Exit() is called.
func mndMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer mndLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	mndLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	mndLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		mndLog.Info("File logging disabled")
	}
	if cfg.Masternode {
		mndLog.Infof("Running masternode with operator key %x",
			cfg.operatorKey.PubKey().SerializeCompressed())
	}

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Connect to the chain backend.
	client, err := newChainClient()
	if err != nil {
		mndLog.Errorf("Unable to connect to dcrd: %v", err)
		return err
	}
	defer func() {
		client.Shutdown()
		client.WaitForShutdown()
	}()
	chain := newRPCChain(client)

	// Load the masternode database.
	store, err := mnstore.Open(cfg.params.Net, cfg.DataDir)
	if err != nil {
		mndLog.Errorf("%v", err)
		return err
	}
	defer func() {
		mndLog.Infof("Gracefully shutting down the masternode database...")
		store.Close()
	}()

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// The wallet must remain a nil interface when no collateral key is
	// configured.
	var wallet activemn.Wallet
	if cfg.collateralKey != nil {
		wallet = newCollateralWallet(chain, *cfg.collateral,
			cfg.collateralKey)
	}

	// Create server.
	svr, err := newServer(ctx, chain, store, wallet)
	if err != nil {
		mndLog.Errorf("Unable to start server: %v", err)
		return err
	}

	if shutdownRequested(ctx) {
		return nil
	}

	// Run the server.  This will block until the context is cancelled which
	// happens when the interrupt signal is received from an OS signal.
	svr.Run(ctx)
	srvrLog.Infof("Server shutdown complete")
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := mndMain(); err != nil {
		os.Exit(1)
	}
}
