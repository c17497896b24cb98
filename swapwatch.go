// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package swapwatch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/swapwatch/swapwatch/build"
	"github.com/swapwatch/swapwatch/chainwatch"
	"github.com/swapwatch/swapwatch/chainwatch/bitcoindrpc"
	"github.com/swapwatch/swapwatch/monitoring"
	"github.com/swapwatch/swapwatch/signal"
	"github.com/swapwatch/swapwatch/watchset"
)

// Main is the true entry point for swapwatch. It connects to bitcoind, starts
// following the chain and logs every chain event until a shutdown is
// requested through the interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	err := logRotator.InitLogRotator(
		logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("unable to initialize log rotator: %w", err)
	}
	defer func() {
		swpwLog.Info("Shutdown complete")
		if err := logRotator.Close(); err != nil {
			fmt.Printf("unable to close log rotator: %v\n", err)
		}
	}()

	swpwLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)
	swpwLog.Infof("Active chain: %v", cfg.ActiveNetParams.Name)

	rpcClient, err := bitcoindrpc.New(&bitcoindrpc.Config{
		Host: cfg.Bitcoind.RPCHost,
		User: cfg.Bitcoind.RPCUser,
		Pass: cfg.Bitcoind.RPCPass,
	})
	if err != nil {
		return fmt.Errorf("unable to create bitcoind client: %w", err)
	}
	defer rpcClient.Stop()

	if err := rpcClient.CheckNetwork(cfg.ActiveNetParams); err != nil {
		return err
	}

	descs := cfg.zmqDescriptors()
	if cfg.ZMQDiscover {
		descs, err = rpcClient.GetZMQNotifications()
		if err != nil {
			return fmt.Errorf("unable to discover zmq endpoints: %w",
				err)
		}
		swpwLog.Infof("Discovered zmq endpoints: %v", descs)
	}

	exporter := monitoring.NewExporter(cfg.Prometheus)
	if cfg.Prometheus.Enable {
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				swpwLog.Errorf("Unable to stop prometheus "+
					"exporter: %v", err)
			}
		}()
	}

	watchSet := watchset.New()
	watchSet.AddInputs(cfg.watchInputs...)
	watchSet.AddOutputs(cfg.watchScripts...)
	swpwLog.Infof("Watching %d inputs and %d output scripts",
		watchSet.NumInputs(), watchSet.NumOutputs())

	watcher, err := chainwatch.New(chainwatch.Config{
		Backend:        rpcClient,
		WatchSet:       watchSet,
		Metrics:        chainwatch.NewMetrics(exporter.Registry()),
		ConnectTimeout: cfg.Bitcoind.ZMQConnectTimeout,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(descs); err != nil {
		return fmt.Errorf("unable to start chain watcher: %w", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			swpwLog.Errorf("Unable to stop chain watcher: %v", err)
		}
	}()

	healthMonitor := newHealthMonitor(
		cfg.HealthChecks.ChainCheck, rpcClient,
		interceptor.RequestShutdown,
	)
	if err := healthMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		if err := healthMonitor.Stop(); err != nil {
			swpwLog.Errorf("Unable to stop health monitor: %v", err)
		}
	}()

	var statusTicker ticker.Ticker
	if cfg.StatusInterval > 0 {
		statusTicker = ticker.New(cfg.StatusInterval)
	}

	done := make(chan struct{})
	defer close(done)
	go logEvents(watcher, statusTicker, done)

	if cfg.RescanFrom >= 0 {
		tip := watcher.BestBlock()
		swpwLog.Infof("Rescanning from height %d to %v",
			cfg.RescanFrom, tip)

		if err := watcher.Rescan(cfg.RescanFrom); err != nil {
			return fmt.Errorf("rescan failed: %w", err)
		}
	}

	swpwLog.Infof("Following chain from %v", watcher.BestBlock())

	<-interceptor.ShutdownChannel()
	return nil
}

// newHealthMonitor creates a monitor that requests shutdown once bitcoind
// stops answering. A check with zero attempts is disabled.
func newHealthMonitor(chainCheck *CheckConfig, backend chainwatch.ChainBackend,
	requestShutdown func()) *healthcheck.Monitor {

	var checks []*healthcheck.Observation

	if chainCheck.Attempts > 0 {
		checks = append(checks, healthcheck.NewObservation(
			"chain backend",
			func() error {
				_, err := backend.GetBlockchainInfo()
				return err
			},
			chainCheck.Interval, chainCheck.Timeout,
			chainCheck.Backoff, chainCheck.Attempts,
		))
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: checks,
		Shutdown: build.NewShutdownLogger(
			swpwLog, requestShutdown,
		).Criticalf,
	})
}

// chainStatus is the part of the chain watcher the event logger reads.
type chainStatus interface {
	Notifications() <-chan chainwatch.Event
	BestBlock() chainwatch.ChainTip
	NumPending() int
}

// logEvents logs every chain event until done is closed or the watcher
// closes its notification channel. On every tick of statusTicker, if set, it
// also logs the tip and the number of transactions awaiting confirmation.
func logEvents(watcher chainStatus, statusTicker ticker.Ticker,
	done <-chan struct{}) {

	var statusTicks <-chan time.Time
	if statusTicker != nil {
		statusTicker.Resume()
		defer statusTicker.Stop()

		statusTicks = statusTicker.Ticks()
	}

	events := watcher.Notifications()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}

			switch e := event.(type) {
			case chainwatch.BlockConnected:
				swpwLog.Infof("New chain tip: %v", e)

			case chainwatch.RelevantTx:
				swpwLog.Infof("Relevant transaction: %v", e)
			}

		case <-statusTicks:
			swpwLog.Infof("Chain tip %v, %d relevant transactions "+
				"awaiting confirmation", watcher.BestBlock(),
				watcher.NumPending())

		case <-done:
			return
		}
	}
}
