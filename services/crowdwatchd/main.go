package crowdwatchd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"crowdwatch/ledger"
	"crowdwatch/observability/logging"
	"crowdwatch/session"
)

// Main initialises and runs the crowdwatch daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/crowdwatchd/config.yaml", "path to crowdwatchd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CROWDWATCH_ENV"))
	logger := logging.Setup("crowdwatchd", env)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signer, err := ledger.NewKeySigner(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	identity := signer.Address()
	if strings.TrimSpace(cfg.Identity) != "" {
		identity = common.HexToAddress(cfg.Identity)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc endpoint: %w", err)
	}
	defer node.Close()

	streamer, err := ethclient.DialContext(ctx, cfg.WSURL)
	if err != nil {
		return fmt.Errorf("dial stream endpoint: %w", err)
	}
	defer streamer.Close()

	fee, err := ledger.ParseAmount(cfg.CreationFee)
	if err != nil {
		return fmt.Errorf("creation fee: %w", err)
	}

	gw := ledger.NewGateway(common.HexToAddress(cfg.Contract), node, streamer, signer, logger)
	core, err := session.Start(ctx, session.Config{
		Reader:      gw,
		Writer:      gw,
		Subscriber:  gw,
		Admin:       common.HexToAddress(cfg.AdminAddress),
		CreationFee: fee,
		Identity:    identity,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer core.Teardown()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewServer(core, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress, "contract", cfg.Contract, "identity", identity.Hex())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	core.Teardown()
	return nil
}
