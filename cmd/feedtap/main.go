// feedtap connects a single account's WebSocket feed to the exchange and
// streams parsed frames to the console, bypassing the cache and broadcast
// hub entirely. Useful for diagnosing one account's subscription behavior
// in isolation.
//
// Environment variables (values matching the account's Lighter_<n>_*
// block): LIGHTERFEED_PRIVATE_KEY_PATH (required), LIGHTERFEED_ACCOUNT_ID
// (required unless -account is given), LIGHTERFEED_API_KEY_INDEX (0 when
// unset or unparsable).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/auth"
	"github.com/lighterfeed/lighterfeed/internal/config"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/wsconn"
)

func main() {
	accountID := flag.Int("account", 0, "account index to tap")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	wsURL := flag.String("ws-url", config.DefaultLighterWSURL, "exchange WebSocket URL")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if *accountID == 0 {
		if v := os.Getenv("LIGHTERFEED_ACCOUNT_ID"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				logger.Error("invalid LIGHTERFEED_ACCOUNT_ID", "error", err)
				os.Exit(1)
			}
			*accountID = id
		}
	}
	if *accountID == 0 {
		logger.Error("an account id is required via -account or LIGHTERFEED_ACCOUNT_ID")
		os.Exit(1)
	}

	apiKeyIndex, _ := strconv.Atoi(os.Getenv("LIGHTERFEED_API_KEY_INDEX"))
	keyPath := os.Getenv("LIGHTERFEED_PRIVATE_KEY_PATH")
	if keyPath == "" {
		logger.Error("LIGHTERFEED_PRIVATE_KEY_PATH is required")
		os.Exit(1)
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		logger.Error("failed to read private key", "path", keyPath, "error", err)
		os.Exit(1)
	}
	privateKey, err := auth.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		logger.Error("failed to parse private key", "error", err)
		os.Exit(1)
	}

	minter := auth.NewMinter([]*auth.Credentials{{
		AccountID:   *accountID,
		APIKeyIndex: apiKeyIndex,
		PrivateKey:  privateKey,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	printer := &consolePrinter{verbose: *verbose}

	conn, err := wsconn.New(wsconn.Config{
		AccountID:   *accountID,
		AccountName: fmt.Sprintf("tap-%d", *accountID),
		WSURL:       *wsURL,
		Minter:      minter,
		Handler:     printer,
		ErrorLog:    errorlog.New(),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to build ws connector", "error", err)
		os.Exit(1)
	}

	logger.Info("tapping account", "account_id", *accountID, "ws_url", *wsURL)
	conn.Start(ctx)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := conn.State()
				logger.Info("tap stats",
					"connected", st.Connected,
					"total_messages", st.TotalMessages,
					"reconnect_count", st.ReconnectCount,
				)
			}
		}
	}()

	<-ctx.Done()
	conn.Stop()
	logger.Info("feedtap stopped")
}

// consolePrinter is a no-op merge callback that prints every frame instead
// of writing it to the cache.
type consolePrinter struct {
	verbose bool
}

func (p *consolePrinter) Handle(accountID int, channel string, frame model.RawValue) error {
	if p.verbose {
		data, _ := json.MarshalIndent(frame.Interface(), "", "  ")
		fmt.Printf("[%s] %s\n", channel, data)
	} else {
		fmt.Printf("[%s] account=%d\n", channel, accountID)
	}
	return nil
}
