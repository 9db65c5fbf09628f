package bridged

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/devnet"
	"github.com/jingzhongxu/ladder/pkg/ledger/devledger"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	devLedgerListenAddr    *string
	devLedgerValidators    *[]string
	devNumValidators       *uint
	devLedgerDataDir       *string
	devLedgerCmdThreshold  *int
	devLedgerCmdBlockTime  *time.Duration
	devLedgerCmdLogLevel   *string
	devLedgerCmdUnsafeMode *bool
)

func init() {
	devLedgerListenAddr = DevLedgerCmd.Flags().String("listenAddr", "[::]:9944", "Listen address of the JSON-RPC endpoint (HTTP and websocket)")
	devLedgerValidators = DevLedgerCmd.Flags().StringSlice("validator", nil, "Validator account address (repeatable, defaults to the devnet accounts)")
	devNumValidators = DevLedgerCmd.Flags().Uint("devNumValidators", 1, "Number of devnet accounts in the validator set when no --validator is given")
	devLedgerDataDir = DevLedgerCmd.Flags().String("dataDir", "", "Directory persisting attestation records (in memory if blank)")
	devLedgerCmdThreshold = DevLedgerCmd.Flags().Int("threshold", attestation.DefaultThreshold, "Attestations required to confirm a message")
	devLedgerCmdBlockTime = DevLedgerCmd.Flags().Duration("blockTime", time.Second, "Block time")
	devLedgerCmdLogLevel = DevLedgerCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	devLedgerCmdUnsafeMode = DevLedgerCmd.Flags().Bool("unsafeDevMode", false, "Acknowledge that the development ledger is insecure (required)")
}

// DevLedgerCmd runs a standalone development ledger for local devnets.
var DevLedgerCmd = &cobra.Command{
	Use:   "devledger",
	Short: "Run a single-process development ledger with the bridge attestation module",
	Run:   runDevLedger,
}

func devLedgerValidatorSet() ([]ethcommon.Address, error) {
	if len(*devLedgerValidators) == 0 {
		vals := make([]ethcommon.Address, 0, *devNumValidators)
		for i := uint(0); i < *devNumValidators; i++ {
			vals = append(vals, ethcrypto.PubkeyToAddress(devnet.AccountKey(uint64(i)).PublicKey))
		}
		return vals, nil
	}
	vals := make([]ethcommon.Address, 0, len(*devLedgerValidators))
	for _, v := range *devLedgerValidators {
		if !ethcommon.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid validator address %q", v)
		}
		vals = append(vals, ethcommon.HexToAddress(v))
	}
	return vals, nil
}

func runDevLedger(cmd *cobra.Command, args []string) {
	if !*devLedgerCmdUnsafeMode {
		fmt.Println("the development ledger requires --unsafeDevMode")
		os.Exit(1)
	}
	fmt.Print(devwarning)

	logger, err := newLogger(*devLedgerCmdLogLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	validators, err := devLedgerValidatorSet()
	if err != nil {
		logger.Fatal("invalid validator set", zap.Error(err))
	}

	cfg := devledger.Config{Validators: validators, Threshold: *devLedgerCmdThreshold}
	if *devLedgerDataDir != "" {
		database := db.OpenDb(logger, devLedgerDataDir)
		defer database.Close()
		cfg.Store = database.AttestationStore()
	}

	l, err := devledger.New(logger.Named("devledger"), cfg)
	if err != nil {
		logger.Fatal("failed to create development ledger", zap.Error(err))
	}
	srv, err := devledger.NewServer(l)
	if err != nil {
		logger.Fatal("failed to create RPC server", zap.Error(err))
	}
	defer srv.Stop()

	genesis, _ := l.GenesisHash(context.Background())
	logger.Info("development ledger ready",
		zap.Stringer("genesis", genesis),
		zap.Int("validators", len(validators)),
		zap.Int("threshold", l.Keeper().Threshold()))

	// Subscriptions are long-lived, so the server carries no write timeout.
	server := &http.Server{
		Addr:              *devLedgerListenAddr,
		Handler:           devledger.Handler(srv),
		ReadHeaderTimeout: time.Second, // SECURITY defense against Slowloris Attack
	}

	rootCtx, rootCtxCancel = context.WithCancel(context.Background())
	defer rootCtxCancel()

	supervisor.New(rootCtx, logger, func(ctx context.Context) error {
		if err := supervisor.Run(ctx, "blocks", l.Run(*devLedgerCmdBlockTime)); err != nil {
			return err
		}
		if err := supervisor.Run(ctx, "rpc", supervisor.HTTPServer(server)); err != nil {
			return err
		}
		logger.Info("Started internal services", zap.String("listenAddr", *devLedgerListenAddr))
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		<-ctx.Done()
		return nil
	}, supervisor.WithPropagatePanic)

	<-rootCtx.Done()
}
