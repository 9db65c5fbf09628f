package bridged

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	_ "net/http/pprof" // #nosec G108 we are using a custom router (`router := mux.NewRouter()`) and thus not automatically expose pprof.
	"os"
	"time"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/devnet"
	"github.com/jingzhongxu/ladder/pkg/ledger"
	"github.com/jingzhongxu/ladder/pkg/ledger/devledger"
	"github.com/jingzhongxu/ladder/pkg/node"
	"github.com/jingzhongxu/ladder/pkg/oracle"
	"github.com/jingzhongxu/ladder/pkg/sender"
	"github.com/jingzhongxu/ladder/pkg/submitter"
	"github.com/jingzhongxu/ladder/pkg/supervisor"
	"github.com/jingzhongxu/ladder/pkg/version"
	"github.com/jingzhongxu/ladder/pkg/watchers/evm"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFilePath *string
	environment    *string

	statusAddr *string

	dataDir  *string
	stateDir *string

	ledgerRPC          *string
	devLedger          *bool
	devLedgerBlockTime *time.Duration
	devLedgerThreshold *int

	keystoreDir       *string
	accountRef        *string
	passphrase        *string
	passphraseEnvName *string
	bridgeKeyPath     *string

	chainAName          *string
	chainARPC           *string
	chainAContract      *string
	chainATag           *uint64
	chainAStartHeight   *uint64
	chainAConfirmations *uint64

	chainBName          *string
	chainBRPC           *string
	chainBContract      *string
	chainBTag           *uint64
	chainBStartHeight   *uint64
	chainBConfirmations *uint64

	listener       *bool
	senderEnabled  *bool
	rpcTimeout     *time.Duration
	submitTimeout  *time.Duration
	gasPriceGwei   *uint64
	gasLimit       *uint64
	maxTxPerSecond *float64

	oracleURL      *string
	oracleInterval *time.Duration

	logLevel *string

	unsafeDevMode *bool
)

func init() {
	configFilePath = NodeCmd.Flags().String("configFile", "", "Config file to load flag values from (yaml, json or toml)")
	environment = NodeCmd.Flags().String("env", "", "Environment (dev, test, prod)")

	statusAddr = NodeCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for status server (disabled if blank)")

	dataDir = NodeCmd.Flags().String("dataDir", "", "Data directory holding the release outbox (required)")
	stateDir = NodeCmd.Flags().String("stateDir", "", "Directory holding the per-chain cursor files (defaults to dataDir)")

	ledgerRPC = NodeCmd.Flags().String("ledgerRPC", "", "Ledger websocket or IPC endpoint")
	devLedger = NodeCmd.Flags().Bool("devLedger", false, "Run an in-process development ledger instead of connecting to --ledgerRPC (dev mode only)")
	devLedgerBlockTime = NodeCmd.Flags().Duration("devLedgerBlockTime", time.Second, "Block time of the in-process development ledger")
	devLedgerThreshold = NodeCmd.Flags().Int("devLedgerThreshold", attestation.DefaultThreshold, "Attestations required to confirm a message on the in-process development ledger")

	keystoreDir = NodeCmd.Flags().String("keystore", "", "Key store directory holding the ledger account key")
	accountRef = NodeCmd.Flags().String("account", "0", "Ledger account address or index within the key store")
	passphrase = NodeCmd.Flags().String("passphrase", "", "Passphrase of the ledger account key (prefer --passphraseEnv)")
	passphraseEnvName = NodeCmd.Flags().String("passphraseEnv", "", "Name of the environment variable holding the ledger account key passphrase")
	bridgeKeyPath = NodeCmd.Flags().String("bridgeKey", "", "Path to the armored bridge signing key (required)")

	chainAName = NodeCmd.Flags().String("chainAName", "chain_a", "Name of external chain A")
	chainARPC = NodeCmd.Flags().String("chainARPC", "", "Chain A RPC URL")
	chainAContract = NodeCmd.Flags().String("chainAContract", "", "Chain A bridge contract address")
	chainATag = NodeCmd.Flags().Uint64("chainATag", 1, "Destination tag of ingress messages released on chain A")
	chainAStartHeight = NodeCmd.Flags().Uint64("chainAStartHeight", 0, "First chain A block scanned when no cursor exists")
	chainAConfirmations = NodeCmd.Flags().Uint64("chainAConfirmations", 0, "Chain A confirmation count requirement")

	chainBName = NodeCmd.Flags().String("chainBName", "chain_b", "Name of external chain B")
	chainBRPC = NodeCmd.Flags().String("chainBRPC", "", "Chain B RPC URL")
	chainBContract = NodeCmd.Flags().String("chainBContract", "", "Chain B bridge contract address")
	chainBTag = NodeCmd.Flags().Uint64("chainBTag", 2, "Destination tag of ingress messages released on chain B")
	chainBStartHeight = NodeCmd.Flags().Uint64("chainBStartHeight", 0, "First chain B block scanned when no cursor exists")
	chainBConfirmations = NodeCmd.Flags().Uint64("chainBConfirmations", 0, "Chain B confirmation count requirement")

	listener = NodeCmd.Flags().Bool("listener", true, "Watch the external chains and submit their events to the ledger")
	senderEnabled = NodeCmd.Flags().Bool("sender", true, "Release ledger confirmations on the external chains")
	rpcTimeout = NodeCmd.Flags().Duration("rpcTimeout", evm.DefaultRPCTimeout, "Timeout of external chain RPC calls")
	submitTimeout = NodeCmd.Flags().Duration("submitTimeout", submitter.DefaultSubmitTimeout, "Timeout of ledger RPC calls made by the submission client")
	gasPriceGwei = NodeCmd.Flags().Uint64("gasPrice", 2, "Gas price of release transactions, in gwei")
	gasLimit = NodeCmd.Flags().Uint64("gasLimit", sender.DefaultGasLimit, "Gas limit of release transactions")
	maxTxPerSecond = NodeCmd.Flags().Float64("maxTxPerSecond", 0, "Maximum release transactions per second and chain (0 is unlimited)")

	oracleURL = NodeCmd.Flags().String("oracleURL", oracle.DefaultURL, "Exchange rate feed URL (disabled if blank)")
	oracleInterval = NodeCmd.Flags().Duration("oracleInterval", oracle.DefaultInterval, "Exchange rate poll interval")

	logLevel = NodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")

	unsafeDevMode = NodeCmd.Flags().Bool("unsafeDevMode", false, "Launch node in unsafe, deterministic devnet mode")
}

var (
	rootCtx       context.Context
	rootCtxCancel context.CancelFunc
)

// "Why would anyone do this?" are famous last words.
//
// We already forcibly override keys in dev mode to prevent security
// risks from operator error, but an extra warning won't hurt.
const devwarning = `
        +++++++++++++++++++++++++++++++++++++++++++++++++++
        |   NODE IS RUNNING IN INSECURE DEVELOPMENT MODE  |
        |                                                 |
        |      Do not use -unsafeDevMode in prod.         |
        +++++++++++++++++++++++++++++++++++++++++++++++++++

`

// NodeCmd represents the node command
var NodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the bridge node",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return node.InitFileConfig(cmd, node.ConfigOptions{
			FilePath:  *configFilePath,
			EnvPrefix: "BRIDGED",
		})
	},
	Run: runNode,
}

func runNode(cmd *cobra.Command, args []string) {
	if *unsafeDevMode {
		fmt.Print(devwarning)
	}

	common.LockMemory()
	common.SetRestrictiveUmask()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	if *unsafeDevMode {
		// Put the host name into the log for development.
		hostname, err := os.Hostname()
		if err != nil {
			panic(err)
		}
		logger = logger.Named(hostname)
	}

	logger.Info("bridged starting up", zap.String("version", version.Version()))

	// Refuse to run as root in production mode.
	if !*unsafeDevMode && os.Geteuid() == 0 {
		fmt.Println("can't run as uid 0")
		os.Exit(1)
	}

	env := common.MainNet
	if *unsafeDevMode {
		env = common.UnsafeDevNet
	}
	if *environment != "" {
		env, err = common.ParseEnvironment(*environment)
		if err != nil {
			logger.Fatal("Invalid --env", zap.Error(err))
		}
	}
	if env == common.UnsafeDevNet && !*unsafeDevMode {
		logger.Fatal("--env=dev requires --unsafeDevMode")
	}

	// Verify flags

	if *dataDir == "" {
		logger.Fatal("Please specify --dataDir")
	}
	if *stateDir == "" {
		*stateDir = *dataDir
	}
	if *bridgeKeyPath == "" && !*unsafeDevMode { // In devnet mode, keys are deterministically generated.
		logger.Fatal("Please specify --bridgeKey")
	}
	if *keystoreDir == "" && !*unsafeDevMode {
		logger.Fatal("Please specify --keystore")
	}
	if *devLedger && !*unsafeDevMode {
		logger.Fatal("--devLedger requires --unsafeDevMode")
	}
	if *ledgerRPC == "" && !*devLedger {
		logger.Fatal("Please specify --ledgerRPC")
	}
	if *chainARPC == "" {
		logger.Fatal("Please specify --chainARPC")
	}
	if *chainAContract == "" {
		logger.Fatal("Please specify --chainAContract")
	}
	if *chainBRPC == "" {
		logger.Fatal("Please specify --chainBRPC")
	}
	if *chainBContract == "" {
		logger.Fatal("Please specify --chainBContract")
	}
	if !ethcommon.IsHexAddress(*chainAContract) {
		logger.Fatal("invalid --chainAContract", zap.String("address", *chainAContract))
	}
	if !ethcommon.IsHexAddress(*chainBContract) {
		logger.Fatal("invalid --chainBContract", zap.String("address", *chainBContract))
	}

	gasPrice := new(big.Int).Mul(new(big.Int).SetUint64(*gasPriceGwei), big.NewInt(params.GWei))
	chains := []node.ChainConfig{
		{
			Name:           *chainAName,
			Tag:            common.ChainTagFromUint64(*chainATag),
			URL:            *chainARPC,
			Contract:       ethcommon.HexToAddress(*chainAContract),
			StartHeight:    *chainAStartHeight,
			Confirmations:  *chainAConfirmations,
			GasPrice:       gasPrice,
			GasLimit:       *gasLimit,
			MaxTxPerSecond: *maxTxPerSecond,
		},
		{
			Name:           *chainBName,
			Tag:            common.ChainTagFromUint64(*chainBTag),
			URL:            *chainBRPC,
			Contract:       ethcommon.HexToAddress(*chainBContract),
			StartHeight:    *chainBStartHeight,
			Confirmations:  *chainBConfirmations,
			GasPrice:       gasPrice,
			GasLimit:       *gasLimit,
			MaxTxPerSecond: *maxTxPerSecond,
		},
	}
	if err := node.ValidateChains(chains); err != nil {
		logger.Fatal("invalid chain configuration", zap.Error(err))
	}

	accountKey, bridgeKey := loadKeys(logger)
	logger.Info("Loaded keys",
		zap.Stringer("account", ethcrypto.PubkeyToAddress(accountKey.PublicKey)),
		zap.Stringer("bridgeSigner", ethcrypto.PubkeyToAddress(bridgeKey.PublicKey)))

	// Node's main lifecycle context.
	rootCtx, rootCtxCancel = context.WithCancel(context.Background())
	defer rootCtxCancel()

	database := db.OpenDb(logger, dataDir)
	defer database.Close()

	var ledgerOption *node.BridgeOption
	if *devLedger {
		l, err := devledger.New(logger.Named("devledger"), devledger.Config{
			Validators: []ethcommon.Address{ethcrypto.PubkeyToAddress(accountKey.PublicKey)},
			Threshold:  *devLedgerThreshold,
			Store:      database.AttestationStore(),
		})
		if err != nil {
			logger.Fatal("failed to create development ledger", zap.Error(err))
		}
		ledgerOption = node.BridgeOptionDevLedger(l, *devLedgerBlockTime)
	} else {
		client, err := ledger.Dial(rootCtx, *ledgerRPC)
		if err != nil {
			logger.Fatal("failed to connect to the ledger", zap.Error(err))
		}
		ledgerOption = node.BridgeOptionLedger(client)
	}

	strategy := node.Strategy{Listener: *listener, Sender: *senderEnabled}
	logger.Info("strategy", zap.Bool("listener", strategy.Listener), zap.Bool("sender", strategy.Sender))

	bridgeNode := node.NewBridgeNode(env, accountKey, bridgeKey)

	bridgeOptions := []*node.BridgeOption{
		node.BridgeOptionDatabase(database),
		ledgerOption,
		node.BridgeOptionSubmitter(*submitTimeout),
		node.BridgeOptionWatchers(chains, strategy, *stateDir, *rpcTimeout),
		node.BridgeOptionSenders(chains, strategy, *rpcTimeout),
		node.BridgeOptionRelay(),
		node.BridgeOptionOracle(*oracleURL, *oracleInterval),
		node.BridgeOptionStatusServer(*statusAddr),
	}

	// Run supervisor with the bridge node as the root runnable.
	supervisor.New(rootCtx, logger, bridgeNode.Run(rootCtxCancel, bridgeOptions...),
		// It's safer to crash and restart the process in case we encounter a panic,
		// rather than attempting to reschedule the runnable.
		supervisor.WithPropagatePanic)

	<-rootCtx.Done()
	logger.Info("root context cancelled, exiting...")
}

// loadKeys returns the ledger account key and the bridge signing key. In dev mode, missing keys are replaced by
// deterministic ones.
func loadKeys(logger *zap.Logger) (*ecdsa.PrivateKey, *ecdsa.PrivateKey) {
	var accountKey *ecdsa.PrivateKey
	if *keystoreDir == "" {
		accountKey = devnet.AccountKey(0)
	} else {
		pass := *passphrase
		if *passphraseEnvName != "" {
			pass = os.Getenv(*passphraseEnvName)
		}
		k, err := ledger.LoadAccountKey(*keystoreDir, *accountRef, pass)
		if err != nil {
			logger.Fatal("failed to load ledger account key", zap.Error(err))
		}
		accountKey = k
	}

	if *bridgeKeyPath == "" {
		return accountKey, devnet.BridgeKey(0)
	}

	// In devnet mode, we generate a deterministic bridge key and write it to disk.
	if *unsafeDevMode {
		if _, err := os.Stat(*bridgeKeyPath); os.IsNotExist(err) {
			err := common.WriteArmoredKey(devnet.BridgeKey(0), "auto-generated deterministic devnet key", *bridgeKeyPath, common.BridgeKeyArmoredBlock, true)
			if err != nil {
				logger.Fatal("failed to write devnet bridge key", zap.Error(err))
			}
		}
	}

	bridgeKey, err := common.LoadBridgeKey(*bridgeKeyPath, *unsafeDevMode)
	if err != nil {
		logger.Fatal("failed to load bridge key", zap.Error(err))
	}
	return accountKey, bridgeKey
}
