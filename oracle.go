package main

import (
	"context"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/chainclient"
	"github.com/stakewise/oracle/distributor"
	"github.com/stakewise/oracle/graph"
	"github.com/stakewise/oracle/ipfs"
	"github.com/stakewise/oracle/keeper"
	"github.com/stakewise/oracle/notifications"
	"github.com/stakewise/oracle/retry"
	"github.com/stakewise/oracle/rewards"
	"github.com/stakewise/oracle/signer"
	"github.com/stakewise/oracle/storage"
	"github.com/stakewise/oracle/votes"
	"github.com/stakewise/oracle/webserver"
)

// Set at build time via -ldflags.
var (
	version    = "1.0.0"
	commitHash = "dev"
)

var server *OracleServer

type OracleServer struct {
	*storage.Storage
	*notifications.NotificationHandler
	*webserver.WebServer

	execution  *chainclient.ExecutionClient
	onchain    *chainclient.BoundClient
	consensus  *chainclient.ConsensusClient
	signingKey *signer.Signer
	offchain   *ipfs.Client
	balances   *graph.Client

	calculator *rewards.Calculator
	builder    *distributor.Builder
	publisher  *votes.Publisher
	aggregator *keeper.Aggregator
	submitter  *keeper.Submitter

	rewardToken     common.Address
	balanceWarning  *big.Int
	balanceCritical *big.Int

	// nextVoteAt gates re-voting after a non-positive delta; timeoutStreak
	// counts consecutive keeper rounds abandoned without quorum.
	nextVoteAt    time.Time
	timeoutStreak int

	roundBusy int32

	Flags
}

// Flags Server flags
type Flags struct {
	networkName string
	logDebug    bool
	logTrace    bool

	runOracle bool
	runKeeper bool
	dryRun    bool

	executionURL       string
	executionBackupURL string
	consensusURL       string

	ipfsAPIURL   string
	ipfsGateways string
	ipfsKeyName  string

	subgraphURL string

	oraclesAddr     string
	poolAddr        string
	rewardTokenAddr string

	keystorePath string

	quorumOverride     int
	confirmationEpochs uint64

	processInterval time.Duration
	syncPeriod      time.Duration
	syncDelay       time.Duration
	votingTimeout   time.Duration
	collectInterval time.Duration

	gasLimit           uint64
	maxGasPriceGwei    int64
	escalationPercent  int64
	escalationInterval time.Duration
	softTimeout        time.Duration
	hardTimeout        time.Duration
	escalateGas        bool

	balanceWarningWei  string
	balanceCriticalWei string

	webUIAddr string
	webUIPort int
	dataDir   string
}

func main() {
	// Used throughout main
	var (
		err error
		wg  sync.WaitGroup
		ctx context.Context
	)

	server = new(OracleServer)
	server.parseArgs()

	// Logging
	setupLogging(server.dataDir, server.logDebug, server.logTrace)

	// Clean exits
	shutdownChannel := setupCloseChannel()

	// Open/Init database
	server.Storage, err = storage.InitStorage(server.dataDir, server.networkName)
	if err != nil {
		log.WithError(err).Fatal("Could not open storage")
	}

	// Start
	log.Infof("=== StakeWise Oracle v%s (%s) ===", version, commitHash)
	log.Infof("=== Network: %s ===", server.networkName)

	// Global notifications handler singleton
	server.NotificationHandler, err = notifications.NewHandler(server.Storage)
	if err != nil {
		log.WithError(err).Error("Unable to load notifiers")
	}

	// VERSION checking
	go server.RunVersionCheck(shutdownChannel)

	ctx = context.Background()

	if err = server.connectProviders(ctx); err != nil {
		log.WithError(err).Fatal("Unable to connect providers")
	}

	if err = server.loadSigner(); err != nil {
		log.WithError(err).Fatal("Unable to load signing key")
	}

	server.wireComponents()

	// A signer below the critical threshold cannot safely run a round.
	status, balance, err := server.signingKey.CheckBalance(ctx, server.execution, server.balanceWarning, server.balanceCritical)
	if err != nil {
		log.WithError(err).Fatal("Unable to check signer balance")
	}
	server.enforceBalancePolicy(status, balance)

	// Start operator web server
	wg.Add(1)
	args := webserver.WebServerArgs{
		Network:             server.networkName,
		Storage:             server.Storage,
		NotificationHandler: server.NotificationHandler,
		BindAddr:            server.webUIAddr,
		BindPort:            server.webUIPort,
		ShutdownChannel:     shutdownChannel,
		WG:                  &wg,
	}
	server.WebServer, err = webserver.Start(args)
	if err != nil {
		log.WithError(err).Error()
		os.Exit(1)
	}

	ctx, ctxCancel := context.WithCancel(ctx)

	// Poll the round nonce forever, running duties when it advances
	ticker := time.NewTicker(server.processInterval)
	server.runRound(ctx, &wg)

Main:
	for {

		select {
		case <-ticker.C:
			server.runRound(ctx, &wg)

		case <-shutdownChannel:
			log.Warn("Shutting things down...")
			ticker.Stop()
			ctxCancel()
			break Main
		}
	}

	// Wait for threads to finish
	wg.Wait()

	// Clean close DB, logs
	server.Storage.Close()
	closeLogging()

	os.Exit(0)
}

// runRound launches one round pass unless the previous one is still going.
// Aggregation can legitimately outlive several ticks while votes trickle in.
func (s *OracleServer) runRound(ctx context.Context, wg *sync.WaitGroup) {

	if !atomic.CompareAndSwapInt32(&s.roundBusy, 0, 1) {
		log.Debug("Previous round still in progress")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer atomic.StoreInt32(&s.roundBusy, 0)
		s.processRound(ctx)
	}()
}

func (s *OracleServer) processRound(ctx context.Context) {

	defer func() {
		if r := recover(); r != nil {
			log.WithField("Message", r).Error("Panic while processing round")
		}
	}()

	// A failed-over client gets one shot at the primary each round.
	s.execution.UsePrimary()

	status, balance, err := s.signingKey.CheckBalance(ctx, s.execution, s.balanceWarning, s.balanceCritical)
	if err != nil {
		log.WithError(err).Error("Unable to check signer balance")
		return
	}

	webserver.SignerBalance.Set(weiToFloat(balance))
	s.enforceBalancePolicy(status, balance)

	paused, err := s.onchain.IsPaused(ctx)
	if err != nil {
		log.WithError(err).Error("Unable to check pause state")
		return
	}
	if paused {
		log.Debug("Voting is paused; nothing to do")
		return
	}

	pendingNonce, err := s.onchain.RoundNonce(ctx)
	if err != nil {
		log.WithError(err).Error("Unable to fetch round nonce")
		return
	}

	webserver.RoundNonce.Set(float64(pendingNonce))

	// A lagging provider can reply with an old nonce after failover; never
	// walk the round counter backwards.
	finalizedNonce, err := s.GetFinalizedNonce()
	if err != nil {
		log.WithError(err).Error("Unable to read finalized nonce")
		return
	}
	if pendingNonce <= finalizedNonce {
		log.WithFields(log.Fields{
			"Pending": pendingNonce, "Finalized": finalizedNonce,
		}).Debug("Provider behind finalized round; skipping")
		return
	}

	if s.runOracle {
		s.handleVoting(ctx, pendingNonce)
	}

	if s.runKeeper {
		s.handleKeeping(ctx, pendingNonce)
	}
}

// enforceBalancePolicy stops the process on a critical signer balance.
// Running out of gas mid-round is worse than halting outright.
func (s *OracleServer) enforceBalancePolicy(status signer.BalanceStatus, balance *big.Int) {

	switch status {
	case signer.BalanceCritical:
		s.SendNotification("Signer balance critically low; oracle halted", notifications.BALANCE)
		log.WithField("Balance", balance).Fatal("Signer balance below critical threshold")
	case signer.BalanceWarning:
		log.WithField("Balance", balance).Warn("Signer balance low")
	}
}

func (s *OracleServer) connectProviders(ctx context.Context) error {

	var err error

	policy := retry.DefaultPolicy()

	s.execution, err = chainclient.NewExecutionClient(ctx, s.executionURL, s.executionBackupURL, policy)
	if err != nil {
		return err
	}

	s.onchain = s.execution.Bind(chainclient.Contracts{
		Oracles: common.HexToAddress(s.oraclesAddr),
		Pool:    common.HexToAddress(s.poolAddr),
	})

	s.consensus, err = chainclient.NewConsensusClient(ctx, s.consensusURL, policy)
	if err != nil {
		return err
	}

	var gateways []string
	for _, gw := range strings.Split(s.ipfsGateways, ",") {
		if gw = strings.TrimSpace(gw); gw != "" {
			gateways = append(gateways, gw)
		}
	}

	s.offchain = ipfs.NewClient(s.ipfsAPIURL, gateways, policy)
	s.balances = graph.NewClient(s.subgraphURL, policy)

	return nil
}

// loadSigner takes the key from ORACLE_PRIVATE_KEY, or from the keystore
// file with ORACLE_KEYSTORE_PASSWORD. Keys never travel through flags.
func (s *OracleServer) loadSigner() error {

	var err error

	if hexKey := os.Getenv("ORACLE_PRIVATE_KEY"); hexKey != "" {
		s.signingKey, err = signer.FromHex(hexKey)
		return err
	}

	s.signingKey, err = signer.FromKeystore(s.keystorePath, os.Getenv("ORACLE_KEYSTORE_PASSWORD"))

	return err
}

func (s *OracleServer) wireComponents() {

	clock := clockwork.NewRealClock()

	s.rewardToken = common.HexToAddress(s.rewardTokenAddr)

	s.calculator = rewards.NewCalculator(s.onchain, s.consensus, s.balances, clock, s.syncPeriod, s.confirmationEpochs)
	s.builder = distributor.NewBuilder(s.offchain)

	keyName := s.ipfsKeyName
	if keyName == "" {
		keyName = votes.DiscoveryName(s.signingKey.Address())
	}
	s.publisher = votes.NewPublisher(s.signingKey, s.offchain, s.Storage, keyName)

	resolver := chainclient.NewRegistryResolver(s.onchain, s.quorumOverride)
	fetcher := votes.NewFetcher(s.offchain)
	s.aggregator = keeper.NewAggregator(resolver, fetcher, clock, s.votingTimeout, s.collectInterval)

	maxGasPrice := new(big.Int).Mul(big.NewInt(s.maxGasPriceGwei), big.NewInt(1e9))
	s.submitter = keeper.NewSubmitter(s.onchain, s.signingKey, common.HexToAddress(s.oraclesAddr), clock,
		keeper.SubmitterConfig{
			GasLimit:           s.gasLimit,
			MaxGasPrice:        maxGasPrice,
			EscalationPercent:  s.escalationPercent,
			EscalationInterval: s.escalationInterval,
			SoftTimeout:        s.softTimeout,
			HardTimeout:        s.hardTimeout,
			ReceiptInterval:    15 * time.Second,
			SendPolicy:         retry.DefaultPolicy(),
		}, s.escalateGas)
}

func setupCloseChannel() chan interface{} {

	// Create channels for signals
	signalChan := make(chan os.Signal, 1)
	closingChan := make(chan interface{}, 1)

	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalChan
		close(closingChan)
	}()

	return closingChan
}

func weiToFloat(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}

	f, _ := new(big.Float).SetInt(wei).Float64()

	return f
}

func (s *OracleServer) parseArgs() {

	// Args
	flag.StringVar(&s.networkName, "network", "mainnet", "Which network to use: mainnet, goerli")

	flag.BoolVar(&s.logDebug, "debug", false, "Enable debug-level logging")
	flag.BoolVar(&s.logTrace, "trace", false, "Enable trace-level logging")

	flag.BoolVar(&s.runOracle, "oracle", true, "Compute and publish reward votes")
	flag.BoolVar(&s.runKeeper, "keeper", false, "Collect votes and submit the finalizing transaction")
	flag.BoolVar(&s.dryRun, "dry-run", false, "Compute rounds, but don't publish votes or submit transactions")

	flag.StringVar(&s.executionURL, "eth1-endpoint", "http://127.0.0.1:8545", "Execution-layer JSON-RPC endpoint")
	flag.StringVar(&s.executionBackupURL, "eth1-backup-endpoint", "", "Fallback execution-layer endpoint")
	flag.StringVar(&s.consensusURL, "eth2-endpoint", "http://127.0.0.1:5052", "Consensus-layer REST endpoint")

	flag.StringVar(&s.ipfsAPIURL, "ipfs-endpoint", "http://127.0.0.1:5001", "IPFS node API endpoint")
	flag.StringVar(&s.ipfsGateways, "ipfs-gateways", "https://gateway.pinata.cloud,https://ipfs.io", "Comma-separated IPFS gateway fallbacks")
	flag.StringVar(&s.ipfsKeyName, "ipfs-key", "", "IPNS key name for the discovery pointer (defaults to the oracle address)")

	flag.StringVar(&s.subgraphURL, "subgraph-endpoint", "", "Balance-indexing subgraph endpoint")

	flag.StringVar(&s.oraclesAddr, "oracles-contract", "", "Oracles contract address")
	flag.StringVar(&s.poolAddr, "pool-contract", "", "Pool contract address")
	flag.StringVar(&s.rewardTokenAddr, "reward-token-contract", "", "Reward token contract address")

	flag.StringVar(&s.keystorePath, "keystore", "", "Path to a JSON keystore file (password via ORACLE_KEYSTORE_PASSWORD)")

	flag.IntVar(&s.quorumOverride, "quorum", 0, "Override the contract quorum threshold (0 = use contract value)")
	flag.Uint64Var(&s.confirmationEpochs, "confirmation-epochs", 3, "Epochs behind the finalized checkpoint to read balances at")

	flag.DurationVar(&s.processInterval, "process-interval", time.Minute, "How often to poll the round nonce")
	flag.DurationVar(&s.syncPeriod, "sync-period", 24*time.Hour, "On-chain reward update cadence; anchors each round's reference epoch")
	flag.DurationVar(&s.syncDelay, "sync-delay", 10*time.Minute, "Wait after a non-positive reward delta before recomputing")
	flag.DurationVar(&s.votingTimeout, "voting-timeout", time.Hour, "How long the keeper collects votes before abandoning a round")
	flag.DurationVar(&s.collectInterval, "collect-interval", 30*time.Second, "How often the keeper re-fetches votes while collecting")

	flag.Uint64Var(&s.gasLimit, "gas-limit", 1000000, "Gas limit for the finalize transaction")
	flag.Int64Var(&s.maxGasPriceGwei, "max-gas-price", 300, "Gas price ceiling in gwei")
	flag.Int64Var(&s.escalationPercent, "gas-bump-percent", 15, "Gas price bump per escalation step")
	flag.DurationVar(&s.escalationInterval, "gas-bump-interval", 2*time.Minute, "Time between gas price escalations")
	flag.DurationVar(&s.softTimeout, "tx-soft-timeout", 10*time.Minute, "Stop escalating gas after this long")
	flag.DurationVar(&s.hardTimeout, "tx-hard-timeout", 30*time.Minute, "Abandon an unconfirmed transaction after this long")
	flag.BoolVar(&s.escalateGas, "escalate-gas", true, "Replace stuck transactions with pricier copies")

	flag.StringVar(&s.balanceWarningWei, "balance-warning", "100000000000000000", "Warn below this signer balance (wei)")
	flag.StringVar(&s.balanceCriticalWei, "balance-critical", "10000000000000000", "Halt below this signer balance (wei)")

	flag.StringVar(&s.webUIAddr, "webuiaddr", "127.0.0.1", "Address on which to bind web UI server")
	flag.IntVar(&s.webUIPort, "webuiport", 8082, "Port on which to bind web UI server")

	flag.StringVar(&s.dataDir, "datadir", "./", "Location of database")

	printVersion := flag.Bool("version", false, "Show version and exit")

	flag.Parse()

	// Handle print version and exit
	if *printVersion {
		log.Printf("StakeWise Oracle %s (%s)", version, commitHash)
		os.Exit(0)
	}

	// Sanity
	if s.oraclesAddr == "" || s.poolAddr == "" || s.rewardTokenAddr == "" {
		log.Error("Oracles, pool, and reward token contract addresses are required")
		flag.Usage()
		os.Exit(1)
	}

	if s.runOracle && s.subgraphURL == "" {
		log.Error("A subgraph endpoint is required to compute distributions")
		flag.Usage()
		os.Exit(1)
	}

	if !s.runOracle && !s.runKeeper {
		log.Error("At least one of -oracle or -keeper must be enabled")
		flag.Usage()
		os.Exit(1)
	}

	if s.keystorePath == "" && os.Getenv("ORACLE_PRIVATE_KEY") == "" {
		log.Error("A signing key is required: -keystore, or ORACLE_PRIVATE_KEY")
		flag.Usage()
		os.Exit(1)
	}

	var ok bool

	s.balanceWarning, ok = new(big.Int).SetString(s.balanceWarningWei, 10)
	if !ok {
		log.Errorf("Invalid balance-warning value: %s", s.balanceWarningWei)
		os.Exit(1)
	}

	s.balanceCritical, ok = new(big.Int).SetString(s.balanceCriticalWei, 10)
	if !ok {
		log.Errorf("Invalid balance-critical value: %s", s.balanceCriticalWei)
		os.Exit(1)
	}
}
