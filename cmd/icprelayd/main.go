// Command icprelayd runs the ICP relay: a light-client Fork Store and
// Channel Contract paired with an off-chain websocket Relay Coordinator.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-labs/icp-relay/core"
	"github.com/synnergy-labs/icp-relay/pkg/config"
	"github.com/synnergy-labs/icp-relay/relay"
)

func main() {
	// Best-effort .env bootstrap, same one-liner cmd/cli/network.go uses:
	// a missing .env is not an error, it just means the operator is
	// relying on real environment variables or --config/--env instead.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "icprelayd", Short: "inter-chain communication relay daemon"}
	rootCmd.AddCommand(serveCmd(), channelCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseAddr(hexStr string) (core.Address, error) {
	var a core.Address
	b, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil || len(b) != len(a) {
		return a, fmt.Errorf("invalid address %q", hexStr)
	}
	copy(a[:], b)
	return a, nil
}

func openStore(cfg *config.Config) (core.KVStore, error) {
	if cfg.Storage.DBPath == "" {
		return core.NewInMemoryStore(), nil
	}
	return core.OpenFileKVStore(cfg.Storage.DBPath)
}

// -----------------------------------------------------------------------------
// serve
// -----------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var configPath, env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath, env)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the relay's YAML config file; overrides --env")
	cmd.Flags().StringVar(&env, "env", "", "environment overlay merged onto cmd/config/default.yaml (ignored if --config is set; defaults to $ICP_RELAY_ENV)")
	return cmd
}

// loadServeConfig picks between the three loaders pkg/config exposes: an
// explicit --config file takes priority, otherwise an --env overlay is
// merged onto the default search-path config, falling back to whatever
// ICP_RELAY_ENV names when neither flag is given.
func loadServeConfig(configPath, env string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if env != "" {
		return config.Load(env)
	}
	return config.LoadFromEnv()
}

func runServe(cmd *cobra.Command, configPath, env string) error {
	cfg, err := loadServeConfig(configPath, env)
	if err != nil {
		return err
	}

	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lv)
	log := logrus.WithField("component", "icprelayd")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	owner, err := parseAddr(cfg.Channel.PeerContract)
	if err != nil && cfg.Channel.PeerContract != "" {
		return err
	}

	channel := core.NewChannelContract(owner, store, nil)
	if cfg.Channel.MaxPackets > 0 {
		if err := channel.SetMaxPackets(owner, cfg.Channel.MaxPackets); err != nil {
			return err
		}
	}
	if cfg.Channel.TrustSeedFile != "" && channel.Forks().Empty() {
		seedBytes, err := os.ReadFile(cfg.Channel.TrustSeedFile)
		if err != nil {
			return err
		}
		seed, err := core.DecodeSeed(seedBytes)
		if err != nil {
			return err
		}
		if err := channel.OpenChannel(owner, seed); err != nil {
			return err
		}
	}

	selfID := relaySelfID(cfg)
	co := relay.NewCoordinator(channel, selfID, cfg.Relay.ChainID, owner)
	metrics := relay.NewRelayMetrics()
	co.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metricsSrv := metrics.StartServer(cfg.Metrics.ListenAddr, log)
	defer metrics.ShutdownServer(context.Background(), metricsSrv)

	go metrics.CollectPeriodically(ctx, cfg.Relay.PingInterval*10, func() (int, uint64) {
		return co.SessionCount(), channel.Forks().LIB()
	})
	go runSessionSweep(ctx, co, cfg.Relay.PingInterval, log)

	httpSrv := listenForPeers(cfg, co, log)
	defer httpSrv.Shutdown(context.Background())

	for _, endpoint := range cfg.Relay.PeerEndpoints {
		go dialPeer(ctx, endpoint, co, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

// runSessionSweep periodically logs each registered session's resolved peer
// and advertised head, the natural driver for Coordinator.ForEachSession:
// self-initiated liveness pings are each session's own responsibility (see
// Session.tickPings), but only the coordinator can see catch-up lag across
// every peer at once.
func runSessionSweep(ctx context.Context, co *relay.Coordinator, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			co.ForEachSession(func(s *relay.Session) {
				log.WithFields(logrus.Fields{
					"peer_id":    fmt.Sprintf("%x", s.PeerID()),
					"state":      s.State(),
					"peer_head":  s.PeerHead(),
					"local_head": co.LocalHead(),
				}).Debug("session heartbeat")
			})
		case <-ctx.Done():
			return
		}
	}
}

func relaySelfID(cfg *config.Config) [32]byte {
	var id [32]byte
	copy(id[:], cfg.Relay.ListenAddr)
	return id
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16}

func listenForPeers(cfg *config.Config, co *relay.Coordinator, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Error("upgrade failed")
			return
		}
		sess := relay.NewSession(conn, co.Hello(), co, co.LocalHead)
		sess.Start()
	})
	srv := &http.Server{Addr: cfg.Relay.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("relay listener stopped")
		}
	}()
	return srv
}

func dialPeer(ctx context.Context, endpoint string, co *relay.Coordinator, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			log.WithError(err).WithField("peer", endpoint).Warn("dial failed, retrying")
			time.Sleep(5 * time.Second)
			continue
		}
		sess := relay.NewSession(conn, co.Hello(), co, co.LocalHead)
		sess.Start()
		return
	}
}

// -----------------------------------------------------------------------------
// channel
// -----------------------------------------------------------------------------

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channel", Short: "manage the local channel contract"}
	cmd.AddCommand(channelOpenCmd(), channelStatusCmd(), channelSendCmd())
	return cmd
}

func channelSendCmd() *cobra.Command {
	var configPath string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "send <seq> <payload-hex>",
		Short: "queue an outgoing packet for the peer chain to relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			owner, err := parseAddr(cfg.Channel.PeerContract)
			if err != nil && cfg.Channel.PeerContract != "" {
				return err
			}
			var seq uint64
			if _, err := fmt.Sscanf(args[0], "%d", &seq); err != nil {
				return fmt.Errorf("invalid seq %q: %w", args[0], err)
			}
			payload, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
			if err != nil {
				return fmt.Errorf("invalid payload hex: %w", err)
			}
			channel := core.NewChannelContract(owner, store, nil)
			if cfg.Channel.MaxPackets > 0 {
				if err := channel.SetMaxPackets(owner, cfg.Channel.MaxPackets); err != nil {
					return err
				}
			}
			co := relay.NewCoordinator(channel, relaySelfID(cfg), cfg.Relay.ChainID, owner)
			if err := co.SendPacket(seq, payload, time.Now().Add(ttl), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued packet seq=%d\n", seq)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the relay's YAML config file")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long until the packet expires")
	cmd.MarkFlagRequired("config")
	return cmd
}

func channelOpenCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "open <seed-file>",
		Short: "open the channel from a trust seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			owner, err := parseAddr(cfg.Channel.PeerContract)
			if err != nil && cfg.Channel.PeerContract != "" {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			channel := core.NewChannelContract(owner, store, nil)
			seedBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			seed, err := core.DecodeSeed(seedBytes)
			if err != nil {
				return err
			}
			if err := channel.OpenChannel(owner, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel opened at seed %s\n", seed.Header.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the relay's YAML config file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func channelStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the local channel's head, LIB, and peer sequence state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			owner, err := parseAddr(cfg.Channel.PeerContract)
			if err != nil && cfg.Channel.PeerContract != "" {
				return err
			}
			channel := core.NewChannelContract(owner, store, nil)
			head := channel.Forks().Head()
			peer := channel.Peer()
			fmt.Fprintf(cmd.OutOrStdout(), "head: number=%d lib=%d id=%s\n", head.Number, channel.Forks().LIB(), head.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "peer: last_outgoing_packet_seq=%d last_incoming_packet_seq=%d\n",
				peer.LastOutgoingPacketSeq, peer.LastIncomingPacketSeq)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the relay's YAML config file")
	cmd.MarkFlagRequired("config")
	return cmd
}
