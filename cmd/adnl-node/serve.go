package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/adnl/pkg/api"
	"github.com/ZentaChain/adnl/pkg/config"
	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/storage"
)

var (
	serveNoTCP bool
	serveNoAPI bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node",
	Long: `serve listens for ADNL over UDP and TCP, opens channels to the
configured and remembered peers and exposes the admin API until it is
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg)
	},
}

func runNode(ctx context.Context, c *config.Config) error {
	db, err := storage.Open(c.Node.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	id, created, err := db.KeyStore().LoadOrCreate(c.Node.KeyName)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("Generated node identity", zap.String("name", c.Node.KeyName))
	}

	reg, err := loadRegistry(c)
	if err != nil {
		return err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := network.NewMetrics(prom)
	if err != nil {
		return err
	}

	opts, err := nodeOptions(c, reg)
	if err != nil {
		return err
	}
	opts = append(opts, network.WithMetrics(metrics))

	udp, err := network.NewUDPTransport(id, opts...)
	if err != nil {
		return err
	}
	if err := udp.Listen(c.UDP.Listen); err != nil {
		return err
	}
	defer udp.Close()

	var tcp *network.TCPServer
	if !serveNoTCP {
		if tcp, err = network.NewTCPServer(id, opts...); err != nil {
			return err
		}
		if err := tcp.Listen(c.TCP.Listen); err != nil {
			return err
		}
		defer tcp.Close()
	}

	book := db.PeerBook()
	peers, err := loadPeers(c, udp, book)
	if err != nil {
		return err
	}

	logger.Info("ADNL node running",
		zap.String("key_id", id.KeyID().String()),
		zap.String("server_key_id", crypto.TLKeyIDOf(id.PublicKey()).String()),
		zap.String("udp", udp.LocalAddr().String()),
		zap.Int("peers", len(peers)),
	)

	g, gctx := errgroup.WithContext(ctx)

	if !serveNoAPI && c.API.Listen != "" {
		var streams api.StreamServer
		if tcp != nil {
			streams = tcp
		}
		server := api.NewServer(&api.Config{
			Addr:         c.API.Listen,
			EnableCORS:   c.API.EnableCORS,
			RateLimit:    api.DefaultConfig().RateLimit,
			ReadTimeout:  api.DefaultConfig().ReadTimeout,
			WriteTimeout: api.DefaultConfig().WriteTimeout,
			Gatherer:     prom,
			Logger:       logger,
		}, udp, streams, book)
		g.Go(func() error { return server.Start(gctx) })
	}

	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := udp.Connect(gctx, peer); err != nil {
				logger.Warn("Failed to open channel", zap.String("peer", peer.ID().String()), zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		rememberPeers(udp, book)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("ADNL node stopped")
	return nil
}

// loadPeers registers configured peers, saving them to the peer book, and
// then every peer the book remembers
func loadPeers(c *config.Config, udp *network.UDPTransport, book *storage.PeerBook) ([]*network.Peer, error) {
	for _, p := range c.Peers {
		key, ma, err := p.Resolve()
		if err != nil {
			return nil, err
		}
		if err := book.Save(storage.NewPeerRecord(key, ma)); err != nil {
			return nil, fmt.Errorf("failed to store peer %s: %w", p.Address, err)
		}
	}

	records, err := book.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	peers := make([]*network.Peer, 0, len(records))
	for _, r := range records {
		proto, hostport, err := storage.DialArgs(r.Address)
		if err != nil || proto != "udp" {
			logger.Warn("Skipping peer without UDP address", zap.String("peer", r.KeyID), zap.String("addr", r.Address.String()))
			continue
		}
		peer, err := udp.AddPeer(hostport, r.PublicKey)
		if err != nil {
			logger.Warn("Skipping peer", zap.String("peer", r.KeyID), zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// rememberPeers records when each peer was last heard from
func rememberPeers(udp *network.UDPTransport, book *storage.PeerBook) {
	for _, p := range udp.Peers() {
		stats := p.Stats()
		if stats.LastSeen.IsZero() {
			continue
		}
		if err := book.Touch(stats.ID, stats.LastSeen); err != nil {
			logger.Debug("Failed to update peer", zap.String("peer", stats.ID), zap.Error(err))
		}
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoTCP, "no-tcp", false, "do not listen for TCP clients")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "do not serve the admin API")
	rootCmd.AddCommand(serveCmd)
}
