package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/adnl/pkg/config"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/storage"
)

var (
	queryObject  string
	queryData    string
	queryBase64  bool
	queryTCP     bool
	queryAuth    bool
	queryConnect bool
	queryCustom  bool
)

var queryCmd = &cobra.Command{
	Use:   "query [<address> <public-key>]",
	Short: "Send a query to a node and print the answer",
	Long: `query sends one ADNL query and prints the answer, decoded when the
registry knows its type. The payload is a TL object given with --object
or raw bytes given with --data.

With an address and key the query goes to that node over UDP, or TCP
with --tcp. Without them it is spread over the servers in the config.`,
	Example: `  adnl-node query 10.0.0.2:30303 <key> --object '{"@type": echo.request, text: hi}'
  adnl-node query --data 8b2b6f3e...`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected an address and a public key, got %d args", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		payload, err := encodePayload(reg, queryObject, queryData, queryBase64)
		if err != nil {
			return err
		}
		opts, err := nodeOptions(cfg, reg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var answer []byte
		switch {
		case len(args) == 0:
			answer, err = queryServers(ctx, cfg.Servers, payload, opts)
		case queryTCP:
			answer, err = queryTCPNode(ctx, config.PeerConfig{Address: args[0], PublicKey: args[1]}, payload, opts)
		default:
			answer, err = queryUDPNode(ctx, config.PeerConfig{Address: args[0], PublicKey: args[1]}, payload, opts)
		}
		if err != nil {
			return err
		}
		if queryCustom {
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		}

		extra, err := readSchema(cfg)
		if err != nil {
			return err
		}
		inspect, err := protocol.NewInspectRegistry(extra)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), render(inspect, answer))
		return nil
	},
}

func queryUDPNode(ctx context.Context, target config.PeerConfig, payload []byte, opts []network.Option) ([]byte, error) {
	if queryAuth {
		return nil, errors.New("--auth needs --tcp")
	}
	key, _, err := target.Resolve()
	if err != nil {
		return nil, err
	}
	addr, err := dialTarget(target, "udp")
	if err != nil {
		return nil, err
	}
	udp, err := ephemeralTransport(opts)
	if err != nil {
		return nil, err
	}
	defer udp.Close()

	peer, err := udp.AddPeer(addr, key)
	if err != nil {
		return nil, err
	}
	if queryConnect {
		if err := udp.Connect(ctx, peer); err != nil {
			return nil, err
		}
	}
	if queryCustom {
		return nil, udp.SendCustom(ctx, peer, payload)
	}
	return udp.Query(ctx, peer, payload)
}

func queryTCPNode(ctx context.Context, target config.PeerConfig, payload []byte, opts []network.Option) ([]byte, error) {
	if queryCustom {
		return nil, errors.New("custom messages are sent over UDP only")
	}
	key, _, err := target.Resolve()
	if err != nil {
		return nil, err
	}
	addr, err := dialTarget(target, "tcp")
	if err != nil {
		return nil, err
	}
	client, err := network.DialTCP(ctx, addr, key, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if queryAuth {
		db, err := storage.Open(cfg.Node.Database)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		id, err := db.KeyStore().Load(cfg.Node.KeyName)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity %q: %w", cfg.Node.KeyName, err)
		}
		if err := client.Authenticate(ctx, id); err != nil {
			return nil, err
		}
	}
	return client.Query(ctx, payload)
}

func queryServers(ctx context.Context, servers []config.PeerConfig, payload []byte, opts []network.Option) ([]byte, error) {
	if queryCustom || queryAuth {
		return nil, errors.New("--custom and --auth need an explicit target")
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: give an address and key or list servers in the config", network.ErrNoServers)
	}

	infos := make([]network.ServerInfo, 0, len(servers))
	for _, s := range servers {
		key, _, err := s.Resolve()
		if err != nil {
			return nil, err
		}
		addr, err := dialTarget(s, "tcp")
		if err != nil {
			return nil, err
		}
		infos = append(infos, network.ServerInfo{Address: addr, PublicKey: key})
	}

	pool := network.NewClientPool(append(opts, network.WithHealthInterval(0))...)
	defer pool.Close()
	if _, err := pool.AddServers(ctx, infos, 0); err != nil {
		return nil, err
	}
	return pool.Query(ctx, payload)
}

func init() {
	queryCmd.Flags().StringVar(&queryObject, "object", "", "TL object to send, as a YAML or JSON mapping")
	queryCmd.Flags().StringVar(&queryData, "data", "", "raw payload, hex encoded")
	queryCmd.Flags().BoolVar(&queryBase64, "base64", false, "--data is base64 rather than hex")
	queryCmd.Flags().BoolVar(&queryTCP, "tcp", false, "query over TCP")
	queryCmd.Flags().BoolVar(&queryAuth, "auth", false, "authenticate with the node identity first (TCP)")
	queryCmd.Flags().BoolVar(&queryConnect, "connect", false, "open a channel before querying (UDP)")
	queryCmd.Flags().BoolVar(&queryCustom, "custom", false, "send a one-way custom message instead (UDP)")
	queryCmd.MarkFlagsMutuallyExclusive("object", "data")
	rootCmd.AddCommand(queryCmd)
}
