package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/adnl/pkg/config"
	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/network"
)

var (
	pingTCP      bool
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping <address> <public-key>",
	Short: "Measure the round trip to a node",
	Long: `ping sends ADNL pings to the node at address, which is a multiaddr or
host:port, identified by its base64 Ed25519 public key. UDP is used
unless --tcp is given.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := config.PeerConfig{Address: args[0], PublicKey: args[1]}
		key, _, err := target.Resolve()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		opts, err := nodeOptions(cfg, reg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if pingTCP {
			addr, err := dialTarget(target, "tcp")
			if err != nil {
				return err
			}
			client, err := network.DialTCP(ctx, addr, key, opts...)
			if err != nil {
				return err
			}
			defer client.Close()
			return pingLoop(ctx, out, addr, client.Ping)
		}

		addr, err := dialTarget(target, "udp")
		if err != nil {
			return err
		}
		udp, err := ephemeralTransport(opts)
		if err != nil {
			return err
		}
		defer udp.Close()
		peer, err := udp.AddPeer(addr, key)
		if err != nil {
			return err
		}
		return pingLoop(ctx, out, addr, func(ctx context.Context) (time.Duration, error) {
			return udp.Ping(ctx, peer)
		})
	},
}

func pingLoop(ctx context.Context, out io.Writer, addr string, ping func(context.Context) (time.Duration, error)) error {
	var (
		ok    int
		total time.Duration
	)
	for i := 0; i < pingCount; i++ {
		if i > 0 {
			select {
			case <-time.After(pingInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		rtt, err := ping(ctx)
		if err != nil {
			fmt.Fprintf(out, "ping %s: %v\n", addr, err)
			if errors.Is(err, network.ErrClosed) || errors.Is(err, network.ErrUnexpectedClose) {
				return err
			}
			continue
		}
		ok++
		total += rtt
		fmt.Fprintf(out, "pong from %s: seq=%d time=%s\n", addr, i, rtt.Round(time.Microsecond))
	}

	fmt.Fprintf(out, "%d sent, %d received", pingCount, ok)
	if ok > 0 {
		fmt.Fprintf(out, ", avg %s", (total / time.Duration(ok)).Round(time.Microsecond))
	}
	fmt.Fprintln(out)
	if ok == 0 {
		return fmt.Errorf("no pongs from %s", addr)
	}
	return nil
}

// ephemeralTransport listens on a random local port with a fresh identity
func ephemeralTransport(opts []network.Option) (*network.UDPTransport, error) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	udp, err := network.NewUDPTransport(id, opts...)
	if err != nil {
		return nil, err
	}
	if err := udp.Listen("0.0.0.0:0"); err != nil {
		return nil, err
	}
	return udp, nil
}

func init() {
	pingCmd.Flags().BoolVar(&pingTCP, "tcp", false, "ping over TCP")
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "number of pings")
	pingCmd.Flags().DurationVarP(&pingInterval, "interval", "i", time.Second, "time between pings")
	rootCmd.AddCommand(pingCmd)
}
