package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/config"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/ovs"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/store"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/spf13/cobra"
)

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <config file> <net_id>",
		Short: "Trigger a tunnel synchronisation of a network in the local agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openStore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			netID := args[1]
			if !types.IsNetID(netID) {
				return fmt.Errorf("invalid net_id %q", netID)
			}
			if err := db.Publish(cmd.Context(), types.NodeChannel(cfg.Local.IPAddr), netID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notified %s for net %s\n", types.NodeChannel(cfg.Local.IPAddr), netID)
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <config file> <net_id>",
		Short: "Show the shared directory view of a network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openStore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			netID := args[1]
			if !types.IsNetID(netID) {
				return fmt.Errorf("invalid net_id %q", netID)
			}
			client, err := ovs.NewClient(cfg.Agent.RootHelper)
			if err != nil {
				return err
			}
			return inspect(cmd.Context(), cmd.OutOrStdout(), db, client, cfg.Local.IPAddr, netID)
		},
	}
}

func openStore(ctx context.Context, configPath string) (config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	db := store.NewStore(store.Options{
		Addr:     cfg.Database.Addr(),
		Password: cfg.Database.Password,
		DB:       cfg.Database.DB,
	})
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return config.Config{}, nil, err
	}
	return cfg, db, nil
}

// bridgeReader is the part of the switch inspect needs
type bridgeReader interface {
	BridgeExists(bridge string) (bool, error)
	DatapathID(bridge string) (string, error)
}

func inspect(ctx context.Context, out io.Writer, db *store.Store, sw bridgeReader, localIP, netID string) error {
	ips, err := db.NetNodeIPs(ctx, netID)
	if err != nil {
		return err
	}
	sort.Strings(ips)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "net\t%s\n", netID)
	for _, ip := range ips {
		marker := ""
		if ip == localIP {
			marker = " (local)"
		}
		fmt.Fprintf(w, "participant\t%s%s\n", ip, marker)
	}

	br := types.TunnelBridgeName(netID)
	exists, err := sw.BridgeExists(br)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Fprintf(w, "bridge\t%s (absent)\n", br)
		return w.Flush()
	}

	dpid, err := sw.DatapathID(br)
	if err != nil {
		return err
	}
	brKey, err := types.DatapathKey(dpid)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "bridge\t%s\n", br)
	fmt.Fprintf(w, "datapath\t%s\n", brKey)

	patch, err := db.GetPatch(ctx, brKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(w, "patch port\t(missing)\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "patch port\t%d\n", patch)
	}

	records, err := db.GREPorts(ctx, brKey)
	if err != nil {
		return err
	}
	remotes := make([]string, 0, len(records))
	for ip := range records {
		remotes = append(remotes, ip)
	}
	sort.Strings(remotes)
	for _, ip := range remotes {
		fmt.Fprintf(w, "gre port\t%s -> %d\n", ip, records[ip])
	}
	return w.Flush()
}
