// Package main 仿真服务命令行工具
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bwu32/canbus/internal/canbus"
	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/client"
	simgrpc "github.com/bwu32/canbus/internal/server/grpc"
)

type options struct {
	server  string
	timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "canctl",
		Short:        "Control a running CAN bus security simulator",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", "localhost:8765", "simulator gRPC address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")

	cmd.AddCommand(
		newStateCommand(opts),
		newAttacksCommand(opts),
		newToggleCommand(opts),
		newAttackCommand(opts, "start"),
		newAttackCommand(opts, "stop"),
		newWatchCommand(opts),
	)
	return cmd
}

// withClient 建立连接并在超时上下文中执行fn
func withClient(opts *options, fn func(ctx context.Context, c *client.Client) error) error {
	c := client.NewClient(opts.server)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(cmd *cobra.Command, r *simgrpc.CommandResult) error {
	if !r.Success {
		return fmt.Errorf("%s", r.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), r.Message)
	return nil
}

func newStateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the simulation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *client.Client) error {
				state, err := c.GetState(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			})
		},
	}
}

func newAttacksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "attacks",
		Short: "Print attack status and statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *client.Client) error {
				st, err := c.GetAttackStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func newToggleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "toggle <measure> <on|off>",
		Short:     "Enable or disable a security measure",
		Args:      cobra.ExactArgs(2),
		ValidArgs: measureNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return withClient(opts, func(ctx context.Context, c *client.Client) error {
				r, err := c.ToggleSecurity(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				return printResult(cmd, r)
			})
		},
	}
}

func newAttackCommand(opts *options, action string) *cobra.Command {
	return &cobra.Command{
		Use:       action + " <bus_flooding|spoofing|replay>",
		Short:     fmt.Sprintf("%s an attack", action),
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{attack.NameBusFlooding, attack.NameSpoofing, attack.NameReplay},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *client.Client) error {
				var r *simgrpc.CommandResult
				var err error
				if action == "start" {
					r, err = c.StartAttack(ctx, args[0])
				} else {
					r, err = c.StopAttack(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printResult(cmd, r)
			})
		},
	}
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream bus and attack summaries until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewClient(opts.server)
			if err := c.Connect(); err != nil {
				return err
			}
			defer c.Disconnect()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return c.Watch(ctx, func(s *simgrpc.Snapshot) error {
				fmt.Fprintf(out, "%s bus=%d blocked=%d compromised=%v ids=%s active=%v nodes=%v\n",
					s.Simulation.Timestamp.Format(time.TimeOnly),
					s.Simulation.BusStats.TotalMessages,
					s.Simulation.BusStats.BlockedMessages,
					s.Simulation.BusStats.Compromised,
					s.Simulation.IDSPhase,
					s.Attacks.ActiveAttacks,
					s.Attacks.CompromisedNodes,
				)
				return nil
			})
		},
	}
}

func measureNames() []string {
	names := make([]string, 0, len(canbus.Measures))
	for _, m := range canbus.Measures {
		names = append(names, string(m))
	}
	return names
}

func parseSwitch(v string) (bool, error) {
	switch v {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("expected on|off, got %q", v)
	}
	return b, nil
}
