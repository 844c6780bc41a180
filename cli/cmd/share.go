package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lanternwidget/statebus/iox"
	"github.com/lanternwidget/statebus/log"
)

// ShareCommand returns the share command with start and stop subcommands.
func ShareCommand() *cli.Command {
	return &cli.Command{
		Name:  "share",
		Usage: "Start or stop sharing on a running daemon",
		Subcommands: []*cli.Command{
			shareSubcommand("start", "Start sharing", true),
			shareSubcommand("stop", "Stop sharing", false),
		},
	}
}

func shareSubcommand(name, usage string, sharing bool) *cli.Command {
	return &cli.Command{
		Name:   name,
		Usage:  usage,
		Flags:  []cli.Flag{AddrFlag(), TimeoutFlag()},
		Action: shareAction(sharing),
	}
}

// shareAction sends the request and waits until the daemon reports the
// new sharing state. A daemon already in that state is left alone.
func shareAction(sharing bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		p, err := dialPopup(ctx, c.String("addr"), log.NewNop())
		if err != nil {
			return cli.Exit(err.Error(), exitRuntimeError)
		}
		defer iox.DiscardClose(p)

		if err := p.waitHydrated(ctx); err != nil {
			return cli.Exit(err.Error(), exitRuntimeError)
		}

		state := "stopped"
		if sharing {
			state = "sharing"
		}
		if p.mirror.Emitters().Sharing.Value() == sharing {
			fmt.Fprintf(c.App.Writer, "already %s\n", state)
			return nil
		}

		if sharing {
			if !p.mirror.Emitters().Ready.Value() {
				return cli.Exit("engine is not ready", exitRuntimeError)
			}
			err = p.mirror.RequestStart(ctx)
		} else {
			err = p.mirror.RequestStop(ctx)
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("send request: %v", err), exitRuntimeError)
		}

		if err := p.waitSharing(ctx, sharing); err != nil {
			return cli.Exit(err.Error(), exitRuntimeError)
		}
		fmt.Fprintln(c.App.Writer, state)
		return nil
	}
}
