package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/lanternwidget/statebus/cli/render"
	"github.com/lanternwidget/statebus/cli/tui"
	"github.com/lanternwidget/statebus/iox"
	"github.com/lanternwidget/statebus/log"
)

// StatsCommand returns the stats command. It connects as a popup, so it
// reads the same values the popup UI would see.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show sharing statistics from a running daemon",
		Flags:  append(ReadOnlyFlags(), AddrFlag(), TimeoutFlag()),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	ctx := c.Context
	dialCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	p, err := dialPopup(dialCtx, c.String("addr"), log.NewNop())
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	defer iox.DiscardClose(p)

	if c.Bool("tui") {
		return tui.RunDashboard(ctx, p.mirror.Emitters(), p.mirror)
	}

	if err := p.waitHydrated(dialCtx); err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	return r.Render(render.NewStatsView(p.mirror.Emitters().Snapshot()))
}
