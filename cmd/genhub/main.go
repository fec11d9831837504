// Command genhub searches content sources for Generals and Zero Hour
// content, acquires it into the local content store and serves the store
// as a catalog.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"genhub/internal/config"
)

type cli struct {
	configPath string
	root       string
	logLevel   string
	jsonOut    bool

	app *app
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "genhub",
		Short:         "Acquire and manage C&C Generals and Zero Hour content",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", os.Getenv("GENHUB_CONFIG"), "Path to the YAML configuration file")
	flags.StringVar(&c.root, "root", "", "Content store root, overrides storage.root")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&c.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		c.searchCmd(),
		c.acquireCmd(),
		c.storeCmd(),
		c.retrieveCmd(),
		c.removeCmd(),
		c.listCmd(),
		c.showCmd(),
		c.depsCmd(),
		c.statsCmd(),
		c.serveCmd(),
		c.publishCmd(),
		c.unpublishCmd(),
	)
	return root
}

func (c *cli) init(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.root != "" {
		cfg.Storage.Root = c.root
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.app, err = newApp(ctx, cfg)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "genhub:", err)
		os.Exit(1)
	}
}
