// Package cmd defines the webtomd command line interface.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webtomd/internal/config"
	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Scraper is the request surface used by the one-shot commands.
type Scraper interface {
	Scrape(ctx context.Context, clientKey, rawURL string, opts crawler.Options) (crawler.CrawlReport, error)
	PreviewOne(ctx context.Context, clientKey, rawURL string) (crawler.PageResult, error)
}

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Scraper() Scraper
	Close(ctx context.Context)
}

// cliClient is the rate-limit key for commands run from a terminal.
const cliClient = "cli"

type serverApp struct {
	*server.App
}

func (a serverApp) Scraper() Scraper { return a.App.Scraper() }

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "webtomd",
		Short: "Turn websites into clean markdown.",
		Long: `webtomd discovers the pages of a site through robots.txt, sitemaps and
links, fetches them (rendering JavaScript when needed), extracts the main
content and returns it as markdown.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./webtomd.yaml, /etc/webtomd, $HOME/.webtomd)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newPreviewCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
