package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

func newScrapeCmd() *cobra.Command {
	opts := crawler.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Crawl a site and print the report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			report, err := appInstance.Scraper().Scrape(cmd.Context(), cliClient, args[0], opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.MaxPages, "max-pages", opts.MaxPages, "maximum pages to crawl")
	flags.BoolVar(&opts.CrawlSubpages, "crawl-subpages", opts.CrawlSubpages, "follow same-origin links from the seed page when no sitemap is found")
	flags.BoolVar(&opts.FollowSitemap, "follow-sitemap", opts.FollowSitemap, "discover pages through robots.txt and sitemaps")
	flags.BoolVar(&opts.DetailedResponse, "detailed", opts.DetailedResponse, "keep the full page body and include description and links")
	flags.BoolVar(&opts.LLMFilter, "llm-filter", opts.LLMFilter, "clean the markdown with the configured LLM")
	return cmd
}

func newPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <url>",
		Short: "Extract a single page without caching and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			page, err := appInstance.Scraper().PreviewOne(cmd.Context(), cliClient, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), page)
		},
	}
}
