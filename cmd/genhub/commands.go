package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"genhub/internal/acquire"
	"genhub/internal/dependency"
	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/source"
)

type queryFlags struct {
	contentType string
	game        string
	tags        []string
	players     int
	take        int
	filters     map[string]string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&q.contentType, "type", "t", "", "Content type (map, mod, patch, ...)")
	cmd.Flags().StringVarP(&q.game, "game", "g", "", "Target game (generals, zerohour)")
	cmd.Flags().StringSliceVar(&q.tags, "tag", nil, "Required tag, may be repeated")
	cmd.Flags().IntVar(&q.players, "players", 0, "Minimum supported player count")
	cmd.Flags().IntVar(&q.take, "take", 0, "Maximum number of results")
	cmd.Flags().StringToStringVar(&q.filters, "filter", nil, "Source specific filter key=value")
}

func (q *queryFlags) query(term string) (source.ContentSearchQuery, error) {
	query := source.ContentSearchQuery{
		SearchTerm: term,
		Tags:       q.tags,
		Take:       q.take,
		Filters:    q.filters,
	}
	if q.players < 0 {
		return query, fmt.Errorf("invalid player count %d", q.players)
	}
	if q.players > 0 {
		players := q.players
		query.PlayerCount = &players
	}
	if q.contentType != "" {
		ct, ok := manifest.ParseContentType(q.contentType)
		if !ok {
			return query, fmt.Errorf("unknown content type %q", q.contentType)
		}
		query.ContentType = &ct
	}
	if q.game != "" {
		g, ok := manifest.ParseTargetGame(q.game)
		if !ok {
			return query, fmt.Errorf("unknown game %q", q.game)
		}
		query.TargetGame = &g
	}
	return query, nil
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		q   queryFlags
		src string
	)
	cmd := &cobra.Command{
		Use:   "search [term]",
		Short: "Search the configured content sources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query(strings.Join(args, " "))
			if err != nil {
				return err
			}
			providers, err := c.app.providers(cmd.Context(), src)
			if err != nil {
				return err
			}
			res := acquire.SearchAll(cmd.Context(), providers, query)
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res.Data)
			}
			return printHits(cmd.OutOrStdout(), res.Data)
		},
	}
	q.register(cmd)
	cmd.Flags().StringVarP(&src, "source", "s", "", "Only search this source")
	return cmd
}

func (c *cli) acquireCmd() *cobra.Command {
	var (
		q     queryFlags
		src   string
		first bool
	)
	cmd := &cobra.Command{
		Use:   "acquire <id|term>",
		Short: "Acquire content into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			providers, err := c.app.providers(ctx, src)
			if err != nil {
				return err
			}

			term := args[0]
			wantID := manifest.ManifestID(term)
			if wantID.Validate() == nil {
				term = ""
			} else {
				wantID = ""
			}
			query, err := q.query(term)
			if err != nil {
				return err
			}
			found := acquire.SearchAll(ctx, providers, query)
			if err := c.report(cmd, found.Warnings, found.Err()); err != nil {
				return err
			}
			hit, err := pickHit(found.Data, wantID, first)
			if err != nil {
				return err
			}

			p := providers[0]
			for _, candidate := range providers {
				if candidate.Name() == hit.ProviderName {
					p = candidate
				}
			}
			res := c.app.acquirer().Acquire(ctx, p, hit, progressPrinter(cmd.ErrOrStderr()))
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			return c.printManifest(cmd, res)
		},
	}
	q.register(cmd)
	cmd.Flags().StringVarP(&src, "source", "s", "", "Only search this source")
	cmd.Flags().BoolVar(&first, "first", false, "Acquire the first hit when the term matches several")
	return cmd
}

func pickHit(hits []source.ContentSearchResult, id manifest.ManifestID, first bool) (source.ContentSearchResult, error) {
	if id != "" {
		for _, h := range hits {
			if h.ID == id {
				return h, nil
			}
		}
		return source.ContentSearchResult{}, fmt.Errorf("%s was not found in any source", id)
	}
	switch {
	case len(hits) == 0:
		return source.ContentSearchResult{}, errors.New("no content matches")
	case len(hits) == 1, first:
		return hits[0], nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = string(h.ID)
	}
	return source.ContentSearchResult{}, fmt.Errorf("%d results match, pick one of: %s", len(hits), strings.Join(ids, ", "))
}

func (c *cli) storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <manifest.json> [content-dir]",
		Short: "Store a manifest and the content of a local directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			m, err := manifest.Decode(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			var dir string
			if len(args) == 2 {
				dir = args[1]
			}
			res := c.app.pool.AddManifest(cmd.Context(), m, dir, progressPrinter(cmd.ErrOrStderr()))
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			return c.printManifest(cmd, res)
		},
	}
}

func (c *cli) retrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <id> <target-dir>",
		Short: "Copy stored content into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.store.RetrieveContent(cmd.Context(), manifest.ManifestID(args[0]), args[1])
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Data)
			return nil
		},
	}
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove content from the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed []string
			for _, arg := range args {
				res := c.app.pool.RemoveManifest(cmd.Context(), manifest.ManifestID(arg))
				switch {
				case res.Failed():
					failed = append(failed, res.Errors...)
				case res.Data:
					fmt.Fprintln(cmd.OutOrStdout(), "removed", arg)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "not stored", arg)
				}
			}
			if len(failed) > 0 {
				return errors.New(strings.Join(failed, "; "))
			}
			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var q queryFlags
	cmd := &cobra.Command{
		Use:   "list [term]",
		Short: "List acquired content",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query(strings.Join(args, " "))
			if err != nil {
				return err
			}
			res := c.app.pool.SearchManifests(cmd.Context(), query)
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res.Data)
			}
			hits := make([]source.ContentSearchResult, len(res.Data))
			for i, m := range res.Data {
				hits[i] = source.FromManifest(m, "pool")
			}
			return printHits(cmd.OutOrStdout(), hits)
		},
	}
	q.register(cmd)
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.pool.GetManifest(cmd.Context(), manifest.ManifestID(args[0]))
			if err := res.Err(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res.Data)
		},
	}
}

func (c *cli) depsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <id>",
		Short: "Resolve the dependencies of acquired content in install order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := c.app.pool.GetManifest(ctx, manifest.ManifestID(args[0]))
			if err := m.Err(); err != nil {
				return err
			}
			graph := dependency.NewResolver(c.app.pool, c.app.logger).Resolve(ctx, m.Data)
			if err := c.report(cmd, graph.Warnings, graph.Err()); err != nil {
				return err
			}
			order := graph.Data.Order()
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), order)
			}
			for _, id := range order {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show content store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.store.GetStorageStats(cmd.Context())
			if err := c.report(cmd, res.Warnings, res.Err()); err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res.Data)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Root:\t%s\n", c.app.store.Root())
			fmt.Fprintf(w, "Manifests:\t%d\n", res.Data.ManifestCount)
			fmt.Fprintf(w, "Files:\t%d\n", res.Data.TotalFiles)
			fmt.Fprintf(w, "Bytes:\t%d\n", res.Data.TotalBytes)
			fmt.Fprintf(w, "Free:\t%d\n", res.Data.AvailableFreeSpace)
			return w.Flush()
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the content store as a catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = c.app.cfg.Catalog.Listen
			}
			server := c.app.catalogServer()
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			c.app.logger.Info("serving catalog", "address", listener.Addr().String(), "id", server.ID(), "root", c.app.store.Root())
			return serve(cmd.Context(), listener, server.Handler())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, defaults to catalog.listen")
	return cmd
}

// serve runs handler on listener until ctx is cancelled.
func serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(listener) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (c *cli) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <id>...",
		Short: "Upload stored content to the S3 mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := c.app.publisher(cmd.Context())
			if err != nil {
				return err
			}
			for _, arg := range args {
				if err := pub.Publish(cmd.Context(), manifest.ManifestID(arg)); err != nil {
					return fmt.Errorf("publishing %s: %w", arg, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "published", arg)
			}
			return nil
		},
	}
}

func (c *cli) unpublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <id>...",
		Short: "Remove content from the S3 mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := c.app.publisher(cmd.Context())
			if err != nil {
				return err
			}
			for _, arg := range args {
				if err := pub.Unpublish(cmd.Context(), manifest.ManifestID(arg)); err != nil {
					return fmt.Errorf("unpublishing %s: %w", arg, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "unpublished", arg)
			}
			return nil
		},
	}
}

// report prints warnings to stderr and passes err through.
func (c *cli) report(cmd *cobra.Command, warnings []string, err error) error {
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	return err
}

func (c *cli) printManifest(cmd *cobra.Command, res result.Result[*manifest.ContentManifest]) error {
	if c.jsonOut {
		return writeJSON(cmd.OutOrStdout(), res.Data)
	}
	m := res.Data
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s %s\t%d files\t%d bytes\n", m.ID, m.Name, m.Version, len(m.Files), m.TotalSize())
	return nil
}

func printHits(out io.Writer, hits []source.ContentSearchResult) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tTYPE\tGAME\tPROVIDER\tSIZE")
	for _, h := range hits {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n", h.ID, h.Name, h.Version, h.ContentType, h.TargetGame, h.ProviderName, h.DownloadSize)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter prints one line per phase change.
func progressPrinter(out io.Writer) source.ProgressFunc {
	last := source.Phase(-1)
	return func(p source.ContentAcquisitionProgress) {
		if p.Phase == last {
			return
		}
		last = p.Phase
		fmt.Fprintf(out, "%-20s %s\n", p.Phase, p.CurrentOperation)
	}
}
