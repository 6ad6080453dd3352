package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/keanucz/m3ufetch/internal/config"
	"github.com/keanucz/m3ufetch/internal/downloader"
	"github.com/keanucz/m3ufetch/internal/ffmpegexec"
	"github.com/keanucz/m3ufetch/internal/metrics"
	"github.com/keanucz/m3ufetch/internal/playlist"
	"github.com/keanucz/m3ufetch/internal/version"
)

var (
	outputFlag      string
	listFlag        string
	concurrencyFlag int
	retriesFlag     int
	rateLimitFlag   string
	metricsAddrFlag string
	remuxFlag       bool
	ffmpegFlag      string
)

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Directory to save files into (default from config, else current directory)")
	downloadCmd.Flags().StringVarP(&listFlag, "list", "l", "", "Path to a YAML list of {url, output} entries")
	downloadCmd.Flags().IntVarP(&concurrencyFlag, "concurrency", "c", 0, "Concurrent downloads per host")
	downloadCmd.Flags().IntVar(&retriesFlag, "retries", 0, "Total attempts per file")
	downloadCmd.Flags().StringVar(&rateLimitFlag, "rate-limit", "", "Bandwidth cap for the batch, e.g. 512K or 2M")
	downloadCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	downloadCmd.Flags().BoolVar(&remuxFlag, "remux", false, "Remux completed .ts files to .mp4 with ffmpeg")
	downloadCmd.Flags().StringVar(&ffmpegFlag, "ffmpeg", "", "Path to the ffmpeg binary used by --remux")
}

var downloadCmd = &cobra.Command{
	Use:   "download [playlists...]",
	Short: "Download every stream listed in one or more playlists",
	Long: `Download every stream listed in one or more M3U playlists.

Playlists can be provided:
  - As local files or http(s) URLs (space-separated)
  - As a YAML batch list using --list/-l
  - Or both combined

Examples:
  m3ufetch download movies.m3u -o ~/Videos
  m3ufetch download http://iptv.example.com/get.php?type=m3u -c 4
  m3ufetch download -l batch.yaml --rate-limit 2M`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := applyFlags(cmd, appConfig)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := downloader.NewSessionClient(cfg.Manager(Logger))
		if err != nil {
			return fmt.Errorf("create http client: %w", err)
		}
		defer client.CloseIdleConnections()

		entries, err := collectEntries(ctx, client, args, listFlag, cfg.UserAgent)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("no playlists provided. Specify playlists as arguments or use --list/-l")
		}
		pairs := playlist.Destinations(entries, cfg.OutputDir)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s %s", version.Name, version.Version)))
		fmt.Fprintln(out)

		if cfg.MetricsAddr != "" {
			shutdown := serveMetrics(cfg.MetricsAddr)
			defer shutdown()
		}

		Logger.Info("starting batch download", "count", len(pairs), "output", cfg.OutputDir,
			"concurrency", cfg.Concurrency)

		mgr := downloader.NewManager(cfg.Manager(Logger))
		progress := newProgressPrinter(out)
		batch := mgr.StartBatch(pairs, progress.onProgress, progress.onError)

		select {
		case <-batch.Done():
		case <-ctx.Done():
			Logger.Warn("interrupted, cancelling downloads")
			mgr.Shutdown()
			<-batch.Done()
		}
		mgr.Shutdown()

		results := batch.Wait()
		if remuxFlag && ctx.Err() == nil {
			remuxResults(ctx, results, ffmpegFlag)
		}
		return printSummary(cmd, results)
	},
}

// applyFlags layers explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.OutputDir = outputFlag
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrencyFlag
	}
	if flags.Changed("retries") {
		cfg.Retries = retriesFlag
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit = rateLimitFlag
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddrFlag
	}
	return cfg, cfg.Validate()
}

// remuxResults converts completed MPEG-TS downloads to MP4 in place. A
// failed remux keeps the original file and only logs a warning.
func remuxResults(ctx context.Context, results []downloader.Result, ffmpegPath string) {
	runner, err := ffmpegexec.New(ffmpegPath)
	if err != nil {
		Logger.Warn("ffmpeg not available, skipping remux", "error", err)
		return
	}
	Logger.Debug("ffmpeg located", "path", runner.Path())

	for i, r := range results {
		if r.Status != downloader.StatusCompleted || ffmpegexec.RemuxTarget(r.Dest) == r.Dest {
			continue
		}
		dst, err := runner.Remux(ctx, r.Dest)
		if err != nil {
			Logger.Warn("remux failed", "file", r.Name, "error", err)
			continue
		}
		Logger.Info("remuxed", "file", r.Name, "path", dst)
		results[i].Dest = dst
	}
}

// collectEntries loads every playlist argument and the batch list, dropping
// duplicate URLs while preserving order.
func collectEntries(ctx context.Context, client downloader.HTTPClient, sources []string, listPath, userAgent string) ([]playlist.Entry, error) {
	var entries []playlist.Entry
	for _, src := range sources {
		var loaded []playlist.Entry
		var err error
		if isRemote(src) {
			loaded, err = fetchPlaylist(ctx, client, src, userAgent)
		} else {
			loaded, err = playlist.LoadM3U(src)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load playlist %s: %w", src, err)
		}
		Logger.Debug("playlist loaded", "source", src, "entries", len(loaded))
		entries = append(entries, loaded...)
	}

	if listPath != "" {
		listed, err := playlist.LoadList(listPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read batch list: %w", err)
		}
		entries = append(entries, listed...)
	}

	return deduplicateEntries(entries), nil
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// fetchPlaylist downloads and parses a remote playlist with the session
// client, so proxy and cookie settings match the transfers. Relative entries
// resolve against the playlist URL.
func fetchPlaylist(ctx context.Context, client downloader.HTTPClient, rawURL, userAgent string) ([]playlist.Entry, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &downloader.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return playlist.ParseM3U(resp.Body, base)
}

// deduplicateEntries removes entries with repeated URLs while preserving order
func deduplicateEntries(entries []playlist.Entry) []playlist.Entry {
	seen := make(map[string]bool)
	result := make([]playlist.Entry, 0, len(entries))
	for _, e := range entries {
		if !seen[e.URL] {
			seen[e.URL] = true
			result = append(result, e)
		}
	}
	return result
}

// serveMetrics exposes the download collectors until the returned func runs.
func serveMetrics(addr string) func() {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	Logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(cmd *cobra.Command, results []downloader.Result) error {
	out := cmd.OutOrStdout()
	var successful, failed, cancelled int
	for _, r := range results {
		switch r.Status {
		case downloader.StatusCompleted:
			successful++
		case downloader.StatusCancelled:
			cancelled++
		default:
			failed++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, summaryTable(results))
	fmt.Fprintf(out, "Download Summary: %s, %s, %s\n",
		successStyle.Render(fmt.Sprintf("%d successful", successful)),
		statusCount(failed, "failed", errorStyle.Render),
		statusCount(cancelled, "cancelled", warningStyle.Render))

	var failures []downloader.Result
	for _, r := range results {
		if r.Status == downloader.StatusFailed {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(out, "\nFailed downloads:\n")
		for _, r := range failures {
			fmt.Fprintf(out, "  %s %s: %v\n", errorStyle.Render("✗"), r.URL, r.Err)
		}
	}

	if failed+cancelled > 0 {
		return fmt.Errorf("%d download(s) did not complete", failed+cancelled)
	}
	return nil
}

func statusCount(n int, label string, render func(...string) string) string {
	text := fmt.Sprintf("%d %s", n, label)
	if n == 0 {
		return text
	}
	return render(text)
}
