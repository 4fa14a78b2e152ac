package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"filedock/internal/chunkstore"
	"filedock/internal/client"
	"filedock/internal/config"
	"filedock/internal/fsutil"
	"filedock/internal/httpserver"
	"filedock/internal/logging"
	"filedock/internal/upload"
)

// configFlags are shared by every command that reads the server config.
type configFlags struct {
	path     string
	envFile  string
	root     string
	state    string
	listen   string
	logLevel string
	readOnly bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "path to config json (optional)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file with FILEDOCK_* variables (optional)")
	cmd.Flags().StringVar(&f.root, "root", "", "storage root (overrides config)")
	cmd.Flags().StringVar(&f.state, "state", "", "state dir for chunk staging (default: <root>/.filedock)")
	cmd.Flags().StringVar(&f.listen, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "reject all uploads")
}

func (f *configFlags) load(cmd *cobra.Command) (config.Config, error) {
	return config.Load(f.path, f.envFile, func(c *config.Config) {
		if f.root != "" {
			c.Root = f.root
		}
		if f.state != "" {
			c.StateDir = f.state
		}
		if f.listen != "" {
			c.Listen = f.listen
		}
		if f.logLevel != "" {
			c.LogLevel = f.logLevel
		}
		if cmd.Flags().Changed("read-only") {
			c.ReadOnly = f.readOnly
		}
	})
}

// NewRootCommand returns the root command with all subcommands attached.
func NewRootCommand(ctx context.Context) *cobra.Command {
	cobra.EnableCommandSorting = false
	root := &cobra.Command{
		Use:           "filedock",
		Short:         "Self-hosted file server with resumable uploads.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetContext(ctx)
	root.AddCommand(newServeCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newUploadCommand())
	root.AddCommand(newIdentityCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the storage root over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logging.New(cmd.ErrOrStderr(), cfg.LogLevel))
		},
	}
	flags.register(cmd)
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if st, err := os.Stat(cfg.Root); err != nil || !st.IsDir() {
		return fmt.Errorf("root %s is not a directory", cfg.Root)
	}
	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	logger.Info("filedock listening",
		"addr", "http://"+ln.Addr().String(),
		"root", cfg.Root,
		"chunk_size", humanize.IBytes(uint64(cfg.ChunkSize)),
		"read_only", cfg.ReadOnly)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newSweepCommand() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete chunk sessions and temp files idle for longer than stale_chunk_hours.",
		Long: `The server sweeps stale chunk sessions whenever an upload starts. Run this
from cron to also reclaim space on servers that rarely receive uploads, and to
remove temp files left by a server that stopped mid-upload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
			store, err := chunkstore.NewOS(cfg.ChunkDir)
			if err != nil {
				return err
			}
			resolver, err := fsutil.NewResolver(cfg.Root, cfg.StateDir, cfg.ChunkDir)
			if err != nil {
				return err
			}
			maxAge := time.Duration(cfg.StaleChunkHours) * time.Hour
			n, sweepErr := upload.NewSweeper(store, maxAge, logger).Sweep(cmd.Context(), "")
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale upload session(s)\n", n)
			n, reapErr := upload.ReapTempFiles(cmd.Context(), resolver, maxAge, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale temp file(s)\n", n)
			return errors.Join(sweepErr, reapErr)
		},
	}
	flags.register(cmd)
	return cmd
}

func newUploadCommand() *cobra.Command {
	var (
		server   string
		dest     string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "upload <file-or-dir>...",
		Short: "Upload local files or folders, resuming interrupted uploads.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(cmd.ErrOrStderr(), logLevel)
			c, err := client.New(client.Options{BaseURL: server, Logger: logger})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var errs []error
			for _, p := range args {
				st, err := os.Stat(p)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				var results []upload.Result
				if st.IsDir() {
					results, err = c.UploadDir(cmd.Context(), p, dest)
				} else {
					var res upload.Result
					res, err = c.Upload(cmd.Context(), p, dest, "")
					results = []upload.Result{res}
				}
				if err != nil {
					errs = append(errs, err)
				}
				for _, r := range results {
					if r.Success {
						fmt.Fprintf(out, "ok    %s (%s)\n", r.Path, humanize.IBytes(uint64(r.Size)))
					} else {
						fmt.Fprintf(out, "FAIL  %s: %s\n", r.OriginalName, r.Message)
					}
				}
			}
			return errors.Join(errs...)
		},
	}
	defaultServer := os.Getenv("FILEDOCK_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:3923"
	}
	cmd.Flags().StringVarP(&server, "server", "s", defaultServer, "server url (env FILEDOCK_SERVER)")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "target directory on the server, relative to its root")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func newIdentityCommand() *cobra.Command {
	var dest, rel string
	cmd := &cobra.Command{
		Use:   "identity <file>",
		Short: "Print the upload id a client derives for a local file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), upload.Identity(upload.Fingerprint{
				Filename:     filepath.Base(args[0]),
				Size:         st.Size(),
				LastModified: st.ModTime().UnixMilli(),
				DestDir:      dest,
				RelativePath: rel,
			}))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "target directory on the server")
	cmd.Flags().StringVar(&rel, "relative-path", "", "path inside a folder upload")
	return cmd
}
