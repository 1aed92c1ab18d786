// Command syncd is the reference host process for a LAN watch-together
// session: it hosts or joins a session from the command line, driving the
// same internal/session, internal/syncmaster, internal/syncclient,
// internal/transport, internal/streamer, and internal/upload packages a
// real on-device app would embed. The cobra.Command subcommand layout and
// signal.NotifyContext shutdown sequence follow the api/cmd/helix
// entrypoint's conventions.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/errreport"
	"github.com/lanwatch/syncd/internal/mediastore"
	"github.com/lanwatch/syncd/internal/netprobe"
	"github.com/lanwatch/syncd/internal/playback"
	"github.com/lanwatch/syncd/internal/session"
	"github.com/lanwatch/syncd/internal/syncclient"
	"github.com/lanwatch/syncd/internal/syncmaster"
	"github.com/lanwatch/syncd/internal/upload"
	"github.com/lanwatch/syncd/internal/uploadstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "LAN watch-together session host and client",
	}
	root.AddCommand(newHostCommand(), newJoinCommand())
	return root
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func newHostCommand() *cobra.Command {
	var dataDir string
	var displayName string

	cmd := &cobra.Command{
		Use:   "host [movie-file]",
		Short: "Host a session publishing the given movie file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), args[0], dataDir, displayName)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./syncd-data", "directory for uploads and the upload database")
	cmd.Flags().StringVar(&displayName, "name", "host", "display name advertised to joining clients")
	return withSignalContext(cmd)
}

func newJoinCommand() *cobra.Command {
	var deviceID string
	var displayName string

	cmd := &cobra.Command{
		Use:   "join [ws-url] [pin] [stream-base-url]",
		Short: "Join a hosted session as a simulated follower",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), args[0], args[1], args[2], deviceID, displayName)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "stable device identifier (random if empty)")
	cmd.Flags().StringVar(&displayName, "name", "client", "display name shown in the host's roster")
	return withSignalContext(cmd)
}

// withSignalContext arranges for cmd.Context() to carry a
// signal.NotifyContext cancelled on SIGINT/SIGTERM, mirroring the
// graceful-shutdown pattern applied around the gocron scheduler in
// api/pkg/controller/knowledge/cron.go's Shutdown().
func withSignalContext(cmd *cobra.Command) *cobra.Command {
	originalRunE := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		c.SetContext(ctx)
		return originalRunE(c, args)
	}
	return cmd
}

func runHost(ctx context.Context, moviePath, dataDir, displayName string) error {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	errRep := errreport.New(cfg.Sentry.DSN, log)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	media, err := mediastore.New(filepath.Join(dataDir, "uploads"))
	if err != nil {
		errRep.CorrectnessFatal("mediastore", err)
		return err
	}

	store, err := uploadstore.Open(filepath.Join(dataDir, "uploads.db"), log)
	if err != nil {
		errRep.CorrectnessFatal("uploadstore", err)
		return err
	}
	defer store.Close()

	registry := session.New(log, cfg, netprobe.New())
	hosted, err := registry.Host(ctx, session.HostRequest{
		MovieID:     "main",
		Path:        moviePath,
		ContentType: "video/mp4",
		DisplayName: displayName,
	})
	if err != nil {
		errRep.CorrectnessFatal("session", err)
		return err
	}
	defer registry.End(context.Background())

	coordinator := syncmaster.New(log, hosted.Transport(), hosted, cfg.Sync, errRep)
	hosted.Transport().SetStatusHandler(coordinator.HandleStatusReport)
	coordinator.Run(ctx)
	defer coordinator.Close()

	uploadPIN := hosted.Snapshot().PIN // the demo reuses the sync PIN as the upload PIN scope
	uploadSvc := upload.New(log, store, media, cfg.TUS, func(pin string) bool { return pin == uploadPIN })
	uploadAddr, err := startUploadServer(uploadSvc, cfg.HTTP.UploadPort, cfg.HTTP.UploadPortFallback)
	if err != nil {
		errRep.CorrectnessFatal("upload", err)
		return err
	}
	log.Info().Str("addr", uploadAddr).Msg("upload service listening")

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating cleanup scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(time.Duration(cfg.TUS.CleanupIntervalHrs)*time.Hour),
		gocron.NewTask(func() {
			expired, orphans, err := store.Cleanup(ctx, media, "")
			if err != nil {
				log.Warn().Err(err).Msg("upload cleanup failed")
				return
			}
			log.Info().Int("expired", expired).Int("orphansRemoved", orphans).Msg("upload cleanup complete")
		}),
		gocron.WithName("upload-cleanup"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("scheduling cleanup job: %w", err)
	}
	scheduler.Start()
	defer scheduler.Shutdown()

	snap := hosted.Snapshot()
	fmt.Printf("hosting session %s\n", snap.ID)
	fmt.Printf("  pin:       %s\n", snap.PIN)
	fmt.Printf("  movie:     %s\n", moviePath)
	streamBase := snap.StreamURL[:len(snap.StreamURL)-len("/video/"+snap.MovieID)]
	fmt.Printf("  join with: syncd join %s %s %s\n", snap.CommandURL, snap.PIN, streamBase)

	printRosterOnSignal(ctx, hosted)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// startUploadServer binds the TUS upload service to the first available
// port in [primary, fallback...], the same port-fallback idiom
// internal/streamer and internal/transport use.
func startUploadServer(svc *upload.Service, primary int, fallback []int) (string, error) {
	ports := append([]int{primary}, fallback...)
	var lastErr error
	for _, p := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			lastErr = err
			continue
		}
		srv := &http.Server{Handler: svc.Router()}
		go srv.Serve(ln)
		return ln.Addr().String(), nil
	}
	return "", fmt.Errorf("upload service: all ports exhausted, last error: %w", lastErr)
}

func printRosterOnSignal(ctx context.Context, hosted *session.Hosted) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				roster := hosted.Roster()
				if len(roster) == 0 {
					continue
				}
				table := tablewriter.NewWriter(os.Stdout)
				table.SetHeader([]string{"Device", "IP", "Ready", "Drift (ms)", "Degraded"})
				table.SetAutoWrapText(false)
				table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
				table.SetAlignment(tablewriter.ALIGN_LEFT)
				table.SetBorder(false)
				for _, d := range roster {
					table.Append([]string{
						d.DisplayName,
						d.IPv4,
						fmt.Sprintf("%v", d.Ready),
						fmt.Sprintf("%d", d.Drift),
						fmt.Sprintf("%v", d.Degraded),
					})
				}
				table.Render()
			}
		}
	}()
}

func runJoin(ctx context.Context, wsURL, pin, streamBase, deviceID, displayName string) error {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if deviceID == "" {
		deviceID = displayName + "-" + time.Now().Format("150405")
	}

	engine := playback.New(0)
	client := syncclient.New(log, engine, cfg.Sync, deviceID, streamBase)

	if err := client.Start(ctx, wsURL, pin); err != nil {
		return fmt.Errorf("joining session: %w", err)
	}
	defer client.Close()

	fmt.Printf("joined as %s, waiting for commands\n", deviceID)
	<-ctx.Done()
	log.Info().Msg("leaving session")
	return nil
}
