// Package cli implements chunkctl, the operator tool for producing, watching
// and exporting chunkcast sessions against a chunk store.
package cli

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"chunkcast/internal/manifest"
	"chunkcast/internal/platform/config"
	"chunkcast/internal/platform/logger"

	"github.com/spf13/cobra"
)

// app carries the options shared by every command.
type app struct {
	serverURL string
	logLevel  string
	logFormat string
	timeout   time.Duration

	log *slog.Logger
}

// NewRootCommand builds the chunkctl command tree. Defaults come from the
// environment (CHUNKCAST_SERVER_URL, LOG_LEVEL, LOG_FORMAT, ...).
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chunkctl",
		Short:         "Produce, watch and export chunkcast sessions",
		Long:          `Talks to a chunk store. Commands: produce, watch, probe, vod.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.log = logger.NewWithWriter(a.logLevel, a.logFormat, cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.serverURL, "server", config.GetEnv("CHUNKCAST_SERVER_URL", "http://localhost:8080"), "chunk store base URL")
	pf.StringVar(&a.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	pf.StringVar(&a.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "text or json")
	pf.DurationVar(&a.timeout, "http-timeout", 30*time.Second, "timeout of one store request")

	root.AddCommand(
		newProduceCommand(a),
		newWatchCommand(a),
		newProbeCommand(a),
		newVodCommand(a),
	)
	return root
}

func (a *app) client() *manifest.Client {
	return manifest.NewClient(manifest.ClientConfig{
		ServerURL: a.serverURL,
		Client:    a.httpClient(),
		Logger:    a.log,
	})
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.timeout}
}

// createOutput opens path for writing; "-" is stdout.
func createOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{cmd.OutOrStdout()}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
