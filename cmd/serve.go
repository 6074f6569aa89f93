package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rtg-microscopy/mingest/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the experiment catalog read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// No pipeline runs in this process, so there are no breakers to report.
		srv := server.New(server.Config{
			Port:        cfg.Server.Port,
			JWTSecret:   cfg.Server.JWTSecret,
			CORSOrigins: cfg.Server.CORSOrigins,
		}, st, nil)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}
