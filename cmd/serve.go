package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/mnemo/pkg/service"
)

var (
	addrFlag string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory HTTP API",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}

			srv := service.NewServer(deps)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := srv.Init(ctx); err != nil {
				return err
			}

			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig

				log.Info("shutting down")
				if err := srv.Close(); err != nil {
					log.Error("shutdown failed", "error", err)
				}
			}()

			addr := addrFlag
			if addr == "" {
				addr = viper.GetString("server.addr")
			}

			return srv.Start(addr)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Address to listen on")
}

var longServe = `
Start the memory server. Provisions graph indexes and the vector collection
on startup, then exposes episodic, semantic, context and extraction
endpoints over HTTP.
`
