package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/op/go-logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/server"
)

var (
	configPath string
	logLevel   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "kestrel-replica",
		Short: "BFT replication service replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "replica.yaml", "path to the replica config")
	flags.StringVar(&logLevel, "loglevel", "INFO", "log level")
	pflag.CommandLine.AddFlagSet(flags)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	level, err := logging.LogLevel(logLevel)
	if err != nil {
		level = logging.INFO
	}
	logging.SetLevel(level, "")

	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}

	replica, err := server.NewReplicaServer(conf)
	if err != nil {
		return err
	}
	if err := replica.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	replica.Stop()
	return nil
}
