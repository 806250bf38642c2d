package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vmpuller/config"
	"vmpuller/pkg/engine"
	"vmpuller/pkg/statusserver"
	"vmpuller/pkg/utils"
	"vmpuller/pkg/version"
	"vmpuller/pkg/vmdirectory"
)

var (
	configPath   string
	organization string
	vmDirRoot    string
	statusAddr   string

	name     string
	location string
)

func main() {
	root := &cobra.Command{
		Use:     "vmpuller",
		Short:   "Pull VM disk images out of an OCI registry",
		Version: version.StringWithCommit(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config.yaml")
	root.PersistentFlags().StringVar(&organization, "organization", "default", "cache namespace scoping this deployment")
	root.PersistentFlags().StringVar(&vmDirRoot, "vm-dir", "~/.local/share/vmpuller/vms", "base directory materialized VMs are written under")
	root.AddCommand(newPullCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <image:tag>",
		Short: "Pull a VM image and materialize it into a VM directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "VM name (defaults to the image's repository path)")
	cmd.Flags().StringVar(&location, "location", "", "location name to nest the VM directory under")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "if set, serve a status dashboard on this address while pulling")
	return cmd
}

func runPull(ctx context.Context, image string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := utils.NewLogger(utils.Config{
		LogLevel:  cfg.Logging.Level,
		LogFormat: cfg.Logging.Format,
		Pretty:    true,
	})

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"commit":  version.Commit,
	}).Info("vmpuller starting")

	vmDirs, err := vmdirectory.New(utils.ExpandHome(vmDirRoot, os.Getenv("HOME")), log)
	if err != nil {
		return fmt.Errorf("init vm directory manager: %w", err)
	}

	eng := engine.New(cfg, organization, vmDirs, log)

	if statusAddr != "" {
		server := statusserver.New(eng.Progress(), "views/statusserver", log)
		go func() {
			if err := server.Listen(statusAddr); err != nil {
				log.WithFunc().WithError(err).Warn("status server stopped")
			}
		}()
		defer server.Shutdown()
	}

	vmDir, err := eng.Pull(ctx, image, name, location)
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}

	fmt.Println(vmDir)
	return nil
}
