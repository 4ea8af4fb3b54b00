// Package initcmder provides the init command for initializing a local
// .engram directory with a starter config.toml.
package initcmder

import (
	"fmt"
	"os"
	"path/filepath"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/pkg/config"
)

const (
	dirName = ".engram"
)

const initLongDesc string = `Initialize a new .engram/ directory in the current working directory.

Creates a local .engram/ directory with a starter config.toml holding the
default settings for storage, the vector index, the embedding and extraction
gateways, and the novelty thresholds.

This is useful for maintaining separate memory state per project or directory.

Examples:
  engram init`

const initShortDesc string = "Initialize a local .engram/ directory"

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInit()
		},
	}

	return cmd
}

func runInit() error {
	log := charmlog.New(os.Stderr)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err == nil {
		log.Info("already initialized", "dir", dir)
		return nil
	}

	if err := config.Save(dir, config.NewDefaultConfig()); err != nil {
		return fmt.Errorf("writing starter config: %w", err)
	}

	log.Info("initialized .engram directory", "dir", dir)
	log.Info("edit config.toml to point at your storage and model gateways")
	return nil
}
