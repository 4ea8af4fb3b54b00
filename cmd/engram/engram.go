// Package engramcmder
package engramcmder

import (
	"github.com/spf13/cobra"

	draincmder "github.com/engramdev/engram/cmd/engram/drain"
	initcmder "github.com/engramdev/engram/cmd/engram/init"
	servecmder "github.com/engramdev/engram/cmd/engram/serve"
	versioncmder "github.com/engramdev/engram/cmd/version"
)

const engramLongDesc string = `Engram is a temporal knowledge-graph memory for your agents.

Run services using:
  engram serve         Run the memory API server
  engram drain         Drain an owner's deferred queue once
  engram init          Initialize a local .engram/ directory`

const engramShortDesc string = "Engram - Agent Memory"

func NewEngramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engram",
		Short: engramShortDesc,
		Long:  engramLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Config directory (default: ~/.engram)")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(draincmder.NewDrainCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
