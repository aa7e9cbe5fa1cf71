package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/kairos/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show kairos version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if asJSON(cmd) {
			return printJSON(info)
		}
		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
