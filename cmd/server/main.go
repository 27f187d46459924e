// sqlcluster node daemon: a replicated SQLite database over raft.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "sqlcluster",
	Short: "replicated SQL database",
	Long: `sqlcluster (v` + Version + `)

Runs an SQLite database replicated with raft. Writes go through the
leader's log; reads are served locally or, on request, by the leader
after a quorum check.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("sqlcluster v%s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML, TOML or JSON config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// bindFlags maps dashed flag names onto config keys. Only flags the user set
// override file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
