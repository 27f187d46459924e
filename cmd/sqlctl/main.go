// sqlctl talks to a sqlcluster over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lumadb/sqlcluster/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cli *client.Client

	rootCmd = &cobra.Command{
		Use:               "sqlctl",
		Short:             "sqlcluster client",
		Long:              "Client for a sqlcluster. Flags can also be set as SQLCTL_<FLAG> environment variables (e.g. SQLCTL_ADDR).",
		SilenceUsage:      true,
		PersistentPreRunE: setupClient,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("addr", "http://127.0.0.1:8080", "API address of any cluster node")
	f.String("node-id", "", "id of the node at --addr, if known")
	f.String("token", "", "bearer token")
	f.Duration("timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(sqlCmd, consistentCmd, initCmd, addLearnerCmd, changeMembershipCmd, metricsCmd, snapshotCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("sqlctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupClient(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	var opts []client.Option
	if token := viper.GetString("token"); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	cli = client.New(viper.GetString("node-id"), viper.GetString("addr"), opts...)
	return nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
