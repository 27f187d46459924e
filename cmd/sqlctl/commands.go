package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/spf13/cobra"
)

var (
	sqlCmd = &cobra.Command{
		Use:   "sql <statement> [params...]",
		Short: "Run a statement; reads are served by the contacted node",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSQL(false),
	}
	consistentCmd = &cobra.Command{
		Use:   "consistent <statement> [params...]",
		Short: "Run a statement; reads are linearizable",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSQL(true),
	}
	initCmd = &cobra.Command{
		Use:   "init [id=raft_addr@api_addr...]",
		Short: "Bootstrap a new cluster through --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := parseMembers(args)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := cli.Init(ctx, members); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "initialized")
			return nil
		},
	}
	addLearnerCmd = &cobra.Command{
		Use:   "add-learner <id> <raft_addr> <api_addr>",
		Short: "Add a non-voting member",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := cli.AddLearner(ctx, message.NodeInfo{ID: args[0], RaftAddr: args[1], APIAddr: args[2]})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	changeMembershipCmd = &cobra.Command{
		Use:   "change-membership <id>...",
		Short: "Set the voting members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := cli.ChangeMembership(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Show the status of the leader, or of --addr with --node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			local, _ := cmd.Flags().GetBool("node")
			var st *message.NodeStatus
			var err error
			if local {
				st, err = cli.NodeMetrics(ctx)
			} else {
				st, err = cli.Metrics(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Take a snapshot on --addr now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			meta, err := cli.TriggerSnapshot(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{sqlCmd, consistentCmd} {
		c.Flags().StringP("method", "m", "fetch", "execute, fetch, fetch_one or fetch_optional")
		c.Flags().Int("retries", 0, "retries while the cluster has no leader")
	}
	metricsCmd.Flags().Bool("node", false, "ask --addr instead of the leader")
}

func runSQL(consistent bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		retries, _ := cmd.Flags().GetInt("retries")

		msg := &message.Message{SQL: args[0]}
		if err := msg.Method.UnmarshalText([]byte(method)); err != nil {
			return err
		}
		for _, a := range args[1:] {
			msg.Params = append(msg.Params, parseParam(a))
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		var res *message.Result
		var err error
		switch {
		case consistent:
			res, err = cli.ConsistentSQL(ctx, msg)
		case retries > 0:
			res, err = cli.SQLWithRetries(ctx, msg, retries, 500*time.Millisecond)
		default:
			res, err = cli.SQL(ctx, msg)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}
}

// parseParam reads a command line parameter: null, true/false, integers and
// floats are typed, x'..' is a blob, anything else is text.
func parseParam(s string) message.Value {
	switch s {
	case "null", "NULL":
		return message.Null()
	case "true":
		return message.Bool(true)
	case "false":
		return message.Bool(false)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return message.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return message.Float64(f)
	}
	if hexStr, ok := strings.CutPrefix(s, "x'"); ok && strings.HasSuffix(hexStr, "'") {
		if b, err := hex.DecodeString(strings.TrimSuffix(hexStr, "'")); err == nil {
			return message.Blob(b)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return message.Timestamp(t)
	}
	return message.Text(s)
}

func parseMembers(args []string) ([]message.NodeInfo, error) {
	var out []message.NodeInfo
	for _, a := range args {
		id, rest, ok := strings.Cut(a, "=")
		raftAddr, apiAddr, _ := strings.Cut(rest, "@")
		if !ok || id == "" || raftAddr == "" {
			return nil, fmt.Errorf("invalid member %q (expected id=raft_addr@api_addr)", a)
		}
		out = append(out, message.NodeInfo{ID: id, RaftAddr: raftAddr, APIAddr: apiAddr})
	}
	return out, nil
}
