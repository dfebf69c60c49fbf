package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/envelopes"
)

var (
	dumpEnv     string
	dumpBaseURL string
	dumpOpts    envelopes.Options
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Inspect the network's raw envelope feed",
}

var streamDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the global envelope feed as JSON lines",
	Long: fmt.Sprintf(`Subscribe to the network's subscribe-all feed and print envelopes.

Environments: %s. --base-url overrides the environment.
Lines that are not valid envelopes are copied to stderr.`, strings.Join(envelopes.EnvironmentNames(), ", ")),
	Args:        cobra.NoArgs,
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := envelopes.SubscribeAllURL(dumpEnv, dumpBaseURL)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d := &envelopes.Dumper{Opts: dumpOpts, Out: os.Stdout, ErrOut: os.Stderr, Logger: logger}
		n, err := d.Run(ctx, url)
		logger.Info(fmt.Sprintf("Envelope dump finished after %d envelopes", n), "cli")
		return err
	},
}

func init() {
	f := streamDumpCmd.Flags()
	f.StringVar(&dumpEnv, "env", envelopes.DefaultEnv, "network environment")
	f.StringVar(&dumpBaseURL, "base-url", "", "message API base URL (overrides --env)")
	f.BoolVar(&dumpOpts.Raw, "raw", false, "print lines exactly as received")
	f.BoolVar(&dumpOpts.Pretty, "pretty", false, "indent JSON output")
	f.StringVar(&dumpOpts.TopicContains, "topic-contains", "", "only envelopes whose topic contains this")
	f.StringVar(&dumpOpts.TopicPrefix, "topic-prefix", "", "only envelopes whose topic starts with this")
	f.IntVarP(&dumpOpts.MaxMessages, "max-messages", "n", 0, "stop after N envelopes (0 = unlimited)")
	f.BoolVar(&dumpOpts.OmitMessage, "omit-message", false, "drop the message payload")
	f.IntVar(&dumpOpts.MessageMax, "message-max", 0, "truncate the base64 message to N chars")
	f.BoolVar(&dumpOpts.DecodeMessage, "decode-message", false, "add the decoded payload as hex")
	f.IntVar(&dumpOpts.HexMax, "hex-max", envelopes.DefaultHexMax, "cap decoded bytes rendered as hex")

	streamCmd.AddCommand(streamDumpCmd)
	rootCmd.AddCommand(streamCmd)
}
