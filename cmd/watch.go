package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fixgate/internal/notify"
	"github.com/joescharf/fixgate/internal/output"
	"github.com/joescharf/fixgate/internal/workflow"
)

var watchChannel string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail review notifications from Redis",
	Long: `Subscribe to the review notification channel and print each broadcast
as it arrives. Requires notify.redis to be configured; the channel defaults
to notify.channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchChannel, "channel", "", "Channel to watch (default notify.channel)")
	rootCmd.AddCommand(watchCmd)
}

func watchRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	channel := watchChannel
	if channel == "" {
		channel = viper.GetString("notify.channel")
	}

	b := newRedisBroadcaster()
	defer func() { _ = b.Close() }()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", viper.GetString("notify.redis.addr"), err)
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	ui.Info("Watching %s (Ctrl-C to stop)", output.Cyan(channel))
	return b.Subscribe(ctx, channel, printNotification)
}

// printNotification renders one broadcast as a single line.
func printNotification(msg notify.Message) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		fmt.Fprintf(ui.Out, "%s %s\n", time.Now().Format(time.TimeOnly), string(msg.Payload))
		return nil
	}

	typ, _ := payload["type"].(string)
	id, _ := payload["reviewId"].(string)
	delete(payload, "type")
	delete(payload, "reviewId")
	rest, _ := json.Marshal(payload)
	fmt.Fprintf(ui.Out, "%s %-34s %s %s\n", time.Now().Format(time.TimeOnly), typeColor(typ), output.Cyan(id), rest)
	return nil
}

func typeColor(typ string) string {
	switch typ {
	case workflow.MsgFixApproved:
		return output.Green(typ)
	case workflow.MsgFixRejected:
		return output.Red(typ)
	case workflow.MsgReviewRequired, workflow.MsgModificationsRequested:
		return output.Yellow(typ)
	default:
		return typ
	}
}
