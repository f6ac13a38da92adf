package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	fileservice "tarun-kavipurapu/file-transfer/file-service"
	"tarun-kavipurapu/file-transfer/peer"
	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/monitor"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport"
	"tarun-kavipurapu/file-transfer/pkg/transport/udp"
)

var (
	interactive     bool
	metricsInterval time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve uploads and downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore(cfg.StorageDir)
		if err != nil {
			return err
		}
		acceptor, err := udp.Listen(cfg.Addr(), cfg.TOS)
		if err != nil {
			return err
		}
		svc := fileservice.New(acceptor, udp.NewFactory(cfg.Host, cfg.TOS), store, cfg, peer.OptionsFromConfig(cfg))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if metricsInterval > 0 {
			go monitor.Global.LogPeriodic(ctx, metricsInterval)
		}

		logger.Sugar.Infof("Starting file service on %s", acceptor.LocalAddr())
		served := make(chan error, 1)
		go func() { served <- svc.Serve(ctx) }()

		if interactive {
			fmt.Printf("File service listening on %s\n", acceptor.LocalAddr())
			fmt.Println("Type 'help' for commands.")
			prompt.New(
				func(in string) { serverExecutor(in, svc) },
				serverCompleter,
				prompt.OptionPrefix("server> "),
				prompt.OptionTitle("File Transfer Server"),
				prompt.OptionSetExitCheckerOnInput(isExit),
			).Run()
			fmt.Println("Stopping server...")
		} else {
			<-ctx.Done()
		}

		shutdownErr := svc.Shutdown()
		if err := stoppedCleanly(<-served); err != nil {
			return err
		}
		return shutdownErr
	},
}

// stoppedCleanly maps the result of Serve after Shutdown. Shutdown may win
// the race with a Serve that has not started yet, which then reports
// ErrClosed.
func stoppedCleanly(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func isExit(in string, breakline bool) bool {
	in = strings.TrimSpace(in)
	return breakline && (in == "exit" || in == "quit")
}

func serverExecutor(in string, svc *fileservice.Service) {
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
	case "status":
		fmt.Print(svc.Status())
	case "sessions":
		sessions := svc.Sessions()
		if len(sessions) == 0 {
			fmt.Println("No active sessions.")
			return
		}
		for _, s := range sessions {
			fmt.Printf("- %s %s peer=%s channel=%d local=%s age=%s\n",
				s.ID, s.Kind, s.Peer, s.ChannelID, s.Local, time.Since(s.Started).Truncate(time.Second))
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status     - Show service status and counters")
		fmt.Println("  sessions   - List running transfers")
		fmt.Println("  exit       - Stop the server and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show service status and counters"},
		{Text: "sessions", Description: "List running transfers"},
		{Text: "exit", Description: "Stop the server"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	cfg.BindServerFlags(serverCmd.Flags())
	serverCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start in interactive mode")
	serverCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Interval of the metrics log line (0 disables it)")
}
