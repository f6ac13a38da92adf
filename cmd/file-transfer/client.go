package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/file-transfer/peer"
	"tarun-kavipurapu/file-transfer/pkg/discovery"
	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/monitor"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport/udp"
)

var (
	serverAddr   string
	noProgress   bool
	discoverWait time.Duration
)

// transfer runs op with a client bound to an ephemeral port, drawing
// progress on terminals.
func transfer(ctx context.Context, name string, op func(context.Context, *peer.Client) error) error {
	target := serverAddr
	if target == "" {
		target = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	}
	server, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("resolve server %s: %w", target, err)
	}
	store, err := storage.NewStore(cfg.StorageDir)
	if err != nil {
		return err
	}
	trans, err := udp.Listen(net.JoinHostPort(cfg.Host, "0"), cfg.TOS)
	if err != nil {
		return err
	}
	defer trans.Close()

	tracker := peer.NewTransferTracker(name)
	opts := peer.OptionsFromConfig(cfg)
	opts.Observer = tracker
	client := peer.NewClient(trans, store, server, opts)

	var renderer *peer.ProgressRenderer
	if !noProgress && peer.IsTerminalSupported(os.Stdout) {
		renderer = peer.NewProgressRenderer(tracker, os.Stdout, true)
		go renderer.Start()
	}

	err = op(ctx, client)
	tracker.Finish(err)
	if renderer != nil {
		renderer.StopAndWait()
		return err
	}
	if err == nil {
		done, total, _, _ := tracker.Progress()
		fmt.Printf("%s: %d/%d chunks in %s\n", name, done, total, tracker.Elapsed().Truncate(time.Millisecond))
	}
	return err
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local-file> <remote-path>",
	Short: "Send a local file to the server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		return transfer(ctx, filepath.Base(args[0]), func(ctx context.Context, c *peer.Client) error {
			return c.Upload(ctx, args[0], args[1])
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote-path> <local-file>",
	Short: "Fetch a file from the server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		return transfer(ctx, filepath.Base(args[1]), func(ctx context.Context, c *peer.Client) error {
			return c.Download(ctx, args[0], args[1])
		})
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List file transfer servers on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := discover(cmd.Context(), discoverWait)
		if err != nil {
			return err
		}
		printServices(services)
		return nil
	},
}

func discover(ctx context.Context, wait time.Duration) ([]*discovery.ServiceInfo, error) {
	resolver, err := discovery.NewResolver()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var services []*discovery.ServiceInfo
	for info := range ch {
		services = append(services, info)
	}
	return services, nil
}

func printServices(services []*discovery.ServiceInfo) {
	if len(services) == 0 {
		fmt.Println("No servers found.")
		return
	}
	for _, s := range services {
		fmt.Printf("- %s at %s (%s)\n", s.InstanceName, s.Addr(), s.HostName)
	}
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive client shell",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("File Transfer Client Shell")
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { clientExecutor(cmd.Context(), in) },
			clientCompleter,
			prompt.OptionPrefix("ft> "),
			prompt.OptionTitle("File Transfer Client"),
			prompt.OptionSetExitCheckerOnInput(isExit),
		).Run()
	},
}

func clientExecutor(ctx context.Context, in string) {
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
	case "upload":
		if len(blocks) < 3 {
			fmt.Println("Usage: upload <local-file> <remote-path>")
			return
		}
		err := transfer(ctx, filepath.Base(blocks[1]), func(ctx context.Context, c *peer.Client) error {
			return c.Upload(ctx, blocks[1], blocks[2])
		})
		if err != nil {
			fmt.Printf("Upload failed: %v\n", err)
		}
	case "download":
		if len(blocks) < 3 {
			fmt.Println("Usage: download <remote-path> <local-file>")
			return
		}
		err := transfer(ctx, filepath.Base(blocks[2]), func(ctx context.Context, c *peer.Client) error {
			return c.Download(ctx, blocks[1], blocks[2])
		})
		if err != nil {
			fmt.Printf("Download failed: %v\n", err)
		}
	case "server":
		if len(blocks) < 2 {
			fmt.Printf("Server: %s\n", serverAddr)
			return
		}
		serverAddr = blocks[1]
	case "discover":
		services, err := discover(ctx, discoverWait)
		if err != nil {
			fmt.Printf("Discovery failed: %v\n", err)
			return
		}
		printServices(services)
		if len(services) > 0 && serverAddr == "" {
			serverAddr = services[0].Addr()
			fmt.Printf("Using %s\n", serverAddr)
		}
	case "status":
		s := monitor.Global.Snapshot()
		fmt.Printf("Server: %s\nStorage: %s\nChunks: %d sent, %d received, %d files finalized\n",
			serverAddr, cfg.StorageDir, s.ChunksSent, s.ChunksReceived, s.FilesFinalized)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  upload <local> <remote>    - Send a file to the server")
		fmt.Println("  download <remote> <local>  - Fetch a file from the server")
		fmt.Println("  server [addr]              - Show or set the server address")
		fmt.Println("  discover                   - Find servers on the local network")
		fmt.Println("  status                     - Show transfer counters")
		fmt.Println("  exit                       - Leave the shell")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
	logger.Sync()
}

func clientCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "upload", Description: "Send a file to the server"},
		{Text: "download", Description: "Fetch a file from the server"},
		{Text: "server", Description: "Show or set the server address"},
		{Text: "discover", Description: "Find servers on the local network"},
		{Text: "status", Description: "Show transfer counters"},
		{Text: "exit", Description: "Leave the shell"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	for _, cmd := range []*cobra.Command{uploadCmd, downloadCmd, shellCmd} {
		cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address (default 127.0.0.1:<port>)")
		cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
		rootCmd.AddCommand(cmd)
	}
	discoverCmd.Flags().DurationVar(&discoverWait, "wait", 3*time.Second, "How long to browse")
	shellCmd.Flags().DurationVar(&discoverWait, "discover-wait", 3*time.Second, "How long 'discover' browses")
	rootCmd.AddCommand(discoverCmd)
}
