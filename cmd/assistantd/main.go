package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/assistantd/internal/config"
	"github.com/hrygo/assistantd/internal/daemon"
	"github.com/hrygo/assistantd/internal/ingress"
	"github.com/hrygo/assistantd/internal/ipc"
)

var (
	cfgPath    string
	socketPath string
	logger     zerolog.Logger

	rootCmd = &cobra.Command{
		Use:   "assistantd",
		Short: "Multiplexes conversations across messaging backends into per-chat agent sessions.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				With().Timestamp().Logger()
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground.",
		RunE:  runServe,
	}

	statusCmd = &cobra.Command{
		Use:   "status [chat_id]",
		Short: "Print the status of one session, or every session.",
		RunE:  runStatus,
	}

	killCmd = &cobra.Command{
		Use:   "kill <chat_id>",
		Short: "Kill one session (or \"all\").",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	}

	restartCmd = &cobra.Command{
		Use:   "restart <chat_id>",
		Short: "Restart one session, resuming its prior conversation.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestart,
	}

	injectCmd = &cobra.Command{
		Use:   "inject <prompt...>",
		Short: "Inject a prompt into a session, routed per flags (chat-id/admin/bg).",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runInject,
	}

	injectChatID      string
	injectAdmin       bool
	injectBg          bool
	injectSMS         bool
	injectContactName string
	injectTier        string
	injectSource      string
	injectReplyTo     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./assistantd.yaml", "path to the daemon's YAML config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "", "override the control socket path")

	rootCmd.PersistentFlags().String("data-dir", "", "override data directory")
	rootCmd.PersistentFlags().String("registry-path", "", "override registry file path")
	rootCmd.PersistentFlags().Int("max-idle-minutes", 0, "override idle-kill threshold in minutes")
	rootCmd.PersistentFlags().String("metrics-addr", "", "override prometheus listen address")
	rootCmd.PersistentFlags().String("agent-binary", "", "override the agent runtime binary name")
	rootCmd.PersistentFlags().String("owner-name", "", "override owner.name")
	rootCmd.PersistentFlags().String("owner-phone", "", "override owner.phone")
	rootCmd.PersistentFlags().String("telegram-bot-token", "", "override the telegram ingress reader's bot token")

	injectCmd.Flags().StringVar(&injectChatID, "chat-id", "", "target chat_id (admin identifier, when --admin is set)")
	injectCmd.Flags().BoolVar(&injectAdmin, "admin", false, "route to the persistent admin master session")
	injectCmd.Flags().BoolVar(&injectBg, "bg", false, "route to the chat's background consolidation session")
	injectCmd.Flags().BoolVar(&injectSMS, "sms", false, "mark this injection as arriving over SMS")
	injectCmd.Flags().StringVar(&injectContactName, "contact-name", "", "display name to attribute the prompt to")
	injectCmd.Flags().StringVar(&injectTier, "tier", "", "trust tier to inject as (admin/favorite/family/bots/unknown)")
	injectCmd.Flags().StringVar(&injectSource, "source", "", "originating backend (imessage/signal/test/voice)")
	injectCmd.Flags().StringVar(&injectReplyTo, "reply-to", "", "GUID of the message this prompt replies to")

	for _, flag := range []string{"data-dir", "registry-path", "max-idle-minutes", "metrics-addr", "agent-binary", "owner-name", "owner-phone", "telegram-bot-token"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("assistantd")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(serveCmd, statusCmd, killCmd, restartCmd, injectCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath, viper.GetViper())
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	mux, err := ingress.NewMultiplexer(d.Orchestrator(), cfg, logger)
	if err != nil {
		cancel()
		return fmt.Errorf("serve: ingress: %w", err)
	}
	go mux.Run(ctx)

	printGreeting(cfg)
	go d.Run(ctx)

	<-sigCh
	logger.Info().Msg("assistantd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer shutdownCancel()
	d.Shutdown(shutdownCtx)
	cancel()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	req := ipc.Request{Command: "status"}
	if len(args) == 1 {
		req.ChatID = args[0]
	}
	resp, err := sendIPC(req)
	if err != nil {
		return err
	}
	return printIPCResponse(resp)
}

func runKill(cmd *cobra.Command, args []string) error {
	cmdName := "kill_session"
	req := ipc.Request{Command: cmdName, ChatID: args[0]}
	if args[0] == "all" {
		req = ipc.Request{Command: "kill_all_sessions"}
	}
	resp, err := sendIPC(req)
	if err != nil {
		return err
	}
	return printIPCResponse(resp)
}

func runRestart(cmd *cobra.Command, args []string) error {
	resp, err := sendIPC(ipc.Request{Command: "restart_session", ChatID: args[0]})
	if err != nil {
		return err
	}
	return printIPCResponse(resp)
}

func runInject(cmd *cobra.Command, args []string) error {
	req := ipc.Request{
		Command:     "inject",
		ChatID:      injectChatID,
		Prompt:      strings.Join(args, " "),
		SMS:         injectSMS,
		Admin:       injectAdmin,
		Bg:          injectBg,
		ContactName: injectContactName,
		Tier:        injectTier,
		Source:      injectSource,
		ReplyTo:     injectReplyTo,
	}
	resp, err := sendIPC(req)
	if err != nil {
		return err
	}
	return printIPCResponse(resp)
}

func sendIPC(req ipc.Request) (ipc.Response, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.Load(cfgPath, viper.GetViper())
		if err == nil {
			path = cfg.SocketPath
		} else {
			path = "/tmp/claude-assistant.sock"
		}
	}

	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return ipc.Response{}, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return ipc.Response{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		return ipc.Response{}, fmt.Errorf("no response from daemon")
	}
	var resp ipc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return ipc.Response{}, fmt.Errorf("malformed daemon response: %w", err)
	}
	return resp, nil
}

func printIPCResponse(resp ipc.Response) error {
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printGreeting(cfg *config.Config) {
	fmt.Printf("assistantd started for %s\n", cfg.Owner.Name)
	fmt.Printf("Control socket: %s\n", cfg.SocketPath)
	fmt.Printf("Metrics: http://localhost%s/metrics\n", cfg.MetricsAddr)
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
