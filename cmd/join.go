package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/application/pionlog"
	"github.com/qrave1/voicelink/internal/auth"
	"github.com/qrave1/voicelink/internal/infra/adapters/realtime"
	"github.com/qrave1/voicelink/internal/infra/adapters/rtc"
	"github.com/qrave1/voicelink/internal/infra/appctx"
	"github.com/qrave1/voicelink/internal/voice"
)

var joinFlags struct {
	token     string
	source    string
	recordDir string
	muted     bool
	deafened  bool
}

var joinCmd = &cobra.Command{
	Use:   "join <channel-id>",
	Short: "Join a voice channel as a headless client controlled from stdin",
	Long: `Commands read from stdin, one per line:
  mute | unmute | deafen | undeafen
  mute-peer <user-id> | unmute-peer <user-id>
  peers
  disconnect   (twice within the window to leave)
  leave | quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse channel id: %w", err)
		}

		return runJoin(cmd.Context(), channelID, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinFlags.token, "token", "", "JWT (defaults to VOICE_TOKEN)")
	f.StringVar(&joinFlags.source, "source", "", "Ogg/Opus file to send instead of silence")
	f.StringVar(&joinFlags.recordDir, "record", "", "directory to record incoming audio into")
	f.BoolVar(&joinFlags.muted, "muted", false, "join muted")
	f.BoolVar(&joinFlags.deafened, "deafened", false, "join deafened")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(parent context.Context, channelID uuid.UUID, in io.Reader, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		return err
	}

	setupLogger(cfg.Debug)

	token := joinFlags.token
	if token == "" {
		token = cfg.Voice.Token
	}

	userID, err := auth.Subject(token)
	if err != nil {
		return fmt.Errorf("%w: %w", voice.ErrAuthenticationRequired, err)
	}

	dialer := realtime.NewDialer(cfg.Voice.ServerURL, token)

	iceServers, err := dialer.FetchICEServers(ctx)
	if err != nil {
		slog.Warn("fetch ice servers, using local config", slog.Any(constant.Error, err))
		iceServers = cfg.ICEServers()
	}

	engine, err := rtc.NewEngine(rtc.Config{
		ICEServers:    iceServers,
		SourceFile:    joinFlags.source,
		RecordDir:     joinFlags.recordDir,
		LoggerFactory: pionlog.NewFactory(slog.Default()),
	})
	if err != nil {
		return err
	}

	controller := voice.NewController(
		realtime.NewSessionStore(dialer),
		dialer,
		engine,
		voice.Options{
			DisconnectWindow: cfg.Voice.DisconnectWindow,
			Negotiation: voice.NegotiationConfig{
				Retries:        cfg.Voice.NegotiationRetries,
				ConnectTimeout: cfg.Voice.ConnectTimeout,
				InitialBackoff: cfg.Voice.BackoffInitial,
				MaxBackoff:     cfg.Voice.BackoffMax,
			},
			OnNegotiation: func(channelID, peerID uuid.UUID, outcome voice.NegotiationOutcome) {
				slog.Debug("negotiation outcome",
					slog.String(constant.ChannelID, channelID.String()),
					slog.String(constant.PeerID, peerID.String()),
					slog.String("outcome", string(outcome)),
				)
			},
		},
	)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()

		if err := controller.Close(closeCtx); err != nil {
			slog.Error("close voice controller", slog.Any(constant.Error, err))
		}
	}()

	controller.SetLocalMute(joinFlags.muted)
	controller.SetLocalDeafen(joinFlags.deafened)

	if err = controller.Join(appctx.WithUserID(ctx, userID), channelID); err != nil {
		return fmt.Errorf("join %s: %w", channelID, err)
	}

	slog.Info("joined voice channel", slog.Any(constant.ChannelID, channelID), slog.Any(constant.UserID, userID))

	go printNotices(ctx, controller.Notices())

	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	userCtx := appctx.WithUserID(context.Background(), userID)

	for {
		select {
		case <-ctx.Done():
			return controller.Leave(userCtx, channelID)
		case line, ok := <-lines:
			if !ok {
				return controller.Leave(userCtx, channelID)
			}

			done, err := handleCommand(userCtx, controller, channelID, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if done {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, c *voice.Controller, channelID uuid.UUID, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "mute":
		c.SetLocalMute(true)
	case "unmute":
		c.SetLocalMute(false)
	case "deafen":
		c.SetLocalDeafen(true)
	case "undeafen":
		c.SetLocalDeafen(false)

	case "mute-peer", "unmute-peer":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: %s <user-id>", fields[0])
		}

		peerID, err := uuid.Parse(fields[1])
		if err != nil {
			return false, err
		}

		return false, c.SetParticipantMuted(peerID, fields[0] == "mute-peer")

	case "peers":
		states := c.Peers()
		for _, p := range c.Participants() {
			fmt.Fprintf(out, "%s state=%s speaking=%t muted=%t deafened=%t\n",
				p.ID, states[p.ID], p.IsSpeaking, p.LocalMuteApplied, p.LocalDeafenApplied)
		}

	case "disconnect":
		outcome, err := c.RequestDisconnect(ctx)
		if err != nil {
			return false, err
		}

		if outcome == voice.DisconnectArmed {
			fmt.Fprintln(out, "repeat disconnect to leave")
			return false, nil
		}

		return true, nil

	case "leave", "quit":
		return true, c.Leave(ctx, channelID)

	default:
		return false, errors.New("unknown command")
	}

	return false, nil
}

func printNotices(ctx context.Context, notices <-chan voice.Notice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}

			slog.Warn(
				"voice notice",
				slog.String(constant.Kind, n.Kind.String()),
				slog.Any(constant.ChannelID, n.ChannelID),
				slog.Any(constant.PeerID, n.PeerID),
				slog.Any(constant.Error, n.Err),
			)
		}
	}
}
