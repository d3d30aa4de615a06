package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/kauschie/knewit/internal/client"
	"github.com/kauschie/knewit/internal/config"
	"github.com/kauschie/knewit/internal/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewConnectCmd runs a headless reconnecting client. Each stdin line is either a full JSON
// envelope or "<type> <json payload>"; every server event is printed as one JSON line.
func NewConnectCmd(configPath *string) *cobra.Command {
	var (
		target        string
		participantID string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a coordinator and relay envelopes over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if participantID == "" {
				participantID = uuid.NewString()
			}
			return runConnect(cmd.Context(), cfg, target, participantID, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&target, "url", "ws://localhost:8080/ws", "coordinator websocket url")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id to reuse across reconnects")
	return cmd
}

func runConnect(ctx context.Context, cfg config.Config, target, participantID string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		URL:           target,
		ParticipantID: participantID,
		PingInterval:  config.TTLDuration(cfg.Session.PingInterval, client.DefaultPingInterval),
		OnMessage: func(env protocol.Envelope) {
			data, err := env.Encode()
			if err != nil {
				return
			}
			fmt.Fprintln(out, string(data))
		},
		OnStateChange: func(s client.State) {
			logger.Info("connection state", zap.String("state", s.String()))
		},
		Logger: logger,
	})

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			env, err := parseLine(scanner.Text())
			if err != nil {
				logger.Warn("skipping input", zap.Error(err))
				continue
			}
			if err := c.Send(env); err != nil {
				logger.Warn("send failed", zap.Error(err), zap.String("type", string(env.Type)))
			}
		}
		stop()
	}()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseLine(line string) (protocol.Envelope, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return protocol.Envelope{}, errors.New("empty line")
	}
	if strings.HasPrefix(line, "{") {
		return protocol.Decode([]byte(line))
	}
	typ, payload, _ := strings.Cut(line, " ")
	env := protocol.Envelope{Type: protocol.MessageType(typ)}
	if payload = strings.TrimSpace(payload); payload != "" {
		env.Payload = []byte(payload)
	}
	if !protocol.IsInbound(env.Type) {
		return protocol.Envelope{}, fmt.Errorf("unknown message type %q", typ)
	}
	return env, nil
}
