package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"miabot/internal/domain"
)

// CLISender is the address of the local terminal user.
const CLISender = "cli"

// CLI implements domain.Transport for interactive terminal chat. Replies and
// media are written to the output; nothing is ever downloaded.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader

	outMu sync.Mutex
	out   io.Writer
	seq   int
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start reads lines until EOF, /quit or cancellation.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.printf("Tape ton message puis Entrée. /quit pour sortir.\n> ")

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				c.printf("> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.publish(line)
		}
	}
}

func (c *CLI) publish(line string) {
	c.outMu.Lock()
	c.seq++
	id := fmt.Sprintf("cli-%d", c.seq)
	c.outMu.Unlock()

	c.bus.Publish(domain.InboundMessage{
		ID:        id,
		Channel:   c.Name(),
		Sender:    CLISender,
		Modality:  domain.ModalityText,
		Text:      line,
		Timestamp: time.Now(),
	})
}

func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, to string, text string) error {
	return c.printf("%s\n> ", text)
}

func (c *CLI) SendMedia(ctx context.Context, to string, data []byte, caption string) error {
	return c.printf("[image %s, %d octets] %s\n> ", http.DetectContentType(data), len(data), caption)
}

func (c *CLI) SetPresence(ctx context.Context, to string, state domain.Presence) error {
	if state == domain.PresenceComposing {
		return c.printf("…\r")
	}
	return nil
}

func (c *CLI) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	return nil, fmt.Errorf("cli: no media for ref %q", ref)
}

func (c *CLI) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
