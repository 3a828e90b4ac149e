// Package console is a line-oriented terminal surface over a chat binding.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"feedchat/internal/bus"
	"feedchat/internal/chat"
	"feedchat/internal/conn"
	"feedchat/internal/domain"
)

// Config configures a Console.
type Config struct {
	Binding *chat.Binding
	Events  *bus.EventBus
	SelfID  string
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

// Console reads commands and messages from In and renders chat events to Out.
type Console struct {
	binding *chat.Binding
	events  *bus.EventBus
	selfID  string
	logger  *slog.Logger
	in      io.Reader

	outMu sync.Mutex
	out   io.Writer

	current atomic.Value // string: conversation shown
}

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Console{
		binding: cfg.Binding,
		events:  cfg.Events,
		selfID:  cfg.SelfID,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
	}
	c.current.Store("")
	return c
}

const help = `Type a message and press Enter to send it.
  /doc <url> <name> <type> [skill,...]  share a document
  /switch <id>                          talk to someone else
  /status                               show the connection state
  /history                              reprint the conversation
  /quit                                 leave`

// Start binds to conversationID and runs the REPL until /quit, EOF or ctx is done.
func (c *Console) Start(ctx context.Context, conversationID string) error {
	id := c.events.On("*", c.onEvent)
	defer c.events.Off("*", id)

	if err := c.switchTo(ctx, conversationID); err != nil {
		return err
	}
	c.println("feedchat console. /help for commands, /quit to exit.")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err // nil on EOF
		case line := <-lines:
			if quit := c.handleLine(ctx, strings.TrimSpace(line)); quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

func (c *Console) handleLine(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line, nil)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.println(help)
	case "/status":
		c.printStatus()
	case "/history":
		if client := c.binding.Current(); client != nil {
			for _, m := range client.Messages() {
				c.println(FormatMessage(m, c.selfID))
			}
		}
	case "/switch":
		if len(fields) != 2 {
			c.println("usage: /switch <id>")
			return false
		}
		if err := c.switchTo(ctx, fields[1]); err != nil {
			c.println("error: " + err.Error())
		}
	case "/doc":
		att, err := ParseDocument(fields[1:])
		if err != nil {
			c.println("error: " + err.Error())
			return false
		}
		c.send("", att)
	default:
		c.println("unknown command " + fields[0] + " (try /help)")
	}
	return false
}

func (c *Console) switchTo(ctx context.Context, conversationID string) error {
	c.current.Store(conversationID)
	_, err := c.binding.Bind(ctx, conversationID)
	return err
}

func (c *Console) send(content string, att *domain.Attachment) {
	client := c.binding.Current()
	if client == nil {
		c.println("not connected: no conversation")
		return
	}
	ok, err := client.Send(content, att)
	switch {
	case err != nil:
		c.println("error: " + err.Error())
	case !ok:
		c.println("not connected: message not sent (status " + client.Status().String() + ")")
	}
}

func (c *Console) printStatus() {
	client := c.binding.Current()
	if client == nil {
		c.println("no conversation")
		return
	}
	line := fmt.Sprintf("conversation %s: %s, %d messages", client.ConversationID(), client.Status(), len(client.Messages()))
	if err := client.Err(); err != nil {
		line += " (" + err.Error() + ")"
	}
	c.println(line)
}

// onEvent renders events of the conversation being shown. It runs while the
// client publishes, so it must not call back into the binding.
func (c *Console) onEvent(e bus.Event) {
	if e.Conversation != c.current.Load().(string) {
		return
	}
	switch e.Type {
	case bus.EventMessageAppended:
		c.println(FormatMessage(*e.Message, c.selfID))
	case bus.EventMessageConfirmed:
		c.println("  ✓ delivered")
	case bus.EventMessageFailed:
		c.println(fmt.Sprintf("  ✗ not delivered: %q (%s)", e.Message.Content, e.Message.FailureReason))
	case bus.EventStatus:
		switch e.Status {
		case conn.StatusConnecting.String():
			c.println("* connecting to " + e.Conversation + "...")
		case conn.StatusOpen.String():
			c.println("* connected to " + e.Conversation)
		case conn.StatusClosed.String():
			c.println("* disconnected")
		}
	case bus.EventConnectionFailed:
		c.println("* giving up: " + e.Err.Error())
	case bus.EventConversationBound:
		c.println("* now chatting with " + e.Conversation)
	}
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}
