package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendly/chatcore"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat
	chatMetricsAddr string

	// history
	historyJSON bool

	// send
	sendAttach string
	sendJSON   bool
)

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <other-user-id>",
	Short: "Open an interactive conversation",
	Long: `Open the conversation with another user and follow it live.

Plain lines are sent as messages. Commands:
  /edit <id> <text>    replace the text of one of your messages
  /delete <id>         delete one of your messages
  /attach <path>       send a file
  /refresh <id>        print a fresh link for an attachment
  /quit                leave

Message ids may be shortened to any unique prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if chatMetricsAddr != "" {
			srv := &http.Server{
				Addr:    chatMetricsAddr,
				Handler: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		rt := s.realtime()
		defer rt.Close()

		out := cmd.OutOrStdout()
		r := newRenderer(out, s.cfg.Auth.UserID)
		ctl, err := s.newController(rt, args[0], chatcore.ControllerConfig{
			OnChange: r.render,
			OnTyping: r.typing,
			OnNotice: func(n chatcore.Notice) { r.printf("! %s\n", n.Text()) },
			OnState: func(st chatcore.ControllerState) {
				if st == chatcore.StateFailed {
					r.printf("! conversation unavailable\n")
				}
			},
		})
		if err != nil {
			return err
		}
		defer ctl.Close()

		if err := ctl.Start(ctx); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		r.printf("-- conversation %s with %s (/quit to leave)\n", ctl.Conversation().ID, args[0])

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := runLine(ctx, ctl, line, r)
				if err != nil {
					r.printf("! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// chatSession is the part of the Controller the input loop drives.
type chatSession interface {
	Send(ctx context.Context, text string, att *chatcore.OutgoingAttachment) error
	BeginEdit(id string) error
	CancelEdit()
	Delete(ctx context.Context, id string) error
	RefreshAttachmentURL(ctx context.Context, id string) (string, error)
	Snapshot() []chatcore.MessageView
}

// runLine executes one line of input. It reports whether the user asked to quit.
func runLine(ctx context.Context, ctl chatSession, line string, r *renderer) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return false, ctl.Send(ctx, line, nil)
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/edit":
		ref, text, _ := strings.Cut(rest, " ")
		id, err := resolveID(ctl.Snapshot(), ref)
		if err != nil {
			return false, err
		}
		if err := ctl.BeginEdit(id); err != nil {
			return false, err
		}
		if err := ctl.Send(ctx, text, nil); err != nil {
			ctl.CancelEdit()
			return false, err
		}
		return false, nil
	case "/delete":
		id, err := resolveID(ctl.Snapshot(), rest)
		if err != nil {
			return false, err
		}
		return false, ctl.Delete(ctx, id)
	case "/attach":
		att, closeFile, err := openAttachment(rest)
		if err != nil {
			return false, err
		}
		defer closeFile()
		return false, ctl.Send(ctx, "", att)
	case "/refresh":
		id, err := resolveID(ctl.Snapshot(), rest)
		if err != nil {
			return false, err
		}
		u, err := ctl.RefreshAttachmentURL(ctx, id)
		if err != nil {
			return false, err
		}
		r.printf("%s\n", u)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
}

// resolveID expands a unique id prefix against the visible messages.
func resolveID(views []chatcore.MessageView, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("message id required")
	}
	var match string
	for _, v := range views {
		if v.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(v.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("id %q is ambiguous", ref)
			}
			match = v.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message with id %q", ref)
	}
	return match, nil
}

func openAttachment(path string) (*chatcore.OutgoingAttachment, func(), error) {
	if path == "" {
		return nil, nil, errors.New("file path required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	att := &chatcore.OutgoingAttachment{
		Descriptor: chatcore.AttachmentDescriptor{Name: filepath.Base(path), Size: info.Size()},
		Payload:    f,
	}
	return att, func() { f.Close() }, nil
}

// ============================================================================
// Rendering
// ============================================================================

// renderer prints each message once and again whenever its line changes.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	selfID string
	seen   map[string]string
	typers string
}

func newRenderer(out io.Writer, selfID string) *renderer {
	return &renderer{out: out, selfID: selfID, seen: make(map[string]string)}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) render(views []chatcore.MessageView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range views {
		line := formatView(v)
		if r.seen[v.ID] == line {
			continue
		}
		r.seen[v.ID] = line
		fmt.Fprintln(r.out, line)
	}
}

func (r *renderer) typing(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := strings.Join(ids, ", ")
	if joined == r.typers {
		return
	}
	r.typers = joined
	if joined != "" {
		fmt.Fprintf(r.out, "   %s is typing...\n", joined)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatView renders one message as a single line.
func formatView(v chatcore.MessageView) string {
	who := v.SenderID
	if v.IsMine {
		who = "you"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: ", shortID(v.ID), v.CreatedAt.Local().Format("15:04"), who)
	if v.Deleted() {
		b.WriteString("(message deleted)")
		return b.String()
	}
	b.WriteString(v.Body)
	if a := v.Attachment; a != nil {
		if v.Body != "" {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "[file: %s, %d bytes]", a.Name, a.Size)
	}
	if v.Edited() {
		b.WriteString(" (edited)")
	}
	switch {
	case v.Failed:
		b.WriteString(" !! not sent")
		if v.FailureReason != "" {
			b.WriteString(": " + v.FailureReason)
		}
	case !v.Confirmed:
		b.WriteString(" ...")
	case v.IsMine && v.Status == chatcore.StatusRead:
		b.WriteString(" ✓✓")
	case v.IsMine:
		b.WriteString(" ✓")
	}
	return b.String()
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <other-user-id>",
	Short: "Print the conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		reg := s.registryService()
		conv, err := reg.GetOrCreate(ctx, s.cfg.Auth.UserID, args[0])
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}
		msgs, err := reg.GetHistory(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		if historyJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(msgs)
		}

		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}
		for _, m := range msgs {
			v := chatcore.MessageView{Message: m, IsMine: m.SenderID == s.cfg.Auth.UserID, Confirmed: true, Status: chatcore.StatusSent}
			if m.ReadAt != nil {
				v.Status = chatcore.StatusRead
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatView(v))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <other-user-id> [text]",
	Short: "Send one message without opening a live session",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var text string
		if len(args) == 2 {
			text = strings.TrimSpace(args[1])
		}
		if text == "" && sendAttach == "" {
			return errors.New("nothing to send: give text or --attach")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		conv, err := s.registryService().GetOrCreate(ctx, s.cfg.Auth.UserID, args[0])
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		var ref *chatcore.AttachmentRef
		atts := s.attachments()
		if sendAttach != "" {
			if ref, err = atts.UploadFile(ctx, sendAttach, conv.ID); err != nil {
				return fmt.Errorf("upload: %w", err)
			}
		}

		msg, err := s.messages.Create(ctx, chatcore.NewMessage{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       s.cfg.Auth.UserID,
			Body:           text,
			CreatedAt:      time.Now().UTC(),
			Attachment:     ref,
		})
		if err != nil {
			if ref != nil {
				if derr := atts.Discard(context.Background(), ref); derr != nil {
					s.log.Warn("orphaned attachment", zap.String("path", ref.Path), zap.Error(derr))
				}
			}
			return fmt.Errorf("send: %w", err)
		}

		if sendJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to conversation %s\n", conv.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", msg.ID)
		if msg.Attachment != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  Attachment: %s\n", msg.Attachment.Path)
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringVar(&sendAttach, "attach", "", "File to attach")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
}
