package chatcmder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/zlnick/PatientInfoSE/cmd/clinicassist/wiring"
	"github.com/zlnick/PatientInfoSE/pkg/agent"
	"github.com/zlnick/PatientInfoSE/pkg/config"
	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/pkg/plan"
	"github.com/zlnick/PatientInfoSE/pkg/toolresult"
)

const chatLongDesc string = `Talk to the clinical assistant from the terminal.

Each line is one doctor message. Answers are rendered as markdown when
stdout is a terminal. Type /trace to toggle the reasoning trace, /reset
to start the session over and /quit to leave.

Examples:
  clinicassist chat --config clinicassist.toml
  clinicassist chat --session 6f1c... --stream`

const chatShortDesc string = "Interactive chat with the assistant"

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	traceStyle  = lipgloss.NewStyle().Faint(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type chatCommander struct {
	configPath string
	sessionID  string
	stream     bool
	plain      bool
	debug      bool
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to TOML configuration")
	cmd.Flags().StringVar(&cmder.sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().BoolVar(&cmder.stream, "stream", false, "Stream plan answers as they are generated")
	cmd.Flags().BoolVar(&cmder.plain, "plain", false, "Disable markdown rendering")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	log := logger.NewStderrLogger(c.debug || cfg.Debug)
	defer func() { _ = log.Sync() }()

	out := cmd.OutOrStdout()
	stack, err := wiring.Build(ctx, cfg, agent.VisualizerFunc(func(_ context.Context, _, _ string) error {
		fmt.Fprintln(out, noticeStyle.Render("📈 该回答需要图表展示"))
		return nil
	}), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	repl := &repl{
		handler:   stack.Controller,
		out:       out,
		sessionID: c.sessionID,
		stream:    c.stream,
		render:    func(s string) string { return s },
	}
	if !c.plain && isTerminal(os.Stdout) {
		repl.render = markdownRenderer(os.Stdout)
	}

	return repl.loop(ctx, cmd.InOrStdin())
}

// turnHandler is the part of agent.Controller the REPL drives.
type turnHandler interface {
	HandleMessageStream(ctx context.Context, sessionID, text string, onToken plan.TokenHandler) (*agent.TurnResult, error)
	ResetSession(ctx context.Context, id string) error
}

type repl struct {
	handler   turnHandler
	out       io.Writer
	sessionID string
	stream    bool
	showTrace bool
	render    func(string) string
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(r.out, promptStyle.Render("医生> "))
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/trace":
			r.showTrace = !r.showTrace
			fmt.Fprintln(r.out, noticeStyle.Render(fmt.Sprintf("trace: %t", r.showTrace)))
			continue
		case "/reset":
			if r.sessionID != "" {
				if err := r.handler.ResetSession(ctx, r.sessionID); err != nil {
					return err
				}
			}
			fmt.Fprintln(r.out, noticeStyle.Render("会话已重置"))
			continue
		}

		if err := r.turn(ctx, line); err != nil {
			return err
		}
	}
}

func (r *repl) turn(ctx context.Context, text string) error {
	var onToken plan.TokenHandler
	streamed := false
	if r.stream {
		onToken = func(_ int, delta string) error {
			streamed = true
			_, err := fmt.Fprint(r.out, delta)
			return err
		}
	}

	res, err := r.handler.HandleMessageStream(ctx, r.sessionID, text, onToken)
	if err != nil {
		return err
	}
	r.sessionID = res.SessionID

	if r.showTrace {
		for _, line := range res.Trace {
			fmt.Fprintln(r.out, traceStyle.Render(line))
		}
	}

	for _, side := range sideOutputs(res) {
		fmt.Fprintln(r.out, noticeStyle.Render(side))
	}

	if streamed {
		fmt.Fprintln(r.out)
		return nil
	}
	fmt.Fprintln(r.out, r.render(res.Answer))
	return nil
}

func sideOutputs(res *agent.TurnResult) []string {
	if res.Execution == nil {
		return nil
	}
	lines := make([]string, 0, len(res.Execution.SideOutputs))
	for _, s := range res.Execution.SideOutputs {
		switch s.Kind {
		case toolresult.KindFile:
			lines = append(lines, "文件链接: "+s.Value)
		case toolresult.KindImage:
			lines = append(lines, "收到图片: "+logger.Truncate(s.Value, 60))
		default:
			lines = append(lines, "其他内容: "+logger.Truncate(s.Value, 200))
		}
	}
	return lines
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func markdownRenderer(f *os.File) func(string) string {
	width := 100
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		width = w - 2
	}

	style := "light"
	if termenv.HasDarkBackground() {
		style = "dark"
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return func(s string) string { return s }
	}

	return func(s string) string {
		rendered, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimRight(rendered, "\n")
	}
}
