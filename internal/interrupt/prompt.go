package interrupt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/letthemcook/internal/theme"
)

// CommandKind classifies a line typed at the human prompt.
type CommandKind int

const (
	// Message is free text forwarded to the worker.
	Message CommandKind = iota
	// Quit ends the process.
	Quit
	// Stay keeps manual control; the director is not consulted.
	Stay
	// Auto re-arms automatic driving.
	Auto
)

func (k CommandKind) String() string {
	switch k {
	case Quit:
		return "quit"
	case Stay:
		return "stay"
	case Auto:
		return "auto"
	default:
		return "message"
	}
}

// Command is one parsed prompt line.
type Command struct {
	Kind CommandKind
	Text string
}

// ParseCommand maps a non-empty line to a Command.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "/quit", "/exit":
		return Command{Kind: Quit}
	case "/stay":
		return Command{Kind: Stay}
	case "/auto":
		return Command{Kind: Auto}
	}
	return Command{Kind: Message, Text: line}
}

// LineReader reads one line of human input.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// Prompt reads commands until a non-empty line arrives. A Message is placed
// in the pending slot before it is returned. End of input and a second
// interrupt while prompting both read as Quit.
func (c *Coordinator) Prompt(ctx context.Context, r LineReader) (Command, error) {
	// Interrupts that arrived before the prompt was shown are stale.
	select {
	case <-c.again:
	default:
	}

	for {
		line, err := c.readLine(ctx, r)
		if err != nil {
			if errors.Is(err, errInterruptedAgain) || errors.Is(err, io.EOF) {
				return Command{Kind: Quit}, nil
			}
			return Command{}, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd := ParseCommand(line)
		if cmd.Kind == Message {
			if err := c.Submit(cmd.Text); err != nil {
				return Command{}, err
			}
		}
		return cmd, nil
	}
}

var errInterruptedAgain = errors.New("interrupted at prompt")

func (c *Coordinator) readLine(ctx context.Context, r LineReader) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := r.ReadLine(ctx)
		done <- result{line, err}
	}()

	select {
	case res := <-done:
		return res.line, res.err
	case <-c.again:
		return "", errInterruptedAgain
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ScannerReader reads lines from a plain stream. One background goroutine
// owns the scanner, so a cancelled ReadLine does not lose the next line.
type ScannerReader struct {
	Out    io.Writer
	Prompt string

	in    io.Reader
	once  sync.Once
	lines chan string
	err   error
}

// NewScannerReader reads from in and writes the prompt to out (may be nil).
func NewScannerReader(in io.Reader, out io.Writer) *ScannerReader {
	return &ScannerReader{in: in, Out: out, Prompt: "> "}
}

func (s *ScannerReader) start() {
	s.lines = make(chan string)
	go func() {
		defer close(s.lines)
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			s.lines <- sc.Text()
		}
		s.err = sc.Err()
	}()
}

func (s *ScannerReader) ReadLine(ctx context.Context) (string, error) {
	s.once.Do(s.start)
	if s.Out != nil && s.Prompt != "" {
		fmt.Fprint(s.Out, s.Prompt)
	}
	select {
	case line, ok := <-s.lines:
		if !ok {
			if s.err != nil {
				return "", s.err
			}
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TeaReader reads a line with a bubbletea text input. Ctrl+C and Esc at the
// prompt read as /quit, because the terminal is in raw mode and no signal is
// raised.
type TeaReader struct {
	In          io.Reader
	Out         io.Writer
	Placeholder string
}

func (r *TeaReader) ReadLine(ctx context.Context) (string, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if r.In != nil {
		opts = append(opts, tea.WithInput(r.In))
	}
	if r.Out != nil {
		opts = append(opts, tea.WithOutput(r.Out))
	}
	final, err := tea.NewProgram(newLineModel(r.Placeholder), opts...).Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	m, ok := final.(lineModel)
	if !ok {
		return "", errors.New("prompt: unexpected model")
	}
	if m.quit {
		return "/quit", nil
	}
	return m.input.Value(), nil
}

type lineModel struct {
	input textinput.Model
	quit  bool
}

func newLineModel(placeholder string) lineModel {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = placeholder
	input.PromptStyle = lipgloss.NewStyle().Foreground(theme.ColorHuman).Bold(true)
	input.PlaceholderStyle = theme.Dim
	input.Cursor.Style = lipgloss.NewStyle().Foreground(theme.ColorCook)
	input.Focus()
	return lineModel{input: input}
}

func (m lineModel) Init() tea.Cmd { return textinput.Blink }

func (m lineModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc, tea.KeyCtrlD:
			m.quit = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m lineModel) View() string {
	return m.input.View() + "\n"
}
