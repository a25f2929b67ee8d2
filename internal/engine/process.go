package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Engine work directory layout
const (
	fileGameIn     = "game.in"
	fileGameOut    = "game.out"
	filePlayersIn  = "players.in"
	filePlayersOut = "players.out"
	prefixOrders   = "orders."
	prefixReport   = "report."
	prefixArticle  = "article."
)

// ProcessConfig configures a local engine binary.
type ProcessConfig struct {
	Binary  string        `yaml:"binary"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
	WorkDir string        `yaml:"work_dir"` // parent of per-run directories, "" = system temp
	KeepDir bool          `yaml:"keep_dir"` // leave the run directory for inspection
}

// Process runs the engine as a local process in a scratch directory.
type Process struct {
	cfg ProcessConfig
}

// NewProcess creates a process engine.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Process{cfg: cfg}
}

// Run writes the input files, runs the binary and reads the outputs.
func (p *Process) Run(ctx context.Context, in Input) (Output, error) {
	dir, err := os.MkdirTemp(p.cfg.WorkDir, fmt.Sprintf("pbem-%d-%d-", in.GameID, in.Turn))
	if err != nil {
		return Output{}, fmt.Errorf("create work dir: %w", err)
	}
	if !p.cfg.KeepDir {
		defer os.RemoveAll(dir)
	}

	if err := writeInput(dir, in); err != nil {
		return Output{}, err
	}

	runCtx, cancel := withTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.cfg.Binary, p.cfg.Args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	log.Info("engine starting", "game", in.GameID, "turn", in.Turn, "binary", p.cfg.Binary, "dir", dir)
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return Output{}, timeoutErr(runCtx, err)
		}
		return Output{}, fmt.Errorf("engine exited: %w: %s", err, tail(stderr.String(), 512))
	}
	log.Info("engine finished", "game", in.GameID, "turn", in.Turn, "elapsed", time.Since(start).Round(time.Millisecond))

	out, err := readOutput(dir)
	if err != nil {
		return Output{}, err
	}
	if err := out.Complete(in); err != nil {
		return Output{}, err
	}
	return out, nil
}

func writeInput(dir string, in Input) error {
	files := map[string][]byte{
		fileGameIn:    in.SaveState,
		filePlayersIn: in.Roster,
	}
	for _, o := range in.Orders {
		files[prefixOrders+strconv.Itoa(o.Number)] = []byte(formatOrders(o))
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// formatOrders wraps the order text in the engine's orders envelope.
func formatOrders(o FactionOrders) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#orders %d %q\n", o.Number, o.Password)
	b.WriteString(strings.TrimRight(o.Text, "\n"))
	b.WriteString("\n#end\n")
	return b.String()
}

func readOutput(dir string) (Output, error) {
	var out Output
	var err error
	if out.SaveState, err = readRequired(dir, fileGameOut); err != nil {
		return Output{}, err
	}
	if out.Roster, err = readRequired(dir, filePlayersOut); err != nil {
		return Output{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Output{}, fmt.Errorf("list work dir: %w", err)
	}
	out.Reports = make(map[int][]byte)
	var articles []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, prefixReport):
			n, err := strconv.Atoi(strings.TrimPrefix(name, prefixReport))
			if err != nil || n <= 0 {
				log.Warn("ignoring report file with bad faction number", "file", name)
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return Output{}, fmt.Errorf("read %s: %w", name, err)
			}
			out.Reports[n] = data
		case strings.HasPrefix(name, prefixArticle):
			articles = append(articles, name)
		}
	}
	sort.Strings(articles)
	for _, name := range articles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return Output{}, fmt.Errorf("read %s: %w", name, err)
		}
		out.Articles = append(out.Articles, string(data))
	}
	return out, nil
}

func readRequired(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrMissingOutput, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
