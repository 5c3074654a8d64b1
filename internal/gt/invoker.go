// Package gt invokes the external Gas Town CLIs (gt, bd) and parses their
// JSON output. It is the only place in the server that spawns processes.
//
// Arguments are always passed as a pre-split vector to the OS; no shell is
// ever involved. Identifiers that originate from tool output (rig names,
// agent names) are re-validated before they are used in a later invocation.
package gt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
)

// Error kinds surfaced by the invoker.
var (
	ErrInvalidName = errors.New("invalid identifier")
	ErrTimeout     = errors.New("tool invocation timed out")
	ErrToolFailed  = errors.New("tool invocation failed")
)

// stderrSnippetLimit bounds how much stderr is carried inside a ToolError.
const stderrSnippetLimit = 4096

// ToolError carries the exit status and a bounded stderr snippet of a
// failed invocation. It unwraps to ErrToolFailed.
type ToolError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

func (e *ToolError) Unwrap() error { return ErrToolFailed }

// Runner executes one external command and returns its stdout. The default
// runner spawns a real process; tests substitute a fake.
type Runner func(ctx context.Context, bin string, args []string) ([]byte, error)

// Invoker drives the gt and bd binaries with timeouts and typed errors.
type Invoker struct {
	GTBin     string
	BDBin     string
	Dir       string
	Timeout   time.Duration
	KillGrace time.Duration

	run Runner
	log zerolog.Logger
}

// Options tunes an Invoker. Zero values select defaults.
type Options struct {
	GTBin     string
	BDBin     string
	Dir       string
	Timeout   time.Duration
	KillGrace time.Duration
	Runner    Runner
}

// New creates an Invoker.
func New(log zerolog.Logger, opts Options) *Invoker {
	inv := &Invoker{
		GTBin:     opts.GTBin,
		BDBin:     opts.BDBin,
		Dir:       opts.Dir,
		Timeout:   opts.Timeout,
		KillGrace: opts.KillGrace,
		run:       opts.Runner,
		log:       log.With().Str("component", "invoker").Logger(),
	}
	if inv.GTBin == "" {
		inv.GTBin = "gt"
	}
	if inv.BDBin == "" {
		inv.BDBin = "bd"
	}
	if inv.Timeout <= 0 {
		inv.Timeout = 10 * time.Second
	}
	if inv.KillGrace <= 0 {
		inv.KillGrace = 500 * time.Millisecond
	}
	if inv.run == nil {
		inv.run = inv.execRun
	}
	return inv
}

// execRun spawns the process with a deadline. On overrun the context kills
// the child; WaitDelay force-kills a child that ignores the signal.
func (inv *Invoker) execRun(ctx context.Context, bin string, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	// #nosec G204 -- bin is a configured trusted tool, args are pre-split and validated
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = inv.KillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s %s: %w", bin, strings.Join(args, " "), ErrTimeout)
	}
	if err != nil {
		snippet := stderr.String()
		if len(snippet) > stderrSnippetLimit {
			snippet = snippet[:stderrSnippetLimit]
		}
		inv.log.Debug().Str("bin", bin).Strs("args", args).Str("stderr", snippet).Msg("tool failed")
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ToolError{Args: append([]string{bin}, args...), ExitCode: exitCode, Stderr: snippet}
	}
	return stdout.Bytes(), nil
}

// Invoke runs a gt subcommand and returns raw stdout.
func (inv *Invoker) Invoke(ctx context.Context, args ...string) ([]byte, error) {
	return inv.run(ctx, inv.GTBin, args)
}

// invokeJSON runs a gt subcommand and decodes its stdout into out.
func (inv *Invoker) invokeJSON(ctx context.Context, out any, args ...string) error {
	data, err := inv.run(ctx, inv.GTBin, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ToolError{Args: append([]string{inv.GTBin}, args...), ExitCode: 0,
			Stderr: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

// ListRigs returns the registered rig names. `gt rig ls` is the one
// subcommand that emits newline-delimited text rather than JSON.
func (inv *Invoker) ListRigs(ctx context.Context) ([]string, error) {
	data, err := inv.run(ctx, inv.GTBin, []string{"rig", "ls"})
	if err != nil {
		return nil, err
	}
	var rigs []string
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if !model.ValidName(name) {
			inv.log.Warn().Str("rig", name).Msg("skipping rig with unsafe name")
			continue
		}
		rigs = append(rigs, name)
	}
	return rigs, nil
}

// SessionInfo is one row of `gt session list --json`.
type SessionInfo struct {
	Rig  string `json:"rig"`
	Name string `json:"name"`
}

// ListSessions returns all live agent sessions across rigs.
func (inv *Invoker) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := inv.invokeJSON(ctx, &sessions, "session", "list", "--json"); err != nil {
		return nil, err
	}
	return sessions, nil
}

// PolecatInfo is the observed state of one agent as reported by
// `gt polecat list` / `gt polecat status`.
type PolecatInfo struct {
	Rig            string `json:"rig"`
	Name           string `json:"name"`
	SessionRunning bool   `json:"session_running"`
	State          string `json:"state"`
	HookBead       string `json:"hook_bead"`
}

// ListPolecats lists the agents of one rig.
func (inv *Invoker) ListPolecats(ctx context.Context, rig string) ([]PolecatInfo, error) {
	if !model.ValidName(rig) {
		return nil, fmt.Errorf("rig %q: %w", rig, ErrInvalidName)
	}
	var agents []PolecatInfo
	if err := inv.invokeJSON(ctx, &agents, "polecat", "list", rig, "--json"); err != nil {
		return nil, err
	}
	return agents, nil
}

// PolecatStatus fetches the status of a single agent.
func (inv *Invoker) PolecatStatus(ctx context.Context, rig, name string) (*PolecatInfo, error) {
	if !model.ValidName(rig) {
		return nil, fmt.Errorf("rig %q: %w", rig, ErrInvalidName)
	}
	if !model.ValidName(name) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrInvalidName)
	}
	var info PolecatInfo
	if err := inv.invokeJSON(ctx, &info, "polecat", "status", rig+"/"+name, "--json"); err != nil {
		return nil, err
	}
	if info.Rig == "" {
		info.Rig = rig
	}
	if info.Name == "" {
		info.Name = name
	}
	return &info, nil
}

// beadJSON is the wire shape of `bd show --json`. Timestamps arrive as
// RFC3339 strings; unknown status and priority values pass through.
type beadJSON struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Owner       string   `json:"owner"`
	Assignee    string   `json:"assignee"`
	HookBead    string   `json:"hook_bead"`
	DependsOn   []string `json:"dependsOn"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	ClosedAt    string   `json:"closed_at"`
}

func (b beadJSON) toModel() model.Bead {
	bead := model.Bead{
		ID:        b.ID,
		Title:     b.Title,
		Status:    b.Status,
		Priority:  b.Priority,
		Owner:     b.Owner,
		Assignee:  b.Assignee,
		DependsOn: b.DependsOn,
	}
	if t, err := time.Parse(time.RFC3339, b.CreatedAt); err == nil {
		bead.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, b.UpdatedAt); err == nil {
		bead.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, b.ClosedAt); err == nil {
		bead.ClosedAt = &t
	}
	return bead
}

// ShowBead fetches one bead. bd emits either a bare object or a
// single-element array depending on version; both are accepted.
func (inv *Invoker) ShowBead(ctx context.Context, beadID string) (*model.Bead, error) {
	if !validBeadID(beadID) {
		return nil, fmt.Errorf("bead %q: %w", beadID, ErrInvalidName)
	}
	data, err := inv.run(ctx, inv.BDBin, []string{"show", beadID, "--json"})
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	var raw beadJSON
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []beadJSON
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return nil, &ToolError{Args: []string{inv.BDBin, "show", beadID},
				Stderr: fmt.Sprintf("malformed JSON: %v", err)}
		}
		raw = list[0]
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &ToolError{Args: []string{inv.BDBin, "show", beadID},
			Stderr: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if raw.ID == "" {
		raw.ID = beadID
	}
	bead := raw.toModel()
	return &bead, nil
}

// mailJSON is one row of `gt mail list --json`.
type mailJSON struct {
	Rig       string `json:"rig"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"ts"`
	Subject   string `json:"subject"`
	Preview   string `json:"preview"`
	Path      string `json:"path"`
}

// RecentMail returns the recent mail window of one rig.
func (inv *Invoker) RecentMail(ctx context.Context, rig string) ([]model.Mail, error) {
	if !model.ValidName(rig) {
		return nil, fmt.Errorf("rig %q: %w", rig, ErrInvalidName)
	}
	var rows []mailJSON
	if err := inv.invokeJSON(ctx, &rows, "mail", "list", rig, "--json"); err != nil {
		return nil, err
	}
	mail := make([]model.Mail, 0, len(rows))
	for _, row := range rows {
		m := model.Mail{
			Rig:     rig,
			From:    row.From,
			To:      row.To,
			Subject: row.Subject,
			Preview: row.Preview,
			Path:    row.Path,
		}
		if row.Rig != "" {
			m.Rig = row.Rig
		}
		if t, err := time.Parse(time.RFC3339, row.Timestamp); err == nil {
			m.Timestamp = t
		}
		mail = append(mail, m)
	}
	return mail, nil
}

// Peek captures the last n lines of an agent's session output.
func (inv *Invoker) Peek(ctx context.Context, rig, name string, lines int) ([]string, error) {
	if !model.ValidName(rig) {
		return nil, fmt.Errorf("rig %q: %w", rig, ErrInvalidName)
	}
	if !model.ValidName(name) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrInvalidName)
	}
	data, err := inv.run(ctx, inv.GTBin, []string{"polecat", "peek", rig + "/" + name, "--lines", fmt.Sprintf("%d", lines)})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" || isUINoiseLine(trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) > lines {
		out = out[len(out)-lines:]
	}
	return out, nil
}

// validBeadID allows the bead id charset, which includes '/' for
// rig-scoped ids (e.g. "gt-roxas-polecat-dag").
func validBeadID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/':
		default:
			return false
		}
	}
	return true
}
