package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/replay"
)

const historyFile = "shell_history"

var shellCmd = &cobra.Command{
	Use:   "shell [session]",
	Short: "Interactive request shell for a stored session",
	Long: `Starts a prompt that replays requests with a stored session.

  GET /api/v1/me
  POST /api/v1/items {"name":"x"}     body starting with { or [ is sent as JSON
  role xhr                            force a role for following requests
  role                                go back to inferring the role
  cookies                             list cookie names and domains
  identity                            print the browser identity headers
  save                                save the session now
  exit`,
	Args: cobra.ExactArgs(1),
	RunE: runShell,
}

var shellMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// shellLine is one parsed shell input.
type shellLine struct {
	command string
	method  string
	target  string
	body    string
	arg     string
}

func parseShellLine(line string) (shellLine, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return shellLine{}, nil
	}
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	upper := strings.ToUpper(word)
	for _, m := range shellMethods {
		if upper == m {
			target, body, _ := strings.Cut(rest, " ")
			if target == "" {
				return shellLine{}, fmt.Errorf("usage: %s <url> [body]", m)
			}
			return shellLine{command: "request", method: m, target: target, body: strings.TrimSpace(body)}, nil
		}
	}

	switch strings.ToLower(word) {
	case "exit", "quit":
		return shellLine{command: "exit"}, nil
	case "help", "?":
		return shellLine{command: "help"}, nil
	case "cookies", "identity", "save":
		return shellLine{command: strings.ToLower(word)}, nil
	case "role":
		if rest != "" && !headers.Role(strings.ToLower(rest)).Builtin() {
			return shellLine{}, fmt.Errorf("unknown role %q", rest)
		}
		return shellLine{command: "role", arg: strings.ToLower(rest)}, nil
	}
	return shellLine{}, fmt.Errorf("unknown command %q (try help)", word)
}

func (l shellLine) requestOptions(role string) []replay.RequestOption {
	var opts []replay.RequestOption
	if role != "" {
		opts = append(opts, replay.WithRole(headers.Role(role)))
	}
	if l.body != "" {
		ct := "text/plain; charset=utf-8"
		if strings.HasPrefix(l.body, "{") || strings.HasPrefix(l.body, "[") {
			ct = "application/json"
		}
		opts = append(opts, replay.WithBody(ct, strings.NewReader(l.body)))
	}
	return opts
}

func shellComplete(line string) []string {
	var out []string
	candidates := append(append([]string{}, shellMethods...), "role", "cookies", "identity", "save", "help", "exit")
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToUpper(c), strings.ToUpper(line)) {
			out = append(out, c)
		}
	}
	return out
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rs, err := c.Replay(ctx, name)
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(shellComplete)

	histPath := filepath.Join(cfg.ConfigDir, historyFile)
	if f, err := os.Open(histPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(histPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	out := cmd.OutOrStdout()
	var role string
	for {
		input, err := line.Prompt(name + "> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		parsed, err := parseShellLine(input)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if parsed.command == "" {
			continue
		}
		line.AppendHistory(input)

		switch parsed.command {
		case "exit":
			return nil
		case "help":
			fmt.Fprintln(out, cmd.Long)
		case "role":
			role = parsed.arg
		case "cookies":
			for _, ck := range rs.State().Cookies {
				fmt.Fprintf(out, "%s  %s%s\n", ck.Name, ck.Domain, ck.Path)
			}
		case "identity":
			for _, h := range rs.Identity() {
				fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
			}
		case "save":
			if err := rs.Save(ctx); err != nil {
				fmt.Fprintln(out, err)
			}
		case "request":
			resp, err := rs.Request(ctx, parsed.method, parsed.target, parsed.requestOptions(role)...)
			if resp != nil {
				if werr := writeResponse(out, resp, true); werr != nil {
					logger.Warn("write response", zap.Error(werr))
				}
				fmt.Fprintln(out)
			}
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
