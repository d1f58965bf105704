package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the handful of values needed to start serving and returns
// a config built on top of base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== tandem configuration ===")
	fmt.Fprintln(w.out)

	for {
		backend, err := w.ask("Backend (anthropic, openai, cli)", cfg.Agent.Backend)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateBackend(backend); err != nil {
			fmt.Fprintf(w.out, "  %v\n", err)
			continue
		}
		cfg.Agent.Backend = backend
		break
	}

	if cfg.Agent.Backend == "cli" {
		path, err := w.ask("Path to the claude CLI", cfg.Agent.CLIPath)
		if err != nil {
			return nil, err
		}
		cfg.Agent.CLIPath = path
	} else {
		for {
			key, err := w.ask("API key", "")
			if err != nil {
				return nil, err
			}
			if key == "" && cfg.Agent.APIKey != "" {
				break
			}
			if err := validator.ValidateAPIKey(key, cfg.Agent.Backend); err != nil {
				fmt.Fprintf(w.out, "  %v\n", err)
				continue
			}
			cfg.Agent.APIKey = key
			break
		}
	}

	model, err := w.ask("Model", cfg.Agent.Model)
	if err != nil {
		return nil, err
	}
	cfg.Agent.Model = model

	for {
		port, err := w.ask("Server port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			fmt.Fprintf(w.out, "  invalid port: %s\n", port)
			continue
		}
		cfg.Server.Port = n
		break
	}

	password, err := w.ask("Access password (empty disables auth)", "")
	if err != nil {
		return nil, err
	}
	if password != "" {
		cfg.Server.Password = password
	}

	root, err := w.ask("Work root (empty allows any directory)", cfg.WorkRoot)
	if err != nil {
		return nil, err
	}
	cfg.WorkRoot = root

	return &cfg, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return def, nil
		}
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
