package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prompt asks the operator for the screen identity on first run. Screen id
// and player key are required; an empty server URL keeps the current one.
func Prompt(in io.Reader, out io.Writer, cfg *Config) error {
	reader := bufio.NewReader(in)

	ask := func(label, current string, required bool) (string, error) {
		for {
			if current != "" {
				fmt.Fprintf(out, "%s [%s]: ", label, current)
			} else {
				fmt.Fprintf(out, "%s: ", label)
			}
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("failed to read input: %w", err)
			}
			value := strings.TrimSpace(line)
			if value == "" {
				value = current
			}
			if value == "" && required {
				if err != nil {
					return "", fmt.Errorf("%s is required", strings.ToLower(label))
				}
				fmt.Fprintf(out, "%s cannot be empty. Please try again.\n", label)
				continue
			}
			return value, nil
		}
	}

	var err error
	if cfg.ScreenID, err = ask("Enter Screen ID", cfg.ScreenID, true); err != nil {
		return err
	}
	if cfg.PlayerKey, err = ask("Enter Player Key", cfg.PlayerKey, true); err != nil {
		return err
	}
	serverURL, err := ask("Server URL", cfg.ServerURL, true)
	if err != nil {
		return err
	}
	cfg.ServerURL = strings.TrimRight(serverURL, "/")
	return nil
}
