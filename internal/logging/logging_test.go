package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"INFO":    logrus.InfoLevel,
		"warning": logrus.WarnLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	Component(base, "store").Info("opened")

	if !strings.Contains(buf.String(), `"component":"store"`) {
		t.Fatalf("expected component field, got %s", buf.String())
	}
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "player.log")

	logger, closer, err := Setup(Options{Level: "debug", JSON: true, File: path})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		closer.Close()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	}()

	logger.Debug("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("expected message in log file, got %s", data)
	}
}
