package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}

	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrettyFormatterSortsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug")
	log.SetFormatter(&PrettyFormatter{NoColor: true})

	log.WithFields(logrus.Fields{"transfer": 7, "peer": "C3D4"}).Info("offer sent")

	line := buf.String()
	if !strings.Contains(line, "INFO  offer sent peer=C3D4 transfer=7") {
		t.Errorf("unexpected line: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("expected trailing newline")
	}
}

func TestPionLoggerShiftsLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug")
	log.SetFormatter(&PrettyFormatter{NoColor: true})

	l := NewPionFactory(log).NewLogger("ice")
	l.Debug("hidden at debug")
	l.Info("visible at debug")

	out := buf.String()
	if strings.Contains(out, "hidden at debug") {
		t.Error("pion debug should map to trace")
	}
	if !strings.Contains(out, "visible at debug pion=ice") {
		t.Errorf("expected pion info as debug with scope, got %q", out)
	}
}
