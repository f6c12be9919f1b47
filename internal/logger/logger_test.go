package logger

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	flags := log.Flags()
	SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		log.SetFlags(flags)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level Level
		want  []string
		skip  []string
	}{
		{LevelDebug, []string{debugLabel, infoLabel, warnLabel, errorLabel}, nil},
		{LevelInfo, []string{infoLabel, warnLabel, errorLabel}, []string{debugLabel}},
		{LevelWarn, []string{warnLabel, errorLabel}, []string{debugLabel, infoLabel}},
		{LevelError, []string{errorLabel}, []string{debugLabel, infoLabel, warnLabel}},
	}
	for _, test := range tests {
		buf := capture(t)
		SetLevel(test.level)
		Debug("d %d", 1)
		Info("i %d", 2)
		Warn("w %d", 3)
		Error("e %d", 4)
		out := buf.String()
		for _, label := range test.want {
			if !strings.Contains(out, label) {
				t.Errorf("\nlevel %d: output %q\nis missing %q", test.level, out, label)
			}
		}
		for _, label := range test.skip {
			if strings.Contains(out, label) {
				t.Errorf("\nlevel %d: output %q\nshould not contain %q", test.level, out, label)
			}
		}
	}
}

func TestFormat(t *testing.T) {
	buf := capture(t)
	Info("attached %s (%d tables)", "shop", 3)
	if got, want := buf.String(), "[INFO ] attached shop (3 tables)\n"; got != want {
		t.Errorf("\ngot:\n%q\nwanted:\n%q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("\nParseLevel(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("\nParseLevel(%q)\ngot:\n%v\nwanted:\n%v", test.in, got, test.want)
		}
	}
}
