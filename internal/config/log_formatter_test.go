package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestNbFormatterSortsFieldsAndEscapesNewlines(t *testing.T) {
	t.Parallel()

	entry := &log.Entry{
		Logger:  log.New(),
		Level:   log.WarnLevel,
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Message: "stale timer\ndropped",
		Data: log.Fields{
			"user_id": 7,
			"chat_id": int64(-1001),
			"error":   errors.New("boom"),
		},
	}

	out, err := (&NbFormatter{NoColor: true}).Format(entry)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	line := string(out)

	if !strings.HasPrefix(line, "level=WARN ts=2026-01-02 03:04:05.000") {
		t.Fatalf("unexpected prefix: %q", line)
	}
	chat := strings.Index(line, "chat_id=-1001")
	errField := strings.Index(line, `error="boom"`)
	user := strings.Index(line, "user_id=7")
	if chat < 0 || errField < 0 || user < 0 || !(chat < errField && errField < user) {
		t.Fatalf("fields are not sorted: %q", line)
	}
	if strings.Count(line, "\n") != 1 || !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected a single terminated line: %q", line)
	}
}
