package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/hookrelay/pkg/client"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("WATCH_TOKEN", "from-env")

	o, err := parseFlags([]string{"-r", "portfolio_v2", "--kinds", "push,pull_request"})
	if err != nil {
		t.Fatal(err)
	}
	if o.token != "from-env" || o.repository != "portfolio_v2" || len(o.kinds) != 2 || !o.reconnect {
		t.Errorf("options = %+v", o)
	}

	o, err = parseFlags([]string{"--token", "flag", "--reconnect=false"})
	if err != nil {
		t.Fatal(err)
	}
	if o.token != "flag" || o.reconnect {
		t.Errorf("options = %+v", o)
	}
}

func TestParseFlagsRequiresToken(t *testing.T) {
	t.Setenv("WATCH_TOKEN", "")
	if _, err := parseFlags(nil); err == nil {
		t.Error("missing token must be an error")
	}
}

func TestPrintEvent(t *testing.T) {
	e := client.Event{
		Timestamp:    time.Now(),
		Repository:   "portfolio_v2",
		Kind:         "push",
		Text:         "New push to main by Ana:\nBranch: main",
		Destinations: 3,
		Failed:       1,
		Raw:          map[string]any{"repository": "portfolio_v2"},
	}

	var buf bytes.Buffer
	printEvent(&buf, e, false)
	line := buf.String()
	if !strings.Contains(line, "portfolio_v2 push: New push to main by Ana: (2/3 delivered)") {
		t.Errorf("compact line = %q", line)
	}

	buf.Reset()
	printEvent(&buf, e, true)
	if !strings.Contains(buf.String(), `"repository": "portfolio_v2"`) {
		t.Errorf("verbose output = %q", buf.String())
	}
}
