package tlog

import (
	"bytes"
	"log"
	"testing"
)

// Test that trimNewline() works as expected
func TestTrimNewline(t *testing.T) {
	testTable := []struct {
		in   string
		want string
	}{
		{"...\n", "..."},
		{"\n...\n", "\n..."},
		{"", ""},
		{"\n", ""},
		{"\n\n", "\n"},
		{"   ", "   "},
	}
	for _, v := range testTable {
		have := trimNewline(v.in)
		if v.want != have {
			t.Errorf("want=%q have=%q", v.want, have)
		}
	}
}

func TestRedactKey(t *testing.T) {
	testTable := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"k", "*"},
		{"k1", "**"},
		{"secret", "s****t"},
	}
	for _, v := range testTable {
		have := RedactKey(v.in)
		if v.want != have {
			t.Errorf("want=%q have=%q", v.want, have)
		}
	}
}

// Percent signs in the arguments, like in file names, must come out
// unchanged.
func TestPrintfPercent(t *testing.T) {
	var buf bytes.Buffer
	l := &toggledLogger{
		Enabled: true,
		Logger:  log.New(&buf, "", 0),
		prefix:  "<",
		postfix: ">",
	}
	l.Printf("open %q: %v", "/mirror/100%done", "50%d off")
	want := "<open \"/mirror/100%done\": 50%d off>\n"
	if have := buf.String(); have != want {
		t.Errorf("want=%q have=%q", want, have)
	}
	buf.Reset()
	percentArg := "100%s"
	l.Println(percentArg)
	if have := buf.String(); have != "<100%s>\n" {
		t.Errorf("have=%q", have)
	}
}
