package shellwords

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/edgessh/internal/testutil/testlog"
)

func TestJoinEscaping(t *testing.T) {
	testlog.Start(t)
	got := Join("echo", "a b", "quote'v")
	want := "'echo' 'a b' 'quote'\"'\"'v'"
	if got != want {
		t.Fatalf("unexpected joined command\nwant: %s\ngot:  %s", want, got)
	}
	if Quote("") != "''" {
		t.Fatalf("empty quote got=%s", Quote(""))
	}
	if Join("uptime") != "'uptime'" {
		t.Fatalf("bare command got=%s", Join("uptime"))
	}
}

func TestSplit(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "  ls   -l\t/tmp ", want: []string{"ls", "-l", "/tmp"}},
		{in: `scp -t '/a dir/'`, want: []string{"scp", "-t", "/a dir/"}},
		{in: `echo "say \"hi\" \n" it\'s`, want: []string{"echo", `say "hi" \n`, "it's"}},
		{in: `x '' ""`, want: []string{"x", "", ""}},
		{in: `a\ b c`, want: []string{"a b", "c"}},
	}
	for _, tc := range tests {
		got, err := Split(tc.in)
		if err != nil {
			t.Fatalf("split %q: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("split %q got=%q want=%q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{`'open`, `"open`, `trailing\`} {
		if _, err := Split(bad); !errors.Is(err, ErrUnterminated) {
			t.Fatalf("split %q expected ErrUnterminated, got %v", bad, err)
		}
	}
}

func TestSplitInvertsJoin(t *testing.T) {
	testlog.Start(t)
	args := []string{"cmd", "with space", "it's", `back\slash`, "", `"dq"`}
	got, err := Split(Join(args[0], args[1:]...))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !reflect.DeepEqual(got, args) {
		t.Fatalf("round trip got=%q want=%q", got, args)
	}
}
