package gt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeRunner records the argv it was handed and plays back canned output.
type fakeRunner struct {
	calls  [][]string
	output []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, bin string, args []string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{bin}, args...))
	return f.output, f.err
}

func newTestInvoker(f *fakeRunner) *Invoker {
	return New(zerolog.Nop(), Options{Runner: f.run})
}

func TestInvalidNamesNeverSpawn(t *testing.T) {
	bad := []string{"", "alpha;rm -rf /", "a b", "../etc", "rig\nname", "$(id)"}

	for _, rig := range bad {
		f := &fakeRunner{}
		inv := newTestInvoker(f)

		if _, err := inv.ListPolecats(context.Background(), rig); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ListPolecats(%q) err = %v, want ErrInvalidName", rig, err)
		}
		if _, err := inv.PolecatStatus(context.Background(), rig, "toecutter"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("PolecatStatus(%q) err = %v, want ErrInvalidName", rig, err)
		}
		if len(f.calls) != 0 {
			t.Errorf("invalid name %q reached the runner: %v", rig, f.calls)
		}
	}
}

func TestInvalidAgentNameRejected(t *testing.T) {
	f := &fakeRunner{}
	inv := newTestInvoker(f)
	if _, err := inv.PolecatStatus(context.Background(), "alpha", "evil name"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
	if len(f.calls) != 0 {
		t.Fatal("invalid agent name reached the runner")
	}
}

func TestArgsStayPreSplit(t *testing.T) {
	f := &fakeRunner{output: []byte(`[]`)}
	inv := newTestInvoker(f)

	if _, err := inv.ListPolecats(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d", len(f.calls))
	}
	got := f.calls[0]
	for _, arg := range got {
		if strings.ContainsAny(arg, "|&;") {
			t.Errorf("argv %v contains shell metacharacters", got)
		}
	}
	// rig name travels as its own vector element, never interpolated
	found := false
	for _, arg := range got {
		if arg == "alpha" {
			found = true
		}
	}
	if !found {
		t.Errorf("rig name missing from argv %v", got)
	}
}

func TestToolFailureCarriesStderr(t *testing.T) {
	f := &fakeRunner{err: &ToolError{Args: []string{"gt", "rig", "ls"}, ExitCode: 3, Stderr: "boom"}}
	inv := newTestInvoker(f)

	_, err := inv.ListRigs(context.Background())
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("err = %v, want ErrToolFailed", err)
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatal("error does not expose *ToolError")
	}
	if te.ExitCode != 3 || te.Stderr != "boom" {
		t.Errorf("ToolError = %+v", te)
	}
}

func TestMalformedJSONIsToolFailed(t *testing.T) {
	f := &fakeRunner{output: []byte(`{"rig": "alpha"`)}
	inv := newTestInvoker(f)

	_, err := inv.ListPolecats(context.Background(), "alpha")
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("err = %v, want ErrToolFailed", err)
	}
}

func TestListRigsSkipsUnsafeNames(t *testing.T) {
	f := &fakeRunner{output: []byte("alpha\nbeta\nbad rig\n\ngamma\n")}
	inv := newTestInvoker(f)

	rigs, err := inv.ListRigs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(rigs) != len(want) {
		t.Fatalf("rigs = %v, want %v", rigs, want)
	}
	for i := range want {
		if rigs[i] != want[i] {
			t.Errorf("rigs[%d] = %q, want %q", i, rigs[i], want[i])
		}
	}
}

func TestShowBeadObjectOrArray(t *testing.T) {
	object := []byte(`{"id":"gt-100","status":"hooked","title":"fix flaky test"}`)
	array := []byte(`[{"id":"gt-100","status":"hooked","title":"fix flaky test"}]`)

	for _, raw := range [][]byte{object, array} {
		f := &fakeRunner{output: raw}
		inv := newTestInvoker(f)
		b, err := inv.ShowBead(context.Background(), "gt-100")
		if err != nil {
			t.Fatalf("ShowBead(%s): %v", raw, err)
		}
		if b.ID != "gt-100" || b.Status != "hooked" {
			t.Errorf("bead = %+v", b)
		}
	}
}

func TestShowBeadEmptyArray(t *testing.T) {
	f := &fakeRunner{output: []byte(`[]`)}
	inv := newTestInvoker(f)
	if _, err := inv.ShowBead(context.Background(), "gt-100"); !errors.Is(err, ErrToolFailed) {
		t.Fatalf("err = %v, want ErrToolFailed", err)
	}
}

func TestShowBeadRejectsBadID(t *testing.T) {
	f := &fakeRunner{}
	inv := newTestInvoker(f)
	if _, err := inv.ShowBead(context.Background(), "id with spaces"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
	if len(f.calls) != 0 {
		t.Fatal("bad bead id reached the runner")
	}
}
