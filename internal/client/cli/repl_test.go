package cli

import (
	"bufio"
	"context"
	"strings"
	"testing"
)

type fakeExec struct {
	loggedIn bool

	calls []string
}

func (f *fakeExec) isLoggedIn() bool { return f.loggedIn }
func (f *fakeExec) Login(ctx context.Context) error {
	f.calls = append(f.calls, "login")
	f.loggedIn = true
	return nil
}
func (f *fakeExec) Logout(ctx context.Context) error {
	f.calls = append(f.calls, "logout")
	f.loggedIn = false
	return nil
}
func (f *fakeExec) GenerateKey(ctx context.Context) error {
	f.calls = append(f.calls, "genkey")
	return nil
}
func (f *fakeExec) ImportKey(ctx context.Context) error {
	f.calls = append(f.calls, "importkey")
	return nil
}
func (f *fakeExec) ImportPassphrase(ctx context.Context) error {
	f.calls = append(f.calls, "passphrase")
	return nil
}
func (f *fakeExec) RotateKey(ctx context.Context) error {
	f.calls = append(f.calls, "rotate")
	return nil
}
func (f *fakeExec) ExportKeys(ctx context.Context) error {
	f.calls = append(f.calls, "exportkeys")
	return nil
}
func (f *fakeExec) NewChat(ctx context.Context, title string) error {
	f.calls = append(f.calls, "new:"+title)
	return nil
}
func (f *fakeExec) List(ctx context.Context) error { f.calls = append(f.calls, "list"); return nil }
func (f *fakeExec) Backup(ctx context.Context) error {
	f.calls = append(f.calls, "backup")
	return nil
}
func (f *fakeExec) Reencrypt(ctx context.Context) error {
	f.calls = append(f.calls, "reencrypt")
	return nil
}
func (f *fakeExec) Status(ctx context.Context) error {
	f.calls = append(f.calls, "status")
	return nil
}

func TestRunREPL_LoginFlowAndCommands(t *testing.T) {
	origPrint := printlnFn
	printlnFn = func(...any) (int, error) { return 0, nil }
	t.Cleanup(func() { printlnFn = origPrint })

	input := strings.NewReader(strings.Join([]string{
		"help",
		"login",
		"help",
		"genkey",
		"list",
		"backup",
		"status",
		"foobar",
		"exit",
	}, "\n"))

	exec := &fakeExec{loggedIn: false}
	sc := bufio.NewScanner(input)

	runREPL(context.Background(), exec, func() string { return "status" }, sc)

	wantOrder := []string{"login", "genkey", "list", "backup", "status"}
	if len(exec.calls) < len(wantOrder) {
		t.Fatalf("few calls: %+v", exec.calls)
	}
	idx := 0
	for _, c := range exec.calls {
		if idx < len(wantOrder) && c == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Fatalf("commands order mismatch: got %v, want subseq %v", exec.calls, wantOrder)
	}
}

func TestRunREPL_ShortAliasAndQuit(t *testing.T) {
	origPrint := printlnFn
	printlnFn = func(...any) (int, error) { return 0, nil }
	t.Cleanup(func() { printlnFn = origPrint })

	input := strings.NewReader("l\nquit\n")
	exec := &fakeExec{loggedIn: true}
	sc := bufio.NewScanner(input)

	runREPL(context.Background(), exec, func() string { return "s" }, sc)

	if len(exec.calls) != 1 || exec.calls[0] != "list" {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
}

func TestRunREPL_NewChatPassesJoinedTitle(t *testing.T) {
	origPrint := printlnFn
	printlnFn = func(...any) (int, error) { return 0, nil }
	t.Cleanup(func() { printlnFn = origPrint })

	input := strings.NewReader("new my first chat\nexit\n")
	exec := &fakeExec{loggedIn: true}
	sc := bufio.NewScanner(input)

	runREPL(context.Background(), exec, func() string { return "s" }, sc)

	if len(exec.calls) != 1 || exec.calls[0] != "new:my first chat" {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
}

func TestRunREPL_EmptyAndUnknownLinesAreIgnored(t *testing.T) {
	origPrint := printlnFn
	printlnFn = func(...any) (int, error) { return 0, nil }
	t.Cleanup(func() { printlnFn = origPrint })

	input := strings.NewReader("\n   \nnope\nexit\n")
	exec := &fakeExec{loggedIn: true}
	sc := bufio.NewScanner(input)

	runREPL(context.Background(), exec, func() string { return "s" }, sc)

	if len(exec.calls) != 0 {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
}
