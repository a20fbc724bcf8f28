package invite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	musterrors "github.com/mirkobrombin/go-muster/v1/errors"
	"github.com/mirkobrombin/go-muster/v1/store"
	"github.com/mirkobrombin/go-muster/v1/syncbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func token(n int) string {
	return strings.Repeat("t", MinTokenLen) + string(rune('a'+n))
}

// mapAgent answers with a fixed identifier per token.
func mapAgent(ids map[string]string) Agent {
	return AgentFunc(func(ctx context.Context, tok string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return ids[tok], nil
	})
}

func TestKeys(t *testing.T) {
	if got := LockKey("alice"); got != "user_invite:alice" {
		t.Fatalf("unexpected lock key %q", got)
	}
	at := time.UnixMilli(1700000000123)
	if got := LedgerKey("gophers", at); got != "joined_users:gophers:1700000000123" {
		t.Fatalf("unexpected ledger key %q", got)
	}
}

func TestNormalize(t *testing.T) {
	if id, err := NormalizeIdentifier("  @alice \n"); err != nil || id != "alice" {
		t.Fatalf("normalize identifier: %q %v", id, err)
	}
	if _, err := NormalizeIdentifier("@ab"); !errors.Is(err, ErrMalformedIdentifier) {
		t.Fatalf("expected ErrMalformedIdentifier, got %v", err)
	}
	tok := token(0)
	if got, err := NormalizeToken(` "` + tok + `" `); err != nil || got != tok {
		t.Fatalf("normalize token: %q %v", got, err)
	}
	if _, err := NormalizeToken("short"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestRunRecordsEachUserOnce(t *testing.T) {
	tokens := []string{token(0), token(1), token(2), token(3), token(4)}
	agent := mapAgent(map[string]string{
		tokens[0]: "alice",
		tokens[1]: "bob",
		tokens[2]: "alice",
		tokens[3]: "carol",
		tokens[4]: "@bob",
	})
	at := time.UnixMilli(1700000000000)
	r, err := NewRunner(store.NewInMemory(), agent,
		WithCommunity("gophers"),
		WithWorkers(3),
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return at }),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	sum, err := r.Run(context.Background(), tokens)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.LedgerKey != "joined_users:gophers:1700000000000" {
		t.Fatalf("unexpected ledger key %q", sum.LedgerKey)
	}
	if sum.Joined != 3 || sum.Offered != 5 {
		t.Fatalf("expected 3/5 joined, got %d/%d", sum.Joined, sum.Offered)
	}
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(sum.Members, want) {
		t.Fatalf("expected members %v, got %v", want, sum.Members)
	}
	rep := sum.Report
	if rep.Succeeded != 3 || rep.Skipped != 2 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if sum.RunID == "" {
		t.Fatalf("expected a run id")
	}
}

func TestRunSkipsMalformedInput(t *testing.T) {
	var calls atomic.Int32
	agent := AgentFunc(func(ctx context.Context, tok string) (string, error) {
		calls.Add(1)
		switch tok {
		case token(1):
			return "", nil
		case token(2):
			return "ab", nil
		case token(3):
			return "", errors.New("browser crashed")
		}
		return "dave", nil
	})
	r, err := NewRunner(store.NewInMemory(), agent, WithCommunity("c"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	sum, err := r.Run(context.Background(), []string{"short", token(1), token(2), token(3), token(4)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("malformed token must not reach the agent, got %d calls", calls.Load())
	}
	rep := sum.Report
	if rep.Succeeded != 1 || rep.Skipped != 3 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Results[3].Err == nil {
		t.Fatalf("expected agent error on task 4, got %+v", rep.Results[3])
	}
	if sum.Joined != 1 || !reflect.DeepEqual(sum.Members, []string{"dave"}) {
		t.Fatalf("unexpected ledger %d %v", sum.Joined, sum.Members)
	}
}

func TestRunFailsFastWhenStoreDown(t *testing.T) {
	s := store.NewInMemory()
	_ = s.Close()
	var calls atomic.Int32
	agent := AgentFunc(func(ctx context.Context, tok string) (string, error) {
		calls.Add(1)
		return "alice", nil
	})
	r, err := NewRunner(s, agent, WithCommunity("c"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := r.Run(context.Background(), []string{token(0)}); !errors.Is(err, musterrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no task may run with the store down")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	s := store.NewInMemory()
	agent := mapAgent(nil)
	if _, err := NewRunner(s, agent); !errors.Is(err, musterrors.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := NewRunner(s, agent, WithCommunity("c"), WithLockTTL(0)); !errors.Is(err, musterrors.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := NewRunner(s, agent, WithCommunity("c"), WithWorkers(0)); err == nil {
		t.Fatalf("expected error for zero workers")
	}
}

func TestRunPromotesMembers(t *testing.T) {
	tokens := []string{token(0), token(1)}
	agent := mapAgent(map[string]string{tokens[0]: "zed", tokens[1]: "amy"})

	var mu sync.Mutex
	var gotAdmin string
	var gotIDs []string
	promoter := PromoterFunc(func(ctx context.Context, admin string, ids []string) error {
		mu.Lock()
		defer mu.Unlock()
		gotAdmin, gotIDs = admin, ids
		return nil
	})
	r, err := NewRunner(store.NewInMemory(), agent,
		WithCommunity("c"), WithLogger(quietLogger()), WithPromoter(promoter, "admin-secret"))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	sum, err := r.Run(context.Background(), tokens)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.PromoteErr != nil {
		t.Fatalf("unexpected promote error: %v", sum.PromoteErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotAdmin != "admin-secret" || !reflect.DeepEqual(gotIDs, []string{"amy", "zed"}) {
		t.Fatalf("unexpected promote call %q %v", gotAdmin, gotIDs)
	}
}

func TestPromoteErrorDoesNotFailRun(t *testing.T) {
	tokens := []string{token(0)}
	agent := mapAgent(map[string]string{tokens[0]: "amy"})
	boom := errors.New("boom")
	r, err := NewRunner(store.NewInMemory(), agent,
		WithCommunity("c"), WithLogger(quietLogger()),
		WithPromoter(PromoterFunc(func(context.Context, string, []string) error { return boom }), "x"))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	sum, err := r.Run(context.Background(), tokens)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !errors.Is(sum.PromoteErr, boom) || sum.Joined != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestClaimActionFailureLeavesUserUnrecorded(t *testing.T) {
	tokens := []string{token(0), token(1)}
	agent := mapAgent(map[string]string{tokens[0]: "amy", tokens[1]: "bea"})
	r, err := NewRunner(store.NewInMemory(), agent,
		WithCommunity("c"), WithLogger(quietLogger()),
		WithClaimAction(func(ctx context.Context, id string) error {
			if id == "bea" {
				return errors.New("not allowed")
			}
			return nil
		}))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	sum, err := r.Run(context.Background(), tokens)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(sum.Members, []string{"amy"}) || sum.Report.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRunCancelledReturnsPartialSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	agent := AgentFunc(func(ctx context.Context, tok string) (string, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		return "", ctx.Err()
	})
	r, err := NewRunner(store.NewInMemory(), agent, WithCommunity("c"), WithWorkers(1), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	tokens := make([]string, 20)
	for i := range tokens {
		tokens[i] = token(i)
	}
	sum, err := r.Run(ctx, tokens)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sum.Offered != 20 || sum.Report.Processed() >= 20 {
		t.Fatalf("expected a partial run, got %+v", sum.Report)
	}
}

func TestRunOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tokens := []string{token(0), token(1), token(2), token(3)}
	agent := mapAgent(map[string]string{
		tokens[0]: "alice", tokens[1]: "alice", tokens[2]: "bob", tokens[3]: "alice",
	})
	r, err := NewRunner(store.NewRedis(client), agent,
		WithCommunity("gophers"),
		WithWorkers(4),
		WithBus(syncbus.NewRedisBus(client)),
		WithLedgerCache(),
		WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	sum, err := r.Run(context.Background(), tokens)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Joined != 2 {
		t.Fatalf("expected 2 joined, got %d", sum.Joined)
	}
	members, err := mr.Members(sum.LedgerKey)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Fatalf("unexpected redis members %v", members)
	}
	for _, id := range []string{"alice", "bob"} {
		if mr.Exists(LockKey(id)) {
			t.Fatalf("lock for %s still held after run", id)
		}
	}
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommandAgent(t *testing.T) {
	sh := shell(t)
	a := CommandAgent{Path: sh, Args: []string{"-c", `read tok; echo "@user${#tok}"; echo trailing`}}
	id, err := a.Join(context.Background(), token(0))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if id != "@user21" {
		t.Fatalf("unexpected identifier %q", id)
	}

	failing := CommandAgent{Path: sh, Args: []string{"-c", "echo nope >&2; exit 3"}}
	if _, err := failing.Join(context.Background(), token(0)); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestCommandPromoter(t *testing.T) {
	sh := shell(t)
	out := filepath.Join(t.TempDir(), "promote.txt")
	p := CommandPromoter{Path: sh, Args: []string{"-c", `cat > "$0"`, out}}
	if err := p.Promote(context.Background(), "admin", []string{"amy", "bea"}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "admin\namy\nbea\n" {
		t.Fatalf("unexpected promoter input %q", data)
	}
}
