package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/omeyang/xcacheloader/pkg/storage/xcache"
)

// runArgs 执行命令并返回退出码与输出。
func runArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"xloadsim"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// reportValue 从 run 命令的输出中读取指定字段。
func reportValue(t *testing.T, out, field string) string {
	t.Helper()
	for line := range strings.Lines(out) {
		name, value, ok := strings.Cut(line, ":")
		if ok && name == field {
			return strings.TrimSpace(value)
		}
	}
	t.Fatalf("field %q not found in output:\n%s", field, out)
	return ""
}

func testSimOptions(store string) simOptions {
	cfg := xcache.DefaultConfig()
	cfg.Name = "xloadsim-test"
	cfg.ExpireTime = time.Minute
	return simOptions{
		keys:      5,
		callers:   20,
		rounds:    2,
		loadDelay: 10 * time.Millisecond,
		store:     store,
		cfg:       cfg,
	}
}

func TestSimulate_MemoryLoadsOncePerKey(t *testing.T) {
	opts := testSimOptions(storeMemory)

	report, err := simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false))
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}
	if report.Requests != 200 {
		t.Errorf("Requests = %d, want 200", report.Requests)
	}
	if report.Loads != 5 {
		t.Errorf("Loads = %d, want 5", report.Loads)
	}
	if report.Values != 200 {
		t.Errorf("Values = %d, want 200", report.Values)
	}
	if report.LockTimeouts != 0 || report.Errors != 0 {
		t.Errorf("unexpected failures: timeouts=%d errors=%d", report.LockTimeouts, report.Errors)
	}
}

func TestSimulate_EmbeddedRedis(t *testing.T) {
	opts := testSimOptions(storeRedis)
	opts.cfg.LoaderPermits = 2

	report, err := simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false))
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}
	if report.Loads != 5 {
		t.Errorf("Loads = %d, want 5", report.Loads)
	}
	if report.Values != report.Requests {
		t.Errorf("Values = %d, want %d", report.Values, report.Requests)
	}
}

func TestSimulate_ExternalRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testSimOptions(storeRedis)
	opts.redisAddr = mr.Addr()

	if _, err := simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false)); err != nil {
		t.Fatalf("simulate() error = %v", err)
	}
	if !mr.Exists(redisKeyPrefix + "key-0") {
		t.Errorf("expected %q to be stored in redis", redisKeyPrefix+"key-0")
	}
}

func TestSimulate_AbsentKeys(t *testing.T) {
	// Given: key-0 在数据源中不存在
	opts := testSimOptions(storeMemory)
	opts.absentEvery = 5
	opts.callers = 1
	opts.rounds = 3

	// When: 不缓存空值
	report, err := simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false))
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}

	// Then: 每次访问 key-0 都回源
	if report.Absent != 3 {
		t.Errorf("Absent = %d, want 3", report.Absent)
	}
	if report.Loads != 4+3 {
		t.Errorf("Loads = %d, want 7", report.Loads)
	}

	// When: 缓存空值
	opts.emptyElement = true
	report, err = simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false))
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}

	// Then: key-0 只回源一次
	if report.Loads != 5 {
		t.Errorf("Loads with empty element = %d, want 5", report.Loads)
	}
	if report.Absent != 0 {
		t.Errorf("Absent with empty element = %d, want 0", report.Absent)
	}
}

func TestSimulate_UnreachableRedis(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	opts := testSimOptions(storeRedis)
	opts.redisAddr = addr
	_, err := simulate(context.Background(), opts, newLogger(&bytes.Buffer{}, false))
	if err == nil {
		t.Fatal("simulate() with unreachable redis should fail")
	}
}

func TestSimulate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := simulate(ctx, testSimOptions(storeMemory), newLogger(&bytes.Buffer{}, false))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("simulate() error = %v, want context.Canceled", err)
	}
}

func TestRunCommand(t *testing.T) {
	code, out, stderr := runArgs(t, "run", "--keys", "3", "--callers", "10", "--load-delay", "5ms")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if got := reportValue(t, out, "loads"); got != "3" {
		t.Errorf("loads = %s, want 3", got)
	}
	if got := reportValue(t, out, "requests"); got != "30" {
		t.Errorf("requests = %s, want 30", got)
	}
}

func TestRunCommand_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero_keys", []string{"run", "--keys", "0"}},
		{"negative_callers", []string{"run", "--callers=-1"}},
		{"zero_rounds", []string{"run", "--rounds", "0"}},
		{"negative_delay", []string{"run", "--load-delay=-1s"}},
		{"unknown_store", []string{"run", "--store", "disk"}},
		{"zero_expire", []string{"run", "--expire", "0s"}},
		{"unknown_flag", []string{"run", "--nope"}},
		{"bad_flag_value", []string{"run", "--keys", "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runArgs(t, tt.args...)
			if code != 2 {
				t.Errorf("exit code = %d, want 2 (stderr: %s)", code, stderr)
			}
		})
	}
}

func TestRunCommand_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	data := "name: from-file\nexpire_time: 30s\nloader_permits: 1\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := runArgs(t, "run", "--config", path, "--keys", "2", "--callers", "4", "--load-delay", "1ms")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if got := reportValue(t, out, "loads"); got != "2" {
		t.Errorf("loads = %s, want 2", got)
	}
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "cache.json")
	if err := os.WriteFile(valid, []byte(`{"name":"user","expire_time":"5m","breaker":{"enabled":true}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(invalid, []byte("name: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := runArgs(t, "config", valid)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if got := reportValue(t, out, "expire_time"); got != "5m0s" {
		t.Errorf("expire_time = %s, want 5m0s", got)
	}
	if got := reportValue(t, out, "breaker.failures"); got != "5" {
		t.Errorf("breaker.failures = %s, want 5", got)
	}

	if code, _, _ := runArgs(t, "config"); code != 2 {
		t.Errorf("config without args: exit code = %d, want 2", code)
	}
	if code, _, _ := runArgs(t, "config", invalid); code != 1 {
		t.Errorf("config with invalid file: exit code = %d, want 1", code)
	}
	if code, _, _ := runArgs(t, "config", filepath.Join(dir, "missing.yaml")); code != 1 {
		t.Errorf("config with missing file: exit code = %d, want 1", code)
	}
}

func TestExitCode(t *testing.T) {
	var stderr bytes.Buffer
	if got := exitCode(newUsageError("bad"), &stderr); got != 2 {
		t.Errorf("exitCode(usageError) = %d, want 2", got)
	}
	if !strings.Contains(stderr.String(), "bad") {
		t.Errorf("stderr = %q, want message", stderr.String())
	}
	if got := exitCode(errors.New("boom"), &stderr); got != 1 {
		t.Errorf("exitCode(error) = %d, want 1", got)
	}
}

func TestUsageError(t *testing.T) {
	err := newUsageError("value %d", 3)
	if err.Error() != "value 3" {
		t.Errorf("usageError.Error() = %q, want %q", err.Error(), "value 3")
	}
	var target *usageError
	if !errors.As(err, &target) {
		t.Error("errors.As failed for *usageError")
	}
}
