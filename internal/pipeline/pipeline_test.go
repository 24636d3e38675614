package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/modelclient"
	"github.com/agenticlab/distill/internal/trace"
)

// scriptedClient replays canned replies per endpoint. Once the script is
// exhausted it repeats the final entry.
type scriptedClient struct {
	ep config.Endpoint

	mu      sync.Mutex
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	msg trace.Message
	err error
}

func (c *scriptedClient) Endpoint() config.Endpoint { return c.ep }

func (c *scriptedClient) Complete(_ context.Context, _ modelclient.Request) (trace.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	c.calls++
	reply := c.replies[idx]
	return reply.msg, reply.err
}

const goodTerminalAnswer = "## Investigation blueprint\nStart with df -h to confirm usage.\n" +
	"## Command log\ndu -sh /var/log shows growth.\n" +
	"## Findings & mitigations\nRoot cause: unrotated logs.\n" +
	"中文要点：清理日志并修复轮转。\n" +
	"```json\n{\"scenario_type\": \"terminal\", \"risk_level\": \"high\", \"recommended_tools\": [\"df\", \"du\"], \"constraints\": [], \"telemetry_clues\": []}\n```"

func assistantReply(text string) scriptedReply {
	return scriptedReply{msg: trace.Message{Role: trace.RoleAssistant, Text: text}}
}

func writeTerminalBank(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terminal.jsonl")
	lines := []string{
		`{"id": "disk-01", "task": "Disk full on log host", "tools": ["df", "du"], "risk_level": "high"}`,
		`{"id": "net-02", "task": "Packet loss on edge", "tools": ["ping", "mtr"], "risk_level": "medium"}`,
		`{"id": "cpu-03", "task": "CPU saturation on api tier", "tools": ["top", "perf"], "risk_level": "low"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, bank string, target int) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
run_name: test-run
seed: 7
teacher_pool:
  endpoints:
    - name: primary
      provider: openai_compatible
      model: test-model
output:
  base_dir: ` + t.TempDir() + `
  format: jsonl
  shard_size: 2
concurrency:
  max_workers: 2
scenarios:
  - name: terminal-ops
    generator: terminal
    target_episodes: ` + strconv.Itoa(target) + `
    params:
      question_bank_path: ` + bank + `
`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func scriptedFactory(clients map[string]*scriptedClient) ClientFactory {
	return func(ep config.Endpoint) (modelclient.Client, error) {
		client := clients[ep.Name]
		client.ep = ep
		return client, nil
	}
}

func TestRun_FillsQuotaAndWritesShards(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeTerminalBank(t), 3)
	teacher := &scriptedClient{replies: []scriptedReply{assistantReply(goodTerminalAnswer)}}

	p, err := New(cfg, WithClientFactory(scriptedFactory(map[string]*scriptedClient{"primary": teacher})))
	if err != nil {
		t.Fatal(err)
	}

	progress, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress["terminal-ops"] != 3 {
		t.Fatalf("progress=%v, want 3 accepted", progress)
	}

	records := readShardRecords(t, p.ExportDir())
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	for _, rec := range records {
		if rec.UUID == "" {
			t.Fatalf("record missing uuid")
		}
		if rec.Subset == "" || len(rec.Subsets) == 0 {
			t.Fatalf("record missing subsets: %+v", rec)
		}
		if rec.Response.FinalAnswer == "" {
			t.Fatalf("record missing final answer")
		}
		if !strings.Contains(rec.Question.SystemPrompt, "elite agent") {
			t.Fatalf("global system prefix not composed into prompt")
		}
	}
}

func TestRun_RetriesRejectedEpisodes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeTerminalBank(t), 1)
	// First attempt fails validation, second passes; the quota must still be
	// filled.
	teacher := &scriptedClient{replies: []scriptedReply{
		assistantReply("Nothing useful."),
		assistantReply(goodTerminalAnswer),
	}}
	cfg.Concurrency.MaxWorkers = 1

	p, err := New(cfg, WithClientFactory(scriptedFactory(map[string]*scriptedClient{"primary": teacher})))
	if err != nil {
		t.Fatal(err)
	}
	progress, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress["terminal-ops"] != 1 {
		t.Fatalf("progress=%v, want 1", progress)
	}
	if teacher.calls < 2 {
		t.Fatalf("teacher calls=%d, want at least 2 (rejection then retry)", teacher.calls)
	}
}

func TestRun_ReviewCycleRecordsFeedback(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeTerminalBank(t), 1)
	cfg.ReviewFlow = config.ReviewFlow{Enabled: true, MinScore: 0.8, MaxRounds: 1, AutoRefine: true}
	cfg.ReviewerPool = &config.Pool{Endpoints: []config.Endpoint{{
		Name: "judge", Provider: "openai_compatible", Model: "judge-model",
		Temperature: 0.2, TopP: 0.9, MaxOutputTokens: 1024, Weight: 1, RetryAttempts: 1,
	}}}
	cfg.Concurrency.MaxWorkers = 1

	teacher := &scriptedClient{replies: []scriptedReply{assistantReply(goodTerminalAnswer)}}
	reviewer := &scriptedClient{replies: []scriptedReply{
		assistantReply(`{"score": 0.95, "needs_revision": false, "feedback": "Strong playbook.", "chinese_summary": "方案完整"}`),
	}}

	p, err := New(cfg, WithClientFactory(scriptedFactory(map[string]*scriptedClient{
		"primary": teacher,
		"judge":   reviewer,
	})))
	if err != nil {
		t.Fatal(err)
	}
	progress, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress["terminal-ops"] != 1 {
		t.Fatalf("progress=%v", progress)
	}
	if reviewer.calls != 1 {
		t.Fatalf("reviewer calls=%d, want 1", reviewer.calls)
	}

	records := readShardRecords(t, p.ExportDir())
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
	gen, ok := records[0].Metadata["generation"].(map[string]any)
	if !ok {
		t.Fatalf("generation metadata missing: %v", records[0].Metadata)
	}
	reviews, ok := gen["review"].([]any)
	if !ok || len(reviews) != 1 {
		t.Fatalf("review rounds=%v, want 1", gen["review"])
	}
}

func TestRun_ReviewerRejectionForcesRetry(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeTerminalBank(t), 1)
	cfg.ReviewFlow = config.ReviewFlow{Enabled: true, MinScore: 0.8, MaxRounds: 1, AutoRefine: false}
	cfg.ReviewerPool = &config.Pool{Endpoints: []config.Endpoint{{
		Name: "judge", Provider: "openai_compatible", Model: "judge-model",
		Temperature: 0.2, TopP: 0.9, MaxOutputTokens: 1024, Weight: 1, RetryAttempts: 1,
	}}}
	cfg.Concurrency.MaxWorkers = 1

	teacher := &scriptedClient{replies: []scriptedReply{assistantReply(goodTerminalAnswer)}}
	reviewer := &scriptedClient{replies: []scriptedReply{
		assistantReply(`{"score": 0.3, "needs_revision": true, "feedback": "Too shallow."}`),
		assistantReply(`{"score": 0.9, "needs_revision": false, "feedback": "Fixed."}`),
	}}

	p, err := New(cfg, WithClientFactory(scriptedFactory(map[string]*scriptedClient{
		"primary": teacher,
		"judge":   reviewer,
	})))
	if err != nil {
		t.Fatal(err)
	}
	progress, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress["terminal-ops"] != 1 {
		t.Fatalf("progress=%v", progress)
	}
	if reviewer.calls != 2 {
		t.Fatalf("reviewer calls=%d, want 2 (first rejection forced a fresh attempt)", reviewer.calls)
	}
}

func TestRun_ToolHandlerResolvesCalls(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeTerminalBank(t), 1)
	cfg.Concurrency.MaxWorkers = 1

	withToolCall := trace.Message{
		Role: trace.RoleAssistant,
		Text: goodTerminalAnswer,
		ToolCalls: []trace.ToolCall{
			{ID: "call_1", Name: "run_command", Arguments: `{"command": "df -h"}`},
			{ID: "call_2", Name: "run_command", Arguments: "not json"},
		},
	}
	teacher := &scriptedClient{replies: []scriptedReply{{msg: withToolCall}}}

	var handled []map[string]any
	var handledMu sync.Mutex
	handler := func(name string, args map[string]any) (map[string]any, error) {
		handledMu.Lock()
		handled = append(handled, args)
		handledMu.Unlock()
		return map[string]any{"content": "Filesystem 92% full"}, nil
	}

	p, err := New(cfg,
		WithClientFactory(scriptedFactory(map[string]*scriptedClient{"primary": teacher})),
		WithToolHandler(handler))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(handled) != 2 {
		t.Fatalf("handler invoked %d times, want 2", len(handled))
	}
	if handled[1]["raw"] != "not json" {
		t.Fatalf("malformed arguments not wrapped: %v", handled[1])
	}

	records := readShardRecords(t, p.ExportDir())
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
	if got := len(records[0].Response.ToolInvocations); got != 2 {
		t.Fatalf("tool invocations=%d, want 2", got)
	}
	toolTurns := 0
	for _, msg := range records[0].Response.Messages {
		if msg.Role == trace.RoleTool {
			toolTurns++
		}
	}
	if toolTurns != 2 {
		t.Fatalf("tool turns=%d, want 2", toolTurns)
	}
}

func readShardRecords(t *testing.T, dir string) []trace.Record {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var records []trace.Record
	for _, entry := range entries {
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatal(err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec trace.Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("shard line is not a record: %v", err)
			}
			records = append(records, rec)
		}
		f.Close()
	}
	return records
}
