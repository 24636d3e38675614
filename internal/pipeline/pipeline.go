// Package pipeline coordinates scenario sampling, teacher and reviewer
// calls, validation, and shard storage for a distillation run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/generators"
	"github.com/agenticlab/distill/internal/ledger"
	"github.com/agenticlab/distill/internal/modelclient"
	"github.com/agenticlab/distill/internal/storage"
)

// ClientFactory builds a model client for an endpoint. Swappable for tests.
type ClientFactory func(ep config.Endpoint) (modelclient.Client, error)

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithToolHandler installs a resolver for teacher tool calls.
func WithToolHandler(handler ToolHandler) Option {
	return func(p *Pipeline) { p.toolHandler = handler }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClientFactory overrides how endpoint clients are built.
func WithClientFactory(factory ClientFactory) Option {
	return func(p *Pipeline) { p.clientFactory = factory }
}

// WithLedger attaches a run ledger that receives per-episode outcomes.
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// Pipeline drives a full distillation run. The Run goroutine is the sole
// mutator of progress, the writer, and the ledger; workers only produce
// results over a channel.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	generators     map[string]generators.Generator
	generatorLocks map[string]*sync.Mutex

	teacherSelector  *EndpointSelector
	teacherClients   map[string]modelclient.Client
	reviewerSelector *EndpointSelector
	reviewerClients  map[string]modelclient.Client

	toolHandler   ToolHandler
	clientFactory ClientFactory
	ledger        *ledger.Ledger

	rng      *rand.Rand
	progress map[string]int
}

// New builds a pipeline from a validated config. Generator construction and
// endpoint client construction both happen here so that a bad question bank
// or a missing API key fails before any quota work starts.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:            cfg,
		log:            slog.Default(),
		generators:     make(map[string]generators.Generator, len(cfg.Scenarios)),
		generatorLocks: make(map[string]*sync.Mutex, len(cfg.Scenarios)),
		teacherClients: make(map[string]modelclient.Client),
		clientFactory:  modelclient.New,
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		progress:       make(map[string]int, len(cfg.Scenarios)),
	}
	for _, opt := range opts {
		opt(p)
	}

	for idx, sc := range cfg.Scenarios {
		gen, err := generators.New(sc, cfg.Seed+int64(idx))
		if err != nil {
			return nil, err
		}
		p.generators[sc.Name] = gen
		p.generatorLocks[sc.Name] = &sync.Mutex{}
		p.progress[sc.Name] = 0
	}

	p.teacherSelector = NewEndpointSelector(cfg.TeacherPool, cfg.Seed)
	for _, ep := range cfg.TeacherPool.Endpoints {
		client, err := p.clientFactory(ep)
		if err != nil {
			return nil, err
		}
		p.teacherClients[ep.Name] = client
	}

	if cfg.ReviewFlow.Enabled && cfg.ReviewerPool != nil {
		p.reviewerSelector = NewEndpointSelector(*cfg.ReviewerPool, cfg.Seed+1)
		p.reviewerClients = make(map[string]modelclient.Client)
		for _, ep := range cfg.ReviewerPool.Endpoints {
			client, err := p.clientFactory(ep)
			if err != nil {
				return nil, err
			}
			p.reviewerClients[ep.Name] = client
		}
	}

	return p, nil
}

// ExportDir is where this run's shards land.
func (p *Pipeline) ExportDir() string {
	return filepath.Join(p.cfg.Output.BaseDir, p.cfg.RunName)
}

// Run executes the distillation loop until every scenario quota is
// satisfied or the context is canceled. It returns accepted episode counts
// per scenario.
func (p *Pipeline) Run(ctx context.Context) (map[string]int, error) {
	writer, err := storage.NewWriter(p.ExportDir(), p.cfg.Output.Format, p.cfg.Output.ShardSize, p.cfg.Output.TargetShardBytes)
	if err != nil {
		return nil, err
	}

	results := make(chan produceResult)
	inflight := 0

	launch := func() {
		for inflight < p.cfg.Concurrency.MaxWorkers && ctx.Err() == nil {
			sc, ok := p.chooseNextScenario()
			if !ok {
				return
			}
			inflight++
			go func(sc config.Scenario) {
				results <- p.produceEpisode(ctx, sc)
			}(sc)
		}
	}

	runErr := ctx.Err()
	launch()
	for inflight > 0 {
		res := <-results
		inflight--
		p.handleResult(writer, res)
		if ctx.Err() != nil {
			runErr = ctx.Err()
			continue
		}
		launch()
	}

	summary, err := writer.Finalize()
	if err != nil {
		return p.progressCopy(), err
	}
	p.log.Info("run complete",
		"run", p.cfg.RunName,
		"records", summary.Records,
		"shards", summary.Shards,
		"dir", summary.Dir)
	return p.progressCopy(), runErr
}

// handleResult applies one worker outcome. Endpoint trouble is logged and
// followed by a short pause; anything else failing is logged and dropped.
func (p *Pipeline) handleResult(writer *storage.Writer, res produceResult) {
	switch {
	case res.Err != nil && modelclient.IsEndpointError(res.Err):
		p.log.Warn("model endpoint call failed", "scenario", res.Scenario, "err", res.Err)
		p.recordLedger(res, "failed", res.Err.Error())
		time.Sleep(time.Second)
	case res.Err != nil:
		p.log.Error("episode production failed", "scenario", res.Scenario, "err", res.Err)
		p.recordLedger(res, "failed", res.Err.Error())
	case res.Episode == nil:
		p.log.Info("episode discarded",
			"scenario", res.Scenario,
			"scenario_id", res.ScenarioID,
			"reason", res.RejectReason)
		p.recordLedger(res, "rejected", res.RejectReason)
	default:
		if p.progress[res.Scenario] >= p.targetFor(res.Scenario) {
			// A concurrent worker already filled the quota.
			p.log.Info("episode discarded", "scenario", res.Scenario, "scenario_id", res.ScenarioID, "reason", "quota already met")
			p.recordLedger(res, "rejected", "quota already met")
			return
		}
		record := res.Episode.Record()
		payload, err := json.Marshal(record)
		if err != nil {
			p.log.Error("record serialization failed", "scenario", res.Scenario, "err", err)
			return
		}
		if err := writer.Add(storage.Record{UUID: record.UUID, Subset: record.Subset, Payload: payload}); err != nil {
			p.log.Error("shard write failed", "scenario", res.Scenario, "err", err)
			return
		}
		p.progress[res.Scenario]++
		p.recordLedger(res, "accepted", "")
		p.log.Info("episode accepted",
			"scenario", res.Scenario,
			"scenario_id", res.ScenarioID,
			"score", fmt.Sprintf("%.2f", res.Score),
			"progress", fmt.Sprintf("%d/%d", p.progress[res.Scenario], p.targetFor(res.Scenario)))
	}
}

func (p *Pipeline) recordLedger(res produceResult, status, detail string) {
	if p.ledger == nil {
		return
	}
	uuid := ""
	if res.Episode != nil {
		uuid = res.Episode.UUID
	}
	entry := ledger.Entry{
		RunName:    p.cfg.RunName,
		Scenario:   res.Scenario,
		ScenarioID: res.ScenarioID,
		UUID:       uuid,
		Status:     status,
		Detail:     detail,
		Score:      res.Score,
	}
	if err := p.ledger.Record(entry); err != nil {
		p.log.Warn("ledger write failed", "err", err)
	}
}

// chooseNextScenario draws among scenarios with remaining quota,
// proportionally to their weights.
func (p *Pipeline) chooseNextScenario() (config.Scenario, bool) {
	var remaining []config.Scenario
	total := 0.0
	for _, sc := range p.cfg.Scenarios {
		if p.progress[sc.Name] < sc.TargetEpisodes {
			remaining = append(remaining, sc)
			total += sc.Weight
		}
	}
	if len(remaining) == 0 {
		return config.Scenario{}, false
	}
	threshold := p.rng.Float64() * total
	cumulative := 0.0
	for _, sc := range remaining {
		cumulative += sc.Weight
		if threshold <= cumulative {
			return sc, true
		}
	}
	return remaining[len(remaining)-1], true
}

func (p *Pipeline) targetFor(name string) int {
	for _, sc := range p.cfg.Scenarios {
		if sc.Name == name {
			return sc.TargetEpisodes
		}
	}
	return 0
}

func (p *Pipeline) progressCopy() map[string]int {
	out := make(map[string]int, len(p.progress))
	for name, count := range p.progress {
		out[name] = count
	}
	return out
}
