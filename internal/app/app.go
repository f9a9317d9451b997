// Package app assembles the assistant from its configuration. It is the
// only place that knows about concrete AWS clients and provider SDKs.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mesh-assistant/internal/archive"
	"mesh-assistant/internal/brain"
	"mesh-assistant/internal/config"
	"mesh-assistant/internal/integrations/anthropic"
	"mesh-assistant/internal/integrations/openai"
	"mesh-assistant/internal/integrations/paramstore"
	"mesh-assistant/internal/knowledge"
	"mesh-assistant/internal/learning"
	"mesh-assistant/internal/memory"
	"mesh-assistant/internal/provider"
	"mesh-assistant/internal/repository"
)

// knowledgeLoadTimeout bounds the initial document scan at startup.
const knowledgeLoadTimeout = 30 * time.Second

// App holds the wired components.
type App struct {
	Config    config.Config
	Log       zerolog.Logger
	Brain     *brain.Brain
	Memory    *memory.Manager
	Learning  *learning.Engine
	Knowledge *knowledge.Index // nil unless enabled
}

// New builds every component described by cfg. AWS configuration is only
// loaded when a component needs it.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	loader := &awsLoader{region: cfg.Region}

	var getter paramstore.Getter
	params := func() (paramstore.Getter, error) {
		if getter != nil {
			return getter, nil
		}
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		c, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		getter = c
		return c, nil
	}

	reg := NewRegistry(log)
	primary, err := buildProvider(reg, cfg.Primary, params, log)
	if err != nil {
		return nil, fmt.Errorf("app: primary provider: %w", err)
	}
	fallback, err := buildProvider(reg, cfg.Fallback, params, log)
	if err != nil {
		return nil, fmt.Errorf("app: fallback provider: %w", err)
	}

	hot := memory.NewHot(memory.WithHotCapacity(cfg.Memory.HotCapacity), memory.WithHotTTL(cfg.Memory.HotRetention))
	memOpts := []memory.ManagerOption{
		memory.WithPolicy(memory.Policy{
			HotRetention:     cfg.Memory.HotRetention,
			WarmRetention:    cfg.Memory.WarmRetention,
			ColdRetention:    cfg.Memory.ColdRetention,
			ArchiveThreshold: cfg.Memory.ArchiveThreshold,
			SweepInterval:    cfg.Memory.SweepInterval,
			PingTimeout:      memory.DefaultPolicy().PingTimeout,
		}),
		memory.WithLogger(log.With().Str("component", "memory").Logger()),
	}
	learnOpts := []learning.Option{
		learning.WithDetector(learning.NewDetector(
			learning.WithLookback(cfg.Learning.PatternLookback),
			learning.WithRetainedPatterns(cfg.Learning.RetainedPatterns),
		)),
		learning.WithMinProfileConfidence(cfg.Learning.MinProfileConfidence),
		learning.WithProfileIdleTTL(cfg.Learning.ProfileIdleTTL),
		learning.WithLogger(log.With().Str("component", "learning").Logger()),
	}

	cfg.Warm.Table = strings.TrimSpace(cfg.Warm.Table)
	if table := cfg.Warm.Table; table != "" {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		warm, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), table,
			repository.WithRetention(cfg.Memory.WarmRetention),
			repository.WithLogger(log.With().Str("component", "warm").Logger()),
		)
		if err != nil {
			return nil, fmt.Errorf("app: warm tier: %w", err)
		}
		memOpts = append(memOpts, memory.WithWarm(warm), memory.WithContextStore(warm))
		learnOpts = append(learnOpts, learning.WithProfileStore(warm))
	}

	var blobs *archive.Client
	if bucket := strings.TrimSpace(cfg.Cold.Bucket); bucket != "" {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		blobs, err = archive.New(awss3.NewFromConfig(awsCfg), bucket,
			archive.WithPrefix(cfg.Cold.Prefix),
			archive.WithRetention(cfg.Memory.ColdRetention),
			archive.WithLogger(log.With().Str("component", "cold").Logger()),
		)
		if err != nil {
			return nil, fmt.Errorf("app: cold tier: %w", err)
		}
		memOpts = append(memOpts, memory.WithCold(blobs))
	}

	mgr, err := memory.NewManager(hot, memOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: memory: %w", err)
	}
	if cfg.Warm.Table != "" {
		learnOpts = append(learnOpts, learning.WithContextUpdater(mgr))
	}
	engine := learning.NewEngine(learnOpts...)

	a := &App{Config: cfg, Log: log, Memory: mgr, Learning: engine}

	brainOpts := []brain.Option{
		brain.WithLearner(engine),
		brain.WithSystemPrompt(cfg.Brain.SystemPrompt),
		brain.WithHistoryWindow(cfg.Brain.HistoryWindow),
		brain.WithPersistTimeout(cfg.Brain.PersistTimeout),
		brain.WithLogger(log.With().Str("component", "brain").Logger()),
	}
	if primary != nil {
		brainOpts = append(brainOpts, brain.WithPrimary(primary))
	}
	if fallback != nil {
		brainOpts = append(brainOpts, brain.WithFallback(fallback))
	}

	if cfg.Knowledge.Enabled && blobs != nil {
		ixOpts := []knowledge.Option{
			knowledge.WithPrefix(cfg.Knowledge.Prefix),
			knowledge.WithLogger(log.With().Str("component", "knowledge").Logger()),
		}
		if primary != nil {
			ixOpts = append(ixOpts, knowledge.WithEmbedder(primary))
		}
		ix, err := knowledge.New(blobs, ixOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: knowledge: %w", err)
		}
		lctx, cancel := context.WithTimeout(ctx, knowledgeLoadTimeout)
		if err := ix.Load(lctx); err != nil {
			// An empty index still serves; retrieval just finds nothing.
			log.Warn().Err(err).Msg("knowledge index not loaded")
		}
		cancel()
		a.Knowledge = ix
		brainOpts = append(brainOpts, brain.WithRetriever(ix), brain.WithDocuments(cfg.Knowledge.Limit))
	}

	a.Brain, err = brain.New(mgr, brainOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: brain: %w", err)
	}
	return a, nil
}

// Run drives the background maintenance loops until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Memory.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Learning.Run(ctx)
		return nil
	})
	return g.Wait()
}

// NewRegistry returns a provider registry with every supported backend.
func NewRegistry(log zerolog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.TypeOpenAI, openAIFactory(false))
	reg.Register(provider.TypeAzureOpenAI, openAIFactory(true))
	reg.Register(provider.TypeAnthropic, func(pc provider.Config) (provider.Provider, error) {
		tokens, err := tokenSource(pc)
		if err != nil {
			return nil, err
		}
		opts := []anthropic.Option{
			anthropic.WithModel(pc.Model),
			anthropic.WithAPIVersion(pc.APIVersion),
			anthropic.WithSampling(pc.MaxTokens, pc.Temperature),
		}
		if pc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.BaseURL))
		}
		return anthropic.NewClient(tokens, opts...)
	})
	return reg
}

func openAIFactory(azure bool) provider.Factory {
	return func(pc provider.Config) (provider.Provider, error) {
		tokens, err := tokenSource(pc)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{
			openai.WithModel(pc.Model),
			openai.WithEmbeddingModel(pc.EmbeddingModel),
			openai.WithSampling(pc.MaxTokens, pc.Temperature),
		}
		if azure {
			opts = append(opts, openai.WithAzure(pc.BaseURL, pc.APIVersion))
		} else if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		return openai.NewClient(tokens, opts...)
	}
}

func tokenSource(pc provider.Config) (paramstore.TokenSource, error) {
	if pc.Tokens == nil {
		return nil, errors.New("no API key source configured")
	}
	return pc.Tokens, nil
}

// buildProvider returns nil for a disabled slot. Real providers are wrapped
// with their retry policy and concurrency bound.
func buildProvider(reg *provider.Registry, pc config.ProviderConfig, params func() (paramstore.Getter, error), log zerolog.Logger) (provider.Provider, error) {
	if !pc.Enabled() {
		return nil, nil
	}
	typ := provider.Type(strings.TrimSpace(pc.Type))
	resolved := provider.Config{
		Type:           typ,
		Model:          pc.Model,
		EmbeddingModel: pc.EmbeddingModel,
		BaseURL:        pc.BaseURL,
		APIVersion:     pc.APIVersion,
		KeyParameter:   pc.KeyParameter,
		MaxTokens:      pc.MaxTokens,
		Temperature:    float32(pc.Temperature),
		Policy: provider.Policy{
			Timeout:           pc.Timeout,
			MaxAttempts:       pc.MaxAttempts,
			BaseDelay:         pc.BaseDelay,
			MaxDelay:          pc.MaxDelay,
			RequestsPerSecond: pc.RequestsPerSecond,
		},
		Workers: int64(pc.Workers),
	}
	if typ != provider.TypeStatic {
		switch {
		case strings.TrimSpace(pc.APIKey) != "":
			resolved.Tokens = paramstore.StaticToken(pc.APIKey)
		default:
			getter, err := params()
			if err != nil {
				return nil, err
			}
			cached, err := paramstore.NewCachedToken(getter, pc.KeyParameter)
			if err != nil {
				return nil, err
			}
			resolved.Tokens = cached
		}
	}

	p, err := reg.New(resolved)
	if err != nil {
		return nil, err
	}
	if typ == provider.TypeStatic {
		return p, nil
	}
	plog := log.With().Str("provider", p.Name()).Logger()
	return provider.Offload(provider.WithResilience(p, resolved.Policy, plog), resolved.Workers), nil
}

// awsLoader resolves the shared AWS configuration once.
type awsLoader struct {
	region string

	once sync.Once
	cfg  aws.Config
	err  error
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	l.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if l.region != "" {
			opts = append(opts, awsconfig.WithRegion(l.region))
		}
		l.cfg, l.err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if l.err != nil {
			l.err = fmt.Errorf("app: load AWS config: %w", l.err)
		}
	})
	return l.cfg, l.err
}
