package runtime

import (
	"fmt"
	"log/slog"

	"github.com/szaher/checkin/internal/config"
	"github.com/szaher/checkin/internal/handler/llmstage"
	"github.com/szaher/checkin/internal/handler/script"
	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/llm"
	"github.com/szaher/checkin/internal/mcp"
	"github.com/szaher/checkin/internal/provider"
	"github.com/szaher/checkin/internal/stage"
)

// registryBuilder binds handlers and providers to the configured stages.
type registryBuilder struct {
	cfg    *config.Config
	pool   *mcp.Pool
	logger *slog.Logger

	client llm.Client
	model  string
}

func (b *registryBuilder) build(g *stage.Graph) (*intake.Registry, error) {
	reg := intake.NewRegistry(g)

	base := script.Intake()
	if b.cfg.ScriptFile != "" {
		loaded, err := script.Load(b.cfg.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", stage.ErrConfiguration, err)
		}
		base = loaded
	}

	if len(b.cfg.Stages) == 0 {
		if err := script.Register(reg, base); err != nil {
			return nil, err
		}
		if err := b.bindRecords(reg, g); err != nil {
			return nil, err
		}
		return reg, reg.Validate()
	}

	scripts := make(script.Script, len(b.cfg.Stages))
	for _, sc := range b.cfg.Stages {
		if sc.Handler.Type == config.HandlerLLM {
			continue
		}
		if sc.Handler.Script != nil {
			scripts[sc.Name] = *sc.Handler.Script
		} else if s, ok := base[sc.Name]; ok {
			scripts[sc.Name] = s
		}
	}
	if err := script.Register(reg, scripts); err != nil {
		return nil, err
	}

	var records intake.DataProvider
	for _, sc := range b.cfg.Stages {
		if sc.Handler.Type == config.HandlerLLM {
			h, err := b.llmHandler(sc)
			if err != nil {
				return nil, err
			}
			reg.RegisterHandler(sc.Name, h)
		}

		var (
			p   intake.DataProvider
			err error
		)
		if sc.Provider != nil {
			p, err = b.provider(*sc.Provider)
		} else if !g.IsTerminal(sc.Name) {
			if records == nil {
				records, err = b.provider(b.cfg.Records)
			}
			p = records
		}
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		if p != nil {
			reg.RegisterProvider(sc.Name, p)
		}
	}
	return reg, reg.Validate()
}

func (b *registryBuilder) bindRecords(reg *intake.Registry, g *stage.Graph) error {
	p, err := b.provider(b.cfg.Records)
	if err != nil || p == nil {
		return err
	}
	for _, st := range g.Stages() {
		if !st.Terminal {
			reg.RegisterProvider(st.Name, p)
		}
	}
	return nil
}

func (b *registryBuilder) llmHandler(sc config.StageConfig) (intake.StageHandler, error) {
	if b.client == nil {
		b.client, b.model = llm.NewClient(llm.Settings{
			Model:   b.cfg.LLM.Model,
			APIKey:  b.cfg.LLM.APIKey,
			BaseURL: b.cfg.LLM.BaseURL,
		})
	}
	hc := *sc.Handler.LLM
	if hc.MaxTokens == 0 {
		hc.MaxTokens = b.cfg.LLM.MaxTokens
	}
	return llmstage.New(b.client, b.model, sc.Name, hc, llmstage.WithLogger(b.logger))
}

// provider returns nil for the none type.
func (b *registryBuilder) provider(pc config.ProviderConfig) (intake.DataProvider, error) {
	switch pc.Type {
	case "", config.ProviderNone:
		return nil, nil
	case config.ProviderStatic:
		return provider.LoadStatic(pc.File)
	case config.ProviderHTTP:
		return provider.NewHTTP(pc.HTTP)
	case config.ProviderS3:
		return provider.NewS3(pc.S3)
	case config.ProviderMCP:
		server, ok := b.cfg.MCPServer(pc.MCP.Server)
		if !ok {
			return nil, fmt.Errorf("%w: unknown mcp server %q", stage.ErrConfiguration, pc.MCP.Server)
		}
		return provider.NewMCP(b.pool, provider.MCPConfig{Server: server, ToolPrefix: pc.MCP.ToolPrefix})
	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", stage.ErrConfiguration, pc.Type)
	}
}
