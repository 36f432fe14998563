package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"virtual-product-owner/handler"
	"virtual-product-owner/internal/config"
	"virtual-product-owner/internal/integrations/azuredevops"
	"virtual-product-owner/internal/integrations/openai"
	"virtual-product-owner/internal/integrations/paramstore"
	"virtual-product-owner/internal/repository"
	"virtual-product-owner/internal/usecase"
)

// store is everything the services need from a persistence backend.
type store interface {
	usecase.StoryRepository
	usecase.ConversationStore
	usecase.AssetStore
	handler.Pinger
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	st, closeStore, err := openStore(cfg, func() *awsdynamodb.Client { return awsdynamodb.NewFromConfig(awsCfg) })
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	openaiOpts := []openai.Option{
		openai.WithEnabled(cfg.LLMEnabled()),
		openai.WithModel(cfg.LLM.Model),
		openai.WithTimeout(cfg.LLMTimeout()),
	}
	if cfg.LLM.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var adoOpts []azuredevops.Option
	if cfg.AzureDevOps.BaseURL != "" {
		adoOpts = append(adoOpts, azuredevops.WithBaseURL(cfg.AzureDevOps.BaseURL))
	}
	adoClient, err := azuredevops.NewClient(ssmClient, cfg.ParamPrefix, azuredevops.Config{
		Enabled:          cfg.AzureDevOps.Enabled,
		Organization:     cfg.AzureDevOps.Organization,
		Project:          cfg.AzureDevOps.Project,
		WorkItemType:     cfg.AzureDevOps.WorkItemType,
		DefaultAreaPath:  cfg.AzureDevOps.DefaultAreaPath,
		DefaultIteration: cfg.AzureDevOps.DefaultIteration,
	}, adoOpts...)
	if err != nil {
		slog.Error("failed to create Azure DevOps client", "err", err)
		os.Exit(1)
	}
	if cfg.AzureDevOps.Enabled && !adoClient.Enabled() {
		slog.Warn("Azure DevOps sync is enabled but organization or project is missing")
	}

	// ---- Services ----
	stories, err := usecase.NewStoryService(st, st, logger)
	if err != nil {
		slog.Error("failed to create story service", "err", err)
		os.Exit(1)
	}
	approvals, err := usecase.NewApprovalService(st, adoClient)
	if err != nil {
		slog.Error("failed to create approval service", "err", err)
		os.Exit(1)
	}
	refinement, err := usecase.NewRefinementService(st, st, st, openaiClient, usecase.Limits{
		MaxContextChars:   cfg.Limits.MaxContextChars,
		HistoryWindow:     cfg.Limits.HistoryWindow,
		AssetSnippetChars: cfg.Limits.AssetSnippetChars,
	}, logger)
	if err != nil {
		slog.Error("failed to create refinement service", "err", err)
		os.Exit(1)
	}
	assets, err := usecase.NewAssetService(st)
	if err != nil {
		slog.Error("failed to create asset service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Services{
		Stories:    stories,
		Approvals:  approvals,
		Refinement: refinement,
		Assets:     assets,
	},
		handler.WithLogger(logger),
		handler.WithTrustedUserHeader(cfg.HTTP.TrustUserHeader),
		handler.WithReadinessCheck(st),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if cfg.HTTP.Addr == "" {
		lambda.Start(h.Handle)
		return
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("listening", "addr", cfg.HTTP.Addr, "backend", cfg.Store.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server stopped", "err", err)
		os.Exit(1)
	}
}

// openStore builds the configured backend. The DynamoDB client is only
// constructed when that backend is selected.
func openStore(cfg config.Config, dynamo func() *awsdynamodb.Client) (store, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		c, err := repository.New(dynamo(), cfg.Store.Table)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case config.BackendSQLite:
		s, err := repository.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("failed to close sqlite store", "err", err)
			}
		}, nil
	default:
		return repository.NewMemoryStore(), noop, nil
	}
}
