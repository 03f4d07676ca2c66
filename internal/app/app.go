package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/veridoc-ai/veridoc/internal/config"
	"github.com/veridoc-ai/veridoc/internal/core"
	db "github.com/veridoc-ai/veridoc/internal/core/database"
	"github.com/veridoc-ai/veridoc/internal/core/ingestion_engine"
	"github.com/veridoc-ai/veridoc/internal/core/llm"
	objectclient "github.com/veridoc-ai/veridoc/internal/core/object-client"
	"github.com/veridoc-ai/veridoc/internal/core/ocr"
	"github.com/veridoc-ai/veridoc/internal/core/retrieval"
	"github.com/veridoc-ai/veridoc/internal/services"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Ingestor     *ingestion_engine.DocumentIngestor
	Server       *Server

	cancelWorkers context.CancelFunc
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object client initialized and ready.")

	ocrClient, err := ocr.NewTextractClient(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the OCR client: %w", err)
	}

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the LLM: %w", err)
	}

	ingCfg := &ingestion_engine.IngestConfig{
		Bucket:           cfg.BucketName,
		ChunkMethod:      cfg.ChunkMethod,
		TargetTokens:     cfg.TargetTokens,
		OverlapTokens:    cfg.OverlapTokens,
		EmbedBatchSize:   cfg.EmbedBatchSize,
		EmbedMaxParallel: cfg.EmbedMaxParallel,
		EmbedDim:         cfg.EmbedDim,
		PollInterval:     cfg.PollInterval,
		PollMaxAttempts:  cfg.PollMaxAttempts,
	}

	extractor := ingestion_engine.NewDocconvExtractor()
	ingestor := ingestion_engine.NewDocumentIngestor(
		dbClient, objClient, embedder, ocrClient, llmProvider, extractor, ingCfg)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	ingestor.Start(workerCtx, cfg.Workers)

	planner := retrieval.NewPlanner(dbClient, embedder, llmProvider, retrieval.PlannerConfig{
		TopK:            cfg.TopK,
		MaxContextChars: cfg.MaxContextChars,
		Keywords: retrieval.KeywordPolicy{
			Comprehensive: cfg.ComprehensiveKeywords,
			Targeted:      cfg.TargetedKeywords,
		},
	})

	userSvc := services.NewUserService(dbClient)
	docSvc := services.NewDocumentService(dbClient, objClient, cfg.BucketName)
	querySvc := services.NewQueryService(dbClient, planner)

	server := NewServer(cfg, userSvc, docSvc, querySvc, ingestor)

	return &App{
		DBClient:      dbClient,
		ObjectClient:  objClient,
		Ingestor:      ingestor,
		Server:        server,
		cancelWorkers: cancelWorkers,
	}, nil
}

func (a *App) Close() {
	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
