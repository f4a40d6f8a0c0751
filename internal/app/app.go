package app

import (
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/handlers"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/services/analysis"
	"github.com/ternarybob/conexus/internal/services/artifacts"
	"github.com/ternarybob/conexus/internal/services/capture"
	"github.com/ternarybob/conexus/internal/services/correlation"
	"github.com/ternarybob/conexus/internal/services/extractor"
	"github.com/ternarybob/conexus/internal/services/logparser"
	"github.com/ternarybob/conexus/internal/services/redaction"
	"github.com/ternarybob/conexus/internal/services/tracker"
	"github.com/ternarybob/conexus/internal/services/unified"
	"github.com/ternarybob/conexus/internal/storage/badger"
	"github.com/ternarybob/conexus/internal/worker"
)

// Worker pool sizing. Analyses are platform-bound, so a small fixed
// pool keeps concurrent org traffic predictable.
const (
	analysisWorkers    = 4
	analysisQueueDepth = 16
)

// App holds the wired application: storage, the platform connection,
// the analysis services, and the HTTP handlers over them.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	StorageManager interfaces.StorageManager

	// Platform connection. Nil when no credentials were provided; the
	// server then only serves stored artifacts.
	Pool   *salesforce.Pool
	Client interfaces.SalesforceClient

	// Services
	RedactionService   interfaces.RedactionService
	ParserService      interfaces.LogParser
	ExtractorService   interfaces.ExtractorService
	ArtifactService    interfaces.ArtifactService
	UnifiedService     interfaces.UnifiedViewService
	CaptureService     *capture.Service
	TrackerService     interfaces.TrackerService
	CorrelationService interfaces.CorrelationService
	AnalysisService    interfaces.AnalysisService

	// WorkerPool executes queued analyses. Nil without a platform
	// connection.
	WorkerPool *worker.Pool

	// Handlers
	AnalysisHandler *handlers.AnalysisHandler
	ArtifactHandler *handlers.ArtifactHandler
	APIHandler      *handlers.APIHandler
}

// New creates and initializes the application.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: config,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.initPlatform()
	app.initServices()
	app.initHandlers()

	if app.WorkerPool != nil {
		app.WorkerPool.Start()
	}

	logger.Info().Msg("Application initialized successfully")
	return app, nil
}

func (a *App) initStorage() error {
	manager, err := badger.NewManager(a.Logger, &a.Config.Storage)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

// initPlatform builds the org connection from environment credentials.
// The OAuth flows themselves run outside this process; the pool only
// consumes their tokens, here via the manual-token method.
func (a *App) initPlatform() {
	instanceURL := os.Getenv("CONEXUS_SF_INSTANCE_URL")
	accessToken := os.Getenv("CONEXUS_SF_ACCESS_TOKEN")
	if instanceURL == "" || accessToken == "" {
		a.Logger.Warn().
			Msg("CONEXUS_SF_INSTANCE_URL / CONEXUS_SF_ACCESS_TOKEN not set; analysis endpoints disabled")
		return
	}

	template := salesforce.ClientOptions{
		APIVersion:     a.Config.Salesforce.APIVersion,
		RequestTimeout: a.Config.Salesforce.RequestTimeout,
		RequestsPerSec: a.Config.Salesforce.RequestsPerSec,
	}
	tokenBuffer := time.Duration(a.Config.Salesforce.TokenBufferMins) * time.Minute
	a.Pool = salesforce.NewPool(template, tokenBuffer, a.Config.Salesforce.MaxIdleConns, a.Logger)

	a.Client = a.Pool.Acquire(salesforce.Credentials{
		InstanceURL: instanceURL,
		OrgID:       os.Getenv("CONEXUS_SF_ORG_ID"),
		UserID:      os.Getenv("CONEXUS_SF_USER_ID"),
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	})

	a.Logger.Info().
		Str("instance_url", instanceURL).
		Str("api_version", a.Config.Salesforce.APIVersion).
		Msg("Platform connection ready")
}

func (a *App) initServices() {
	cfg := a.Config

	// Platform-independent services serve stored artifacts and offline
	// parsing regardless of credentials.
	a.RedactionService = redaction.NewService(cfg.Redaction, a.Logger)
	a.ParserService = logparser.NewService(a.Logger)
	a.ExtractorService = extractor.NewService(a.Logger)
	a.ArtifactService = artifacts.NewService(a.Logger)
	a.UnifiedService = unified.NewService(a.ExtractorService, cfg.Correlation, a.Logger)

	if a.Client == nil {
		return
	}

	var cache interfaces.LogCache
	if cfg.Storage.CacheLogBodies {
		cache = a.StorageManager.LogCache()
	}

	a.CaptureService = capture.NewService(a.Client, cache, cfg.Capture, a.Logger)
	a.TrackerService = tracker.NewService(a.Client, cfg.Salesforce.MaxParallelCalls, a.Logger)
	a.CorrelationService = correlation.NewService(a.CaptureService, a.TrackerService, cfg.Correlation, a.Logger)
	a.AnalysisService = analysis.NewService(
		a.CaptureService,
		a.ParserService,
		a.ExtractorService,
		a.CorrelationService,
		a.UnifiedService,
		a.RedactionService,
		a.StorageManager,
		cfg,
		a.Logger,
	)
	a.WorkerPool = worker.NewPool(a.AnalysisService, a.Logger, analysisWorkers, analysisQueueDepth)
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.ArtifactHandler = handlers.NewArtifactHandler(a.StorageManager.Artifacts(), a.Logger)
	a.AnalysisHandler = handlers.NewAnalysisHandler(a.WorkerPool, a.Logger)
}

// Close shuts the application down in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}
	if a.CaptureService != nil {
		a.CaptureService.Stop()
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
