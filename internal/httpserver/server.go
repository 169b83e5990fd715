// Package httpserver wires the engine services together and exposes them
// over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/aggregate"
	"github.com/castsignal/attribution-engine/internal/attribution"
	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/config"
	"github.com/castsignal/attribution-engine/internal/database"
	"github.com/castsignal/attribution-engine/internal/identity"
	"github.com/castsignal/attribution-engine/internal/ingest"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/roi"
	"github.com/castsignal/attribution-engine/internal/storage"
	"github.com/castsignal/attribution-engine/internal/validator"
)

// Dependencies holds all external dependencies for the server. Nil database
// handles select the in-memory implementations.
type Dependencies struct {
	DB         *database.PostgresDB
	ClickHouse *database.ClickHouseDB
	Redis      *database.RedisDB
	Bus        bus.Client
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps HTTP handlers and the engine services.
type Server struct {
	ingest    *ingest.Service
	resolver  *identity.Resolver
	attrib    *attribution.Engine
	aggregate *aggregate.Engine
	roi       *roi.Calculator
	validator *validator.Validator

	journeys    storage.JourneyStore
	rollups     storage.RollupStore
	modelRepo   storage.ModelRepo
	campaigns   storage.CampaignRepo
	validations storage.ValidationStore

	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// NewServer constructs the service graph and registers all routes.
func NewServer(deps *Dependencies) *Server {
	// Storage selection: derived state in Postgres, raw streams in
	// ClickHouse, everything in memory when the backends are absent.
	var (
		journeyStore storage.JourneyStore
		pathStore    storage.PathStore
		rollupStore  storage.RollupStore
		modelRepo    storage.ModelRepo
		campaignRepo storage.CampaignRepo
		validations  storage.ValidationStore
	)
	if deps.DB != nil {
		journeyStore = storage.NewPostgresJourneyStore(deps.DB.Pool)
		pathStore = storage.NewPostgresPathStore(deps.DB.Pool)
		rollupStore = storage.NewPostgresRollupStore(deps.DB.Pool)
		modelRepo = storage.NewPostgresModelRepo(deps.DB.Pool)
		campaignRepo = storage.NewPostgresCampaignRepo(deps.DB.Pool)
		validations = storage.NewPostgresValidationStore(deps.DB.Pool)
	} else {
		journeyStore = storage.NewMemoryJourneyStore()
		pathStore = storage.NewMemoryPathStore()
		rollupStore = storage.NewMemoryRollupStore()
		modelRepo = storage.NewMemoryModelRepo()
		campaignRepo = storage.NewMemoryCampaignRepo()
		validations = storage.NewMemoryValidationStore()
	}

	var eventStore storage.EventStore
	if deps.ClickHouse != nil {
		var deduper storage.Deduper
		if deps.Redis != nil {
			deduper = storage.NewRedisDeduper(deps.Redis.Client, deps.Config.Ingest.Retention)
		} else {
			deduper = storage.NewMemoryDeduper()
		}
		chStore := storage.NewClickHouseEventStore(deps.ClickHouse.Conn, deduper, deps.Logger)
		if err := chStore.InitSchema(context.Background()); err != nil {
			deps.Logger.Error("failed to initialize event tables", zap.Error(err))
		}
		eventStore = chStore
	} else {
		eventStore = storage.NewMemoryEventStore()
	}

	var throttle ingest.Throttle
	if deps.Redis != nil {
		throttle = ingest.NewRedisThrottle(deps.Redis.Client, deps.Config.Ingest.TenantRPS, deps.Config.Ingest.TenantBurst)
	} else {
		throttle = ingest.NewMemoryThrottle(deps.Config.Ingest.TenantRPS, deps.Config.Ingest.TenantBurst)
	}

	var geo identity.GeoProvider = identity.NoopGeo{}
	if deps.Config.Geo.Enabled {
		provider, err := identity.NewMaxMindGeo(deps.Config.Geo.DatabasePath)
		if err != nil {
			deps.Logger.Warn("failed to open geo database, fingerprints lose the location signal", zap.Error(err))
		} else {
			geo = provider
		}
	}

	fingerprinter := identity.NewFingerprinter(geo)
	resolver := identity.NewResolver(
		journeyStore,
		fingerprinter,
		deps.Config.Identity.ConfidenceThreshold,
		deps.Config.Identity.LockStripes,
		deps.Bus,
		deps.Metrics,
		deps.Logger,
	)

	ingestSvc := ingest.NewService(eventStore, throttle, deps.Bus, deps.Metrics, deps.Logger)
	attribEngine := attribution.NewEngine(pathStore, journeyStore, modelRepo, deps.Metrics, deps.Logger)
	aggEngine := aggregate.NewEngine(
		rollupStore, pathStore, eventStore, campaignRepo, modelRepo,
		deps.Config.Aggregate.Lookback, deps.Metrics, deps.Logger,
	)
	roiCalc := roi.NewCalculator(pathStore, campaignRepo, modelRepo)
	val := validator.NewValidator(validations, pathStore, modelRepo, campaignRepo, deps.Metrics, deps.Logger)

	s := &Server{
		ingest:      ingestSvc,
		resolver:    resolver,
		attrib:      attribEngine,
		aggregate:   aggEngine,
		roi:         roiCalc,
		validator:   val,
		journeys:    journeyStore,
		rollups:     rollupStore,
		modelRepo:   modelRepo,
		campaigns:   campaignRepo,
		validations: validations,
		logger:      deps.Logger,
		config:      deps.Config,
		metrics:     deps.Metrics,
	}
	s.subscribe(deps.Bus, journeyStore)

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Ingest
	mux.HandleFunc("/v1/events/listens", s.handleIngestListens)
	mux.HandleFunc("/v1/events/attribution", s.handleIngestAttribution)

	// Campaigns and per-campaign reads
	mux.HandleFunc("/v1/campaigns", s.handleCampaigns)
	mux.HandleFunc("/v1/campaigns/", s.handleCampaignByID)

	// Attribution models
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/models/", s.handleModelByID)

	// Journeys and orphans
	mux.HandleFunc("/v1/journeys/", s.handleJourneyByID)
	mux.HandleFunc("/v1/orphans", s.handleOrphans)

	// Admin
	mux.HandleFunc("/v1/admin/refresh", s.handleAdminRefresh)
	mux.HandleFunc("/v1/admin/backfill", s.handleAdminBackfill)

	s.mux = mux
	return s
}

// subscribe wires the pipeline: accepted attribution events feed the
// resolver; journey updates trigger path recomputation and flag the tenant
// for the next rollup refresh.
func (s *Server) subscribe(b bus.Client, journeys storage.JourneyStore) {
	_, err := b.QueueSubscribe(bus.SubjectAttributionAccepted, bus.QueueResolvers,
		func(ctx context.Context, _ string, data []byte) error {
			var event models.AttributionEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return err
			}
			_, err := s.resolver.Resolve(ctx, &event)
			if errors.Is(err, identity.ErrAmbiguousMatch) {
				return nil
			}
			return err
		})
	if err != nil {
		s.logger.Error("failed to subscribe resolver", zap.Error(err))
	}

	_, err = b.QueueSubscribe(bus.SubjectJourneyUpdated, bus.QueueAttributors,
		func(ctx context.Context, _ string, data []byte) error {
			var update identity.JourneyUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				return err
			}
			journey, err := journeys.GetJourney(ctx, update.TenantID, update.JourneyID)
			if err != nil {
				return err
			}
			if err := s.attrib.ComputeJourney(ctx, journey); err != nil {
				return err
			}
			s.aggregate.MarkDirty(update.TenantID)
			return nil
		})
	if err != nil {
		s.logger.Error("failed to subscribe attributor", zap.Error(err))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Ingest exposes the ingest service for schedulers.
func (s *Server) Ingest() *ingest.Service { return s.ingest }

// Aggregator exposes the aggregation engine for schedulers.
func (s *Server) Aggregator() *aggregate.Engine { return s.aggregate }

// Validator exposes the validator for schedulers.
func (s *Server) Validator() *validator.Validator { return s.validator }

// Campaigns exposes the campaign repo for schedulers.
func (s *Server) Campaigns() storage.CampaignRepo { return s.campaigns }

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// serviceError maps the domain error taxonomy onto status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrDuplicate):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ingest.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, roi.ErrUndefined):
		s.errorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, "query timed out", http.StatusGatewayTimeout)
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

// queryContext bounds read queries by the configured timeout.
func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.Query.Timeout)
}

// parseWindow reads from/to query parameters, defaulting to the last 30
// days.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from timestamp, want RFC3339")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to timestamp, want RFC3339")
		}
		to = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must precede to")
	}
	return from, to, nil
}

func parseGranularity(r *http.Request) models.Granularity {
	if r.URL.Query().Get("granularity") == string(models.GranularityHour) {
		return models.GranularityHour
	}
	return models.GranularityDay
}
