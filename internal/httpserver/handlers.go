package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/middleware"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/roi"
)

// ---- Ingest ----

type ingestListenersRequest struct {
	Events []models.ListenerEvent `json:"events"`
}

func (s *Server) handleIngestListens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestListenersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	tenantID := middleware.TenantID(r.Context())
	outcomes, err := s.ingest.IngestListenerEvents(r.Context(), tenantID, req.Events)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"outcomes": outcomes})
}

type ingestAttributionRequest struct {
	Events []models.AttributionEvent `json:"events"`
}

func (s *Server) handleIngestAttribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestAttributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	tenantID := middleware.TenantID(r.Context())
	outcomes, err := s.ingest.IngestAttributionEvents(r.Context(), tenantID, req.Events)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"outcomes": outcomes})
}

// ---- Campaigns ----

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantID(r.Context())

	switch r.Method {
	case http.MethodGet:
		list, err := s.campaigns.List(r.Context(), tenantID)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var c models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		c.TenantID = tenantID
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		now := time.Now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		if err := c.Validate(); err != nil {
			s.serviceError(w, err)
			return
		}
		if err := s.campaigns.Upsert(r.Context(), &c); err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, c)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/campaigns/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	campaignID, sub := rest, ""
	if idx := strings.Index(rest, "/"); idx != -1 {
		campaignID, sub = rest[:idx], rest[idx+1:]
	}

	switch sub {
	case "":
		s.handleCampaignGet(w, r, campaignID)
	case "roi":
		s.handleCampaignROI(w, r, campaignID)
	case "analytics":
		s.handleCampaignAnalytics(w, r, campaignID)
	case "validations":
		s.handleCampaignValidations(w, r, campaignID)
	case "ground-truth":
		s.handleGroundTruth(w, r, campaignID)
	case "recompute":
		s.handleRecompute(w, r, campaignID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.campaigns.Get(r.Context(), middleware.TenantID(r.Context()), campaignID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, c)
}

func (s *Server) handleCampaignROI(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()

	result, err := s.roi.Compute(ctx, middleware.TenantID(ctx), campaignID, from, to)
	if err != nil && !errors.Is(err, roi.ErrUndefined) {
		s.serviceError(w, err)
		return
	}
	// undefined ROI is a valid answer, not a failure
	s.jsonResponse(w, result)
}

func (s *Server) handleCampaignAnalytics(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()

	rows, err := s.rollups.Query(ctx, middleware.TenantID(ctx), campaignID, parseGranularity(r), from, to)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, rows)
}

func (s *Server) handleCampaignValidations(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.validations.List(r.Context(), middleware.TenantID(r.Context()), campaignID, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, list)
}

func (s *Server) handleGroundTruth(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var gt models.GroundTruth
	if err := json.NewDecoder(r.Body).Decode(&gt); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	gt.TenantID = middleware.TenantID(r.Context())
	gt.CampaignID = campaignID
	if gt.From.IsZero() || gt.To.IsZero() || !gt.From.Before(gt.To) {
		s.errorResponse(w, "ground truth window is invalid", http.StatusBadRequest)
		return
	}
	if err := s.validations.SaveGroundTruth(r.Context(), &gt); err != nil {
		s.serviceError(w, err)
		return
	}

	// run the audit right away so the import is immediately visible
	runs, err := s.validator.RunCampaign(r.Context(), gt.TenantID, campaignID)
	if err != nil {
		s.logger.Warn("validation run after ground-truth import failed", zap.Error(err))
	}
	s.jsonResponse(w, map[string]interface{}{"status": "ok", "validation_runs": runs})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	tenantID := middleware.TenantID(r.Context())
	if err := s.attrib.Recompute(r.Context(), tenantID, campaignID, from, to, 4); err != nil {
		s.serviceError(w, err)
		return
	}
	s.aggregate.MarkDirty(tenantID)
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Attribution Models ----

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantID(r.Context())

	switch r.Method {
	case http.MethodGet:
		campaignID := r.URL.Query().Get("campaign_id")
		if campaignID == "" {
			s.errorResponse(w, "campaign_id required", http.StatusBadRequest)
			return
		}
		list, err := s.modelRepo.List(r.Context(), tenantID, campaignID)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var m models.AttributionModel
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		m.TenantID = tenantID
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Params == (models.ModelParams{}) {
			m.Params = models.DefaultParams(m.Type)
		}
		m.Active = true
		m.CreatedAt = time.Now()
		if err := m.Validate(); err != nil {
			s.serviceError(w, err)
			return
		}
		if err := s.modelRepo.Create(r.Context(), &m); err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, m)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	modelID, sub := rest, ""
	if idx := strings.Index(rest, "/"); idx != -1 {
		modelID, sub = rest[:idx], rest[idx+1:]
	}
	tenantID := middleware.TenantID(r.Context())

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, err := s.modelRepo.Get(r.Context(), tenantID, modelID)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, m)

	case "primary":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, err := s.modelRepo.Get(r.Context(), tenantID, modelID)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		if err := s.modelRepo.SetPrimary(r.Context(), tenantID, m.CampaignID, modelID); err != nil {
			s.serviceError(w, err)
			return
		}
		s.aggregate.MarkDirty(tenantID)
		s.jsonResponse(w, map[string]string{"status": "ok"})

	case "activate", "deactivate":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.modelRepo.SetActive(r.Context(), tenantID, modelID, sub == "activate"); err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})

	default:
		http.NotFound(w, r)
	}
}

// ---- Journeys ----

func (s *Server) handleJourneyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	journeyID := strings.TrimPrefix(r.URL.Path, "/v1/journeys/")
	if journeyID == "" {
		http.NotFound(w, r)
		return
	}
	journey, err := s.journeys.GetJourney(r.Context(), middleware.TenantID(r.Context()), journeyID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, journey)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.journeys.ListOrphans(r.Context(), middleware.TenantID(r.Context()), limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, list)
}

// ---- Admin ----

func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := middleware.TenantID(r.Context())
	g := parseGranularity(r)
	updated, err := s.aggregate.Refresh(r.Context(), tenantID, g, time.Now())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"status": "ok", "buckets_updated": updated})
}

type backfillRequest struct {
	CampaignID  string             `json:"campaign_id"`
	Granularity models.Granularity `json:"granularity"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
}

func (s *Server) handleAdminBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" || req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To) {
		s.errorResponse(w, "campaign_id and a valid from/to window are required", http.StatusBadRequest)
		return
	}
	if req.Granularity == "" {
		req.Granularity = models.GranularityDay
	}

	tenantID := middleware.TenantID(r.Context())
	updated, err := s.aggregate.Backfill(r.Context(), tenantID, req.CampaignID, req.Granularity, req.From, req.To)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"status": "ok", "buckets_updated": updated})
}
