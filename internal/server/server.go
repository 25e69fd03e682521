// Package server exposes the reconciliation engine over HTTP: per-item and
// per-page status, aggregate counts, and the purchase-completed entry point
// the transaction flow posts to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"soldout/internal/domain"
	"soldout/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"ids must be a comma-separated list of integers"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the soldout API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	cfg.Auth.Logger = logger
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Soldout API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerItemStatus(group, cfg.Engine)
	registerPageStatus(group, cfg.Engine)
	registerCounts(group, cfg.Engine)
	registerPurchases(group, cfg.Engine, logger)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerItemStatus(api huma.API, e *engine.Engine) {
	type itemPath struct {
		ItemID int `path:"item_id" minimum:"0"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-item-status",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/status",
		Summary:     "Resolve one item's sale status",
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body domain.StatusRecord `json:"body"`
	}, error) {
		if _, ok := e.Catalog.Get(input.ItemID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found",
				fmt.Sprintf("item %d not in catalog", input.ItemID), nil)
		}
		rec := e.GetStatus(ctx, input.ItemID)
		return &struct {
			Body domain.StatusRecord `json:"body"`
		}{Body: rec}, nil
	})
}

type pageStatusBody struct {
	Items map[string]domain.StatusRecord `json:"items"`
}

func registerPageStatus(api huma.API, e *engine.Engine) {
	type pageQuery struct {
		IDs string `query:"ids" example:"0,1,2" doc:"comma-separated item ids for the visible page"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-page-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Resolve a page of items with one batched chain query",
	}, func(ctx context.Context, input *pageQuery) (*struct {
		Body pageStatusBody `json:"body"`
	}, error) {
		ids, err := parseIDList(input.IDs)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		records := e.GetStatusForPage(ctx, ids)
		body := pageStatusBody{Items: make(map[string]domain.StatusRecord, len(records))}
		for id, rec := range records {
			body.Items[strconv.Itoa(id)] = rec
		}
		return &struct {
			Body pageStatusBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerCounts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-counts",
		Method:      http.MethodGet,
		Path:        "/counts",
		Summary:     "Collection-wide live/sold counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AggregateCounts `json:"body"`
	}, error) {
		counts, err := e.GetAggregateCounts(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable",
				"counts unavailable and refresh failed", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body domain.AggregateCounts `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-counts",
		Method:      http.MethodPost,
		Path:        "/counts/refresh",
		Summary:     "Bypass the cache and recompute counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AggregateCounts `json:"body"`
	}, error) {
		counts, err := e.ForceRefresh(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable",
				"refresh failed", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body domain.AggregateCounts `json:"body"`
		}{Body: counts}, nil
	})
}

type purchaseRequest struct {
	ItemID       int     `json:"item_id" minimum:"0"`
	PaidPriceEth *string `json:"paid_price_eth,omitempty" example:"0.5"`
}

func registerPurchases(api huma.API, e *engine.Engine, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "purchase-completed",
		Method:        http.MethodPost,
		Path:          "/purchases",
		Summary:       "Announce a completed purchase",
		Description:   "The transaction flow calls this the moment a purchase lands; the engine flips the item to sold immediately and reconciles against the chain after the settle delay.",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body purchaseRequest `json:"body"`
	}) (*struct {
		Body domain.StatusRecord `json:"body"`
	}, error) {
		if _, ok := e.Catalog.Get(input.Body.ItemID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found",
				fmt.Sprintf("item %d not in catalog", input.Body.ItemID), nil)
		}
		var paid *decimal.Decimal
		if input.Body.PaidPriceEth != nil {
			d, err := decimal.NewFromString(*input.Body.PaidPriceEth)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					"paid_price_eth is not a decimal", nil)
			}
			paid = &d
		}
		e.OnPurchaseCompleted(input.Body.ItemID, paid)
		logger.Info("purchase announced via API", zap.Int("item_id", input.Body.ItemID))
		rec := e.GetStatus(ctx, input.Body.ItemID)
		return &struct {
			Body domain.StatusRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func parseIDList(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("ids query parameter is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("ids must be a comma-separated list of integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
