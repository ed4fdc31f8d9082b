// Package discovery implements the concrete MarketDiscovery collaborator:
// it polls the Gamma-style market-listing API for each configured asset and
// emits a rotation event whenever the live contract window for that asset
// changes, a few seconds before the previous window expires.
//
// This is the market maker's Scanner, narrowed from "rank every market by
// opportunity score" down to "track the one currently-live window per
// asset" — the polling and non-blocking-replace-channel idiom carry over
// unchanged; each poll fetches a single page of results.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"latencyarb/internal/config"
	"latencyarb/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API, trimmed to the
// fields a window-rotation decision needs.
type gammaMarket struct {
	Slug            string `json:"slug"`
	Question        string `json:"question"`
	Active          bool   `json:"active"`
	Closed          bool   `json:"closed"`
	AcceptingOrders bool   `json:"acceptingOrders"`
	EnableOrderBook bool   `json:"enableOrderBook"`
	EndDate         string `json:"endDate"`
	ClobTokenIds    string `json:"clobTokenIds"`
}

// Discovery polls Gamma for the currently-live contract window of each
// configured asset and emits RotationEvents on change.
type Discovery struct {
	httpClient *resty.Client
	cfg        config.DiscoveryConfig
	assets     []config.AssetConfig
	logger     *slog.Logger

	eventCh chan types.RotationEvent
	current map[string]time.Time // asset symbol -> endDate of the window last emitted
}

// New creates a Discovery poller.
func New(cfg config.Config, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		httpClient: client,
		cfg:        cfg.Discovery,
		assets:     cfg.Assets,
		logger:     logger.With("component", "discovery"),
		eventCh:    make(chan types.RotationEvent, 8),
		current:    make(map[string]time.Time),
	}
}

// Events returns the channel the router reads rotation events from.
func (d *Discovery) Events() <-chan types.RotationEvent {
	return d.eventCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	d.pollAll(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollAll(ctx)
		}
	}
}

func (d *Discovery) pollAll(ctx context.Context) {
	for _, asset := range d.assets {
		d.pollAsset(ctx, asset)
	}
}

func (d *Discovery) pollAsset(ctx context.Context, asset config.AssetConfig) {
	prevEnd, tracked := d.current[asset.Symbol]

	// Nothing to do until the tracked window is within its rotation lead
	// time of expiring (or we've never tracked one at all).
	if tracked && time.Until(prevEnd) > d.cfg.RotationLeadTime {
		return
	}

	markets, err := d.fetchMarkets(ctx, asset)
	if err != nil {
		d.logger.Error("poll failed", "asset", asset.Symbol, "error", err)
		return
	}

	live := d.selectLiveWindow(markets, prevEnd, tracked)
	if live == nil {
		return
	}

	endDate, err := time.Parse(time.RFC3339, live.EndDate)
	if err != nil {
		d.logger.Error("unparseable end date", "asset", asset.Symbol, "end_date", live.EndDate)
		return
	}

	tokenIDYes, tokenIDNo, ok := parseTokenIDs(live.ClobTokenIds)
	if !ok {
		return
	}

	label := fmt.Sprintf("%s:%s:%s", asset.Symbol, asset.WindowLabel, live.Slug)
	event := types.RotationEvent{
		Asset:      asset.Symbol,
		Window:     asset.WindowLabel,
		TokenIDYes: tokenIDYes,
		TokenIDNo:  tokenIDNo,
		EndDate:    endDate,
		Label:      label,
	}

	d.current[asset.Symbol] = endDate
	d.logger.Info("rotation", "asset", asset.Symbol, "label", label, "end_date", endDate)

	select {
	case d.eventCh <- event:
	default:
		d.logger.Warn("rotation channel full, dropping oldest", "asset", asset.Symbol)
		select {
		case <-d.eventCh:
		default:
		}
		d.eventCh <- event
	}
}

// selectLiveWindow picks the soonest-expiring tradeable market matching this
// asset. When a window is already tracked, candidates must end strictly
// after it — we're looking for the next window to rotate onto, not the one
// already bound.
func (d *Discovery) selectLiveWindow(markets []gammaMarket, prevEnd time.Time, tracked bool) *gammaMarket {
	var candidates []gammaMarket
	now := time.Now()
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook || m.ClobTokenIds == "" {
			continue
		}
		endDate, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil || !endDate.After(now) {
			continue
		}
		if tracked && !endDate.After(prevEnd) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EndDate < candidates[j].EndDate
	})
	return &candidates[0]
}

func (d *Discovery) fetchMarkets(ctx context.Context, asset config.AssetConfig) ([]gammaMarket, error) {
	var page []gammaMarket
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active":       "true",
			"closed":       "false",
			"limit":        "50",
			"order":        "endDate",
			"ascending":    "true",
			"search_terms": strings.ToLower(asset.Symbol) + " " + asset.WindowLabel,
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets for %s: %w", asset.Symbol, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets for %s: status %d", asset.Symbol, resp.StatusCode())
	}
	return page, nil
}

// parseTokenIDs decodes the JSON-array-as-string clobTokenIds field into
// the [yes, no] token id pair.
func parseTokenIDs(raw string) (yes, no string, ok bool) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || len(ids) < 2 {
		return "", "", false
	}
	return ids[0], ids[1], true
}
