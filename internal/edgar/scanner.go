// Package edgar polls the SEC submissions API for fresh 8-K and Form 4
// filings across the scanned universe and feeds them into the pipeline as
// filing events. The SEC asks for a descriptive User-Agent and modest
// request rates; one pass per poll interval over a dozen CIKs stays well
// inside that.
package edgar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/mixer"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	tickerMapURL   = "https://www.sec.gov/files/company_tickers.json"
	submissionsURL = "https://data.sec.gov/submissions/CIK%s.json"

	// dedupTTL keeps an accession number marked long enough to survive a
	// weekend of restarts.
	dedupTTL = 72 * time.Hour
)

// Filing is one detected fresh filing.
type Filing struct {
	Ticker    string    `json:"ticker"`
	FormType  string    `json:"form_type"`
	Items     []string  `json:"items"`
	Accession string    `json:"accession"`
	Summary   string    `json:"summary"`
	URL       string    `json:"url"`
	FiledAt   time.Time `json:"filed_at"`
}

// Sink receives detected filings; the engine implements it.
type Sink interface {
	OnFiling(ctx context.Context, symbol string, filing mixer.Filing, text string)
}

// tickerEntry is one row of the SEC company_tickers.json map.
type tickerEntry struct {
	CIK    int    `json:"cik_str"`
	Ticker string `json:"ticker"`
}

// submissions is the slice of the SEC submissions payload the scanner
// reads. The recent block is column-oriented: parallel arrays indexed by
// filing.
type submissions struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			AccessionNumber []string `json:"accessionNumber"`
			PrimaryDocument []string `json:"primaryDocument"`
			Items           []string `json:"items"` // comma-separated per filing
		} `json:"recent"`
	} `json:"filings"`
}

// Scanner polls EDGAR for the configured symbols.
type Scanner struct {
	cfg    config.EdgarConfig
	client *resty.Client
	store  *coord.Store
	sink   Sink
	bus    *events.EventBus
	clock  marketclock.Clock
	logger zerolog.Logger

	symbols []string
	forms   map[string]bool

	mu     sync.Mutex
	cikMap map[string]string // ticker -> zero-padded CIK
}

// New builds a Scanner over the given symbols.
func New(cfg config.EdgarConfig, symbols []string, store *coord.Store, sink Sink, bus *events.EventBus, clock marketclock.Clock, logger zerolog.Logger) *Scanner {
	forms := make(map[string]bool, len(cfg.Forms))
	for _, f := range cfg.Forms {
		forms[f] = true
	}
	if len(forms) == 0 {
		forms["8-K"] = true
		forms["4"] = true
	}

	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)

	return &Scanner{
		cfg:     cfg,
		client:  client,
		store:   store,
		sink:    sink,
		bus:     bus,
		clock:   clock,
		logger:  logger.With().Str("component", "edgar").Logger(),
		symbols: symbols,
		forms:   forms,
		cikMap:  make(map[string]string),
	}
}

// Run polls until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("EDGAR scanner disabled")
		return nil
	}

	interval := time.Duration(s.cfg.PollSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Int("symbols", len(s.symbols)).Dur("interval", interval).Msg("EDGAR scanner started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			filings, err := s.Scan(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("EDGAR scan failed")
				continue
			}
			for _, f := range filings {
				s.deliver(ctx, f)
			}
		}
	}
}

// Scan fetches recent submissions for every mapped symbol and returns
// fresh, not-yet-seen filings of the watched form types.
func (s *Scanner) Scan(ctx context.Context) ([]Filing, error) {
	if err := s.ensureCIKMap(ctx); err != nil {
		return nil, fmt.Errorf("cik map: %w", err)
	}

	var out []Filing
	for _, symbol := range s.symbols {
		s.mu.Lock()
		cik, ok := s.cikMap[symbol]
		s.mu.Unlock()
		if !ok {
			continue
		}

		subs, err := s.fetchSubmissions(ctx, cik)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("Submissions fetch failed")
			continue
		}
		out = append(out, s.extract(ctx, symbol, cik, subs)...)
	}
	return out, nil
}

func (s *Scanner) ensureCIKMap(ctx context.Context) error {
	s.mu.Lock()
	loaded := len(s.cikMap) > 0
	s.mu.Unlock()
	if loaded {
		return nil
	}

	var entries map[string]tickerEntry
	resp, err := s.client.R().SetContext(ctx).SetResult(&entries).Get(tickerMapURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ticker map: status %d", resp.StatusCode())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Ticker != "" {
			s.cikMap[strings.ToUpper(e.Ticker)] = fmt.Sprintf("%010d", e.CIK)
		}
	}
	s.logger.Debug().Int("tickers", len(s.cikMap)).Msg("CIK map loaded")
	return nil
}

func (s *Scanner) fetchSubmissions(ctx context.Context, cik string) (*submissions, error) {
	var subs submissions
	resp, err := s.client.R().SetContext(ctx).SetResult(&subs).
		Get(fmt.Sprintf(submissionsURL, cik))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	return &subs, nil
}

// extract walks the column-oriented recent block, keeping watched forms
// filed today or yesterday that have not been seen before.
func (s *Scanner) extract(ctx context.Context, symbol, cik string, subs *submissions) []Filing {
	recent := subs.Filings.Recent
	now := s.clock.Now()
	var out []Filing

	for i, form := range recent.Form {
		if !s.forms[form] {
			continue
		}

		filedAt, err := time.Parse("2006-01-02", at(recent.FilingDate, i))
		if err != nil || now.Sub(filedAt) > 48*time.Hour {
			continue
		}

		accession := at(recent.AccessionNumber, i)
		if accession == "" {
			continue
		}
		first, err := s.store.MarkEventSeen(ctx, "edgar:"+accession, dedupTTL)
		if err != nil || !first {
			continue
		}

		var items []string
		if form == "8-K" {
			for _, it := range strings.Split(at(recent.Items, i), ",") {
				if it = strings.TrimSpace(it); it != "" {
					items = append(items, it)
				}
			}
		}

		summary := strings.TrimSpace(fmt.Sprintf("%s %s filed %s %s",
			symbol, form, at(recent.FilingDate, i), at(recent.PrimaryDocument, i)))

		out = append(out, Filing{
			Ticker:    symbol,
			FormType:  form,
			Items:     items,
			Accession: accession,
			Summary:   summary,
			URL:       filingURL(cik, accession),
			FiledAt:   filedAt,
		})
	}
	return out
}

func (s *Scanner) deliver(ctx context.Context, f Filing) {
	s.logger.Info().Str("symbol", f.Ticker).Str("form", f.FormType).
		Strs("items", f.Items).Msg("Fresh filing detected")

	if s.bus != nil {
		s.bus.PublishFiling(f.Ticker, f.FormType, f.Accession, f.FiledAt)
	}
	if s.sink != nil {
		s.sink.OnFiling(ctx, f.Ticker, mixer.Filing{FormType: f.FormType, Items: f.Items}, f.Summary)
	}
}

func filingURL(cik, accession string) string {
	return fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/%s-index.html",
		strings.TrimLeft(cik, "0"), strings.ReplaceAll(accession, "-", ""), accession)
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}
