// Package poller reads a panel's event log forward from a cursor.
package poller

import (
	"context"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 32
	DefaultMaxPages = 16
)

// Source is the slice of panel.Executor the poller needs.
type Source interface {
	Capabilities(ctx context.Context) (model.Capabilities, error)
	EventLog(ctx context.Context, after uint32, max uint8) ([][]byte, error)
}

type Config struct {
	PanelID  string
	PageSize int
	MaxPages int
	// Limits bounds PageSize so a full page fits in one response frame.
	Limits frame.Limits
}

// Batch is the result of one poll cycle. Records are in strictly increasing
// sequence order and all greater than the cursor the poll started from. Next is
// the cursor to commit once the batch is handled; it also covers skipped records.
type Batch struct {
	Records []model.EventRecord
	Next    uint32
	Skipped int
	// More is set when the page cap stopped the cycle before the log was drained.
	More bool
}

func (b Batch) Empty() bool {
	return len(b.Records) == 0 && b.Skipped == 0
}

type Poller struct {
	src Source
	cfg Config
	log zerolog.Logger
}

func New(src Source, cfg Config) *Poller {
	log := logging.Component("poller", cfg.PanelID)
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if limit := records.MaxEventsPerFrame(cfg.Limits); cfg.PageSize > limit {
		log.Warn().Int("page_size", cfg.PageSize).Int("limit", limit).Msg("page size exceeds frame limit, clamping")
		cfg.PageSize = limit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Poller{src: src, cfg: cfg, log: log}
}

// PageSize is the effective number of records requested per page.
func (p *Poller) PageSize() int {
	return p.cfg.PageSize
}

// Poll requests records strictly after cursor, paging until the panel returns a
// short page or the page cap is hit. When a later page fails the records already
// read are returned together with the error.
func (p *Poller) Poll(ctx context.Context, cursor uint32) (Batch, error) {
	b := Batch{Next: cursor}
	caps, err := p.src.Capabilities(ctx)
	if err != nil {
		return b, err
	}
	for page := 0; page < p.cfg.MaxPages; page++ {
		raw, err := p.src.EventLog(ctx, b.Next, uint8(p.cfg.PageSize))
		if err != nil {
			return b, err
		}
		for _, r := range raw {
			seq, ok := records.EventSeq(r)
			if !ok || seq <= b.Next {
				continue
			}
			e, err := records.DecodeEvent(r, caps, p.cfg.PanelID)
			if err != nil {
				p.log.Warn().Uint32("seq", seq).Err(err).Msg("skipping undecodable event")
				b.Skipped++
				b.Next = seq
				continue
			}
			b.Records = append(b.Records, e)
			b.Next = seq
		}
		if len(raw) < p.cfg.PageSize {
			return b, nil
		}
	}
	b.More = true
	return b, nil
}
