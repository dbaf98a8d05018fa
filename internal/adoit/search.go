package adoit

import (
	"context"
	"log/slog"

	adoerrors "github.com/hasko/adocheck/internal/errors"
)

// SearchResult is the outcome of SearchAll.
type SearchResult struct {
	Items     []Entity
	HitsTotal int
	// SkippedPages counts windows dropped after a transport error.
	SkippedPages int
}

// Complete reports whether every page was retrieved.
func (r *SearchResult) Complete() bool {
	return r.SkippedPages == 0
}

// SearchAll pages through every hit for filters. The first page decides
// hitsTotal; a later page that fails with a transport error is logged,
// skipped and counted in SkippedPages so one bad window does not lose the
// rest of the result. Any other error is returned.
func SearchAll(ctx context.Context, port FetchPort, filters []Filter, pageSize int, logger *slog.Logger) (*SearchResult, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	first, err := port.Search(ctx, filters, 0, pageSize)
	if err != nil {
		return nil, err
	}
	res := &SearchResult{
		Items:     append([]Entity(nil), first.Items...),
		HitsTotal: first.HitsTotal,
	}
	total := first.HitsTotal
	if total <= len(first.Items) {
		return res, nil
	}

	for start := pageSize; start < total; start += pageSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+pageSize, total)
		page, err := port.Search(ctx, filters, start, end)
		if err != nil {
			if adoerrors.Is(err, adoerrors.TransportError) {
				logger.Warn("Search page failed, continuing",
					"rangeStart", start,
					"rangeEnd", end,
					"error", err,
				)
				res.SkippedPages++
				continue
			}
			return res, err
		}
		res.Items = append(res.Items, page.Items...)
		logger.Debug("Retrieved search page",
			"rangeStart", start,
			"rangeEnd", end,
			"retrieved", len(res.Items),
			"hitsTotal", total,
		)
	}
	return res, nil
}
