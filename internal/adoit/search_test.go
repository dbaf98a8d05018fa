package adoit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/slogutil"
)

// pagedPort serves a fixed hit list and can fail chosen windows.
type pagedPort struct {
	total   int
	failAt  map[int]error
	windows [][2]int
}

func (p *pagedPort) Search(_ context.Context, _ []Filter, start, end int) (*SearchPage, error) {
	p.windows = append(p.windows, [2]int{start, end})
	if err, ok := p.failAt[start]; ok {
		return nil, err
	}
	page := &SearchPage{HitsTotal: p.total}
	for i := start; i < end && i < p.total; i++ {
		page.Items = append(page.Items, Entity{ID: fmt.Sprintf("e%d", i)})
	}
	return page, nil
}

func (p *pagedPort) FetchEntity(context.Context, string) (*Entity, error) { return nil, nil }
func (p *pagedPort) FetchEntityModifiedAt(context.Context, string) (*time.Time, error) {
	return nil, nil
}
func (p *pagedPort) FetchRelationships(context.Context, string) ([]Relationship, error) {
	return nil, nil
}

func TestSearchAll_Paginates(t *testing.T) {
	port := &pagedPort{total: 25}

	res, err := SearchAll(context.Background(), port, nil, 10, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	assert.Len(t, res.Items, 25)
	assert.Equal(t, 25, res.HitsTotal)
	assert.True(t, res.Complete())
	assert.Equal(t, [][2]int{{0, 10}, {10, 20}, {20, 25}}, port.windows)
}

func TestSearchAll_SinglePage(t *testing.T) {
	port := &pagedPort{total: 3}

	res, err := SearchAll(context.Background(), port, nil, 10, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.True(t, res.Complete())
	assert.Len(t, port.windows, 1)
}

func TestSearchAll_SkipsFailedPage(t *testing.T) {
	port := &pagedPort{
		total:  30,
		failAt: map[int]error{10: adoerrors.New(adoerrors.TransportError, "boom")},
	}

	res, err := SearchAll(context.Background(), port, nil, 10, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	assert.Len(t, res.Items, 20)
	assert.Equal(t, 1, res.SkippedPages)
	assert.False(t, res.Complete())
}

func TestSearchAll_AuthErrorAborts(t *testing.T) {
	port := &pagedPort{
		total:  30,
		failAt: map[int]error{10: adoerrors.New(adoerrors.AuthFailed, "denied")},
	}

	res, err := SearchAll(context.Background(), port, nil, 10, slogutil.NewDiscardLogger())
	require.Error(t, err)
	assert.Equal(t, adoerrors.AuthFailed, adoerrors.CodeOf(err))
	require.NotNil(t, res)
	assert.Len(t, res.Items, 10)
}
