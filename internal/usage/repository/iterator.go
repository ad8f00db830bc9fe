package repository

import (
	"context"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"gorm.io/gorm"
)

// rangeIterator pages through [Start, End) by keyset on (occurred_at, id).
// Each page is an independent query, so a scan interrupted at any point can be
// restarted from Cursor() without holding a transaction open.
type rangeIterator struct {
	db     *gorm.DB
	q      usagedomain.RangeQuery
	cursor usagedomain.Cursor

	page []usagedomain.UsageEvent
	pos  int
	done bool
	err  error
}

func (it *rangeIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos+1 < len(it.page) {
		it.pos++
		it.cursor = cursorOf(it.page[it.pos])
		return true
	}
	if it.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}

	stmt := it.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", it.q.TenantID, it.q.EventType).
		Where("occurred_at >= ? AND occurred_at < ?", it.q.Start, it.q.End)
	if !it.cursor.IsZero() {
		stmt = afterCursor(stmt, it.cursor)
	}

	var page []usagedomain.UsageEvent
	if err := stmt.Order("occurred_at ASC, id ASC").Limit(it.q.PageSize).Find(&page).Error; err != nil {
		it.err = err
		return false
	}
	if len(page) < it.q.PageSize {
		it.done = true
	}
	it.page = page
	it.pos = 0
	if len(page) == 0 {
		return false
	}
	it.cursor = cursorOf(page[0])
	return true
}

func (it *rangeIterator) Event() usagedomain.UsageEvent {
	if it.pos < len(it.page) {
		return it.page[it.pos]
	}
	return usagedomain.UsageEvent{}
}

// Cursor is the position of the last event returned by Next.
func (it *rangeIterator) Cursor() usagedomain.Cursor { return it.cursor }

func (it *rangeIterator) Err() error { return it.err }

func cursorOf(e usagedomain.UsageEvent) usagedomain.Cursor {
	return usagedomain.Cursor{OccurredAt: e.OccurredAt, ID: e.ID}
}
