// Package archive writes accepted events to object storage as
// snappy-compressed NDJSON and derives totals back from those objects.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/meterflow/internal/clock"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// ErrUnboundedScan rejects totals queries without a closed time range.
var ErrUnboundedScan = errors.New("archive_unbounded_scan")

type Archive struct {
	store  ObjectStore
	prefix string
	clock  clock.Clock
	log    *zap.Logger
}

func New(store ObjectStore, prefix string, clk clock.Clock, log *zap.Logger) *Archive {
	return &Archive{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		clock:  clk,
		log:    log.Named("archive"),
	}
}

func (a *Archive) Name() string { return "archive" }

// Publish writes one object per occurrence date and tenant. Redelivered events
// end up in a second object and are collapsed by ID on read.
func (a *Archive) Publish(ctx context.Context, events []usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	groups := make(map[string][]usagedomain.UsageEvent)
	for _, ev := range events {
		dir := a.partition(ev.TenantID, ev.OccurredAt)
		groups[dir] = append(groups[dir], ev)
	}

	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		body, err := encode(groups[dir])
		if err != nil {
			return err
		}
		key := dir + ulid.MustNew(ulid.Timestamp(a.clock.Now()), ulid.DefaultEntropy()).String() + ".ndjson.sz"
		if err := a.store.Put(ctx, key, body); err != nil {
			return err
		}
		a.log.Debug("archived events", zap.String("key", key), zap.Int("count", len(groups[dir])))
	}
	return nil
}

// Totals reads every object that can hold events occurring in [Start, End).
func (a *Archive) Totals(ctx context.Context, q usagedomain.TotalsQuery) ([]usagedomain.Total, error) {
	prefixes, err := a.scanPrefixes(ctx, q)
	if err != nil {
		return nil, err
	}

	seen := make(map[snowflake.ID]struct{})
	totals := make(map[[2]string]*usagedomain.Total)
	for _, prefix := range prefixes {
		keys, err := a.store.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			body, err := a.store.Get(ctx, key)
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			events, err := decode(body)
			if err != nil {
				a.log.Warn("skipping unreadable archive object", zap.String("key", key), zap.Error(err))
				continue
			}
			for _, ev := range events {
				if !matches(ev, q) {
					continue
				}
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				k := [2]string{ev.TenantID, ev.EventType}
				t, ok := totals[k]
				if !ok {
					t = &usagedomain.Total{TenantID: ev.TenantID, EventType: ev.EventType}
					totals[k] = t
				}
				t.Count++
				t.Quantity += ev.Quantity
			}
		}
	}

	out := make([]usagedomain.Total, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].EventType < out[j].EventType
	})
	return out, nil
}

func (a *Archive) partition(tenantID string, occurredAt time.Time) string {
	return a.dayPrefix(occurredAt) + "tenant=" + slug.Make(tenantID) + "/"
}

func (a *Archive) dayPrefix(day time.Time) string {
	root := ""
	if a.prefix != "" {
		root = a.prefix + "/"
	}
	return root + "date=" + day.UTC().Format(dateLayout) + "/"
}

// scanPrefixes lists one prefix per day touched by the query, narrowed to the
// tenant when one is given. Open ranges are refused so a reconciliation never
// lists the whole bucket.
func (a *Archive) scanPrefixes(ctx context.Context, q usagedomain.TotalsQuery) ([]string, error) {
	if q.Start.IsZero() || q.End.IsZero() || !q.End.After(q.Start) {
		return nil, ErrUnboundedScan
	}
	tenantID := strings.TrimSpace(q.TenantID)
	var prefixes []string
	day := q.Start.UTC().Truncate(24 * time.Hour)
	for day.Before(q.End) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tenantID == "" {
			prefixes = append(prefixes, a.dayPrefix(day))
		} else {
			prefixes = append(prefixes, a.partition(tenantID, day))
		}
		day = day.Add(24 * time.Hour)
	}
	return prefixes, nil
}

func matches(ev usagedomain.UsageEvent, q usagedomain.TotalsQuery) bool {
	if q.TenantID != "" && ev.TenantID != q.TenantID {
		return false
	}
	if q.EventType != "" && ev.EventType != q.EventType {
		return false
	}
	if !q.Start.IsZero() && ev.OccurredAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !ev.OccurredAt.Before(q.End) {
		return false
	}
	return true
}

func encode(events []usagedomain.UsageEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(body []byte) ([]usagedomain.UsageEvent, error) {
	dec := json.NewDecoder(snappy.NewReader(bytes.NewReader(body)))
	var events []usagedomain.UsageEvent
	for {
		var ev usagedomain.UsageEvent
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
}
