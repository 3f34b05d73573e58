package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/topic"
	"github.com/monstermq/core/pkg/er"
)

func archiveTableName(group string) string {
	return "archive_" + sanitizeIdent(group)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// MessageArchive implements store.MessageArchive against sqlite (spec
// §4.D), one table per archive group. sqlite has no hypertable/partition
// extension to detect, so the "time-partitioned upgrade" hook (spec §6.2)
// is a no-op here; document-backend implementations in internal/store/docstore
// take a different route entirely.
type MessageArchive struct {
	conn  *Conn
	group string
	table string
}

func NewMessageArchive(ctx context.Context, conn *Conn, group string) (*MessageArchive, error) {
	a := &MessageArchive{conn: conn, group: group, table: archiveTableName(group)}
	if err := a.CreateTable(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MessageArchive) CreateTable(ctx context.Context) error {
	_, err := a.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic        TEXT NOT NULL,
			time         INTEGER NOT NULL,
			payload      BLOB NOT NULL,
			payload_json TEXT,
			qos          INTEGER NOT NULL,
			retain       INTEGER NOT NULL,
			client_id    TEXT NOT NULL,
			message_uuid TEXT NOT NULL,
			PRIMARY KEY (topic, time)
		)`, a.table))
	if err != nil {
		return er.New("MessageArchive.CreateTable", er.KindStoragePermanent, err)
	}
	_, err = a.conn.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_time ON %s (time)`, a.table, a.table))
	if err != nil {
		return er.New("MessageArchive.CreateTable", er.KindStoragePermanent, err)
	}
	return nil
}

func (a *MessageArchive) TableExists(ctx context.Context) (bool, error) {
	var n int
	row := a.conn.QueryRow(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, a.table)
	if err := row.Scan(&n); err != nil {
		return false, nil
	}
	return true, nil
}

func (a *MessageArchive) DropStorage(ctx context.Context) error {
	_, err := a.conn.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, a.table))
	if err != nil {
		return er.New("MessageArchive.DropStorage", er.KindStoragePermanent, err)
	}
	return nil
}

// AddHistory batch-appends messages, idempotent on (topic, time) (spec §4.D).
func (a *MessageArchive) AddHistory(ctx context.Context, messages []model.BrokerMessage) error {
	return a.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			var payloadJSON sql.NullString
			if pj, ok := m.PayloadJSON(); ok {
				payloadJSON = sql.NullString{String: pj, Valid: true}
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (topic, time, payload, payload_json, qos, retain, client_id, message_uuid)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(topic, time) DO NOTHING`, a.table),
				m.Topic, m.Time.UnixMilli(), m.Payload, payloadJSON, int(m.QoS), boolInt(m.Retain), m.ClientID, m.MessageUUID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHistory returns messages time-descending. A '#'-suffixed filter is
// translated to a prefix match on the literal prefix (LIKE 'prefix/%');
// anything else falls back to scanning and applying topic.Matches in
// application code (spec §4.D).
func (a *MessageArchive) GetHistory(ctx context.Context, q store.HistoryQuery) ([]model.BrokerMessage, error) {
	prefix, isPrefixFilter := prefixOf(q.TopicOrFilter)

	var clauses []string
	var args []any
	if isPrefixFilter {
		clauses = append(clauses, "topic LIKE ?")
		args = append(args, prefix+"%")
	} else if !topic.IsWildcard(q.TopicOrFilter) {
		clauses = append(clauses, "topic = ?")
		args = append(args, q.TopicOrFilter)
	}
	if q.Start != nil {
		clauses = append(clauses, "time >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if q.End != nil {
		clauses = append(clauses, "time <= ?")
		args = append(args, q.End.UnixMilli())
	}

	query := fmt.Sprintf(`SELECT topic, time, payload, qos, retain, client_id, message_uuid FROM %s`, a.table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY time DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, er.New("MessageArchive.GetHistory", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []model.BrokerMessage
	for rows.Next() {
		var m model.BrokerMessage
		var ts int64
		var qos, retain int
		if err := rows.Scan(&m.Topic, &ts, &m.Payload, &qos, &retain, &m.ClientID, &m.MessageUUID); err != nil {
			continue // invariant violation: skip, keep scanning (spec §7)
		}
		m.Time = time.UnixMilli(ts)
		m.QoS = model.QoS(qos)
		m.Retain = retain != 0
		// Wildcard filters other than a pure '#' suffix need the
		// level-structural check topic.Matches applies in application code.
		if topic.IsWildcard(q.TopicOrFilter) && !isPrefixFilter && !topic.Matches(q.TopicOrFilter, m.Topic) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// prefixOf reports the literal prefix of a filter ending in "/#", and
// whether the filter qualifies for that prefix-match translation.
func prefixOf(filter string) (string, bool) {
	if !strings.HasSuffix(filter, "/#") && filter != "#" {
		return "", false
	}
	if filter == "#" {
		return "", true
	}
	prefix := strings.TrimSuffix(filter, "#")
	if strings.Contains(prefix, "+") {
		return "", false
	}
	return prefix, true
}

// GetAggregatedHistory buckets samples by time and aggregates per
// (topic, field, func) per spec §4.D. Numeric coercion tries
// payload_json[field] first, then the payload bytes parsed as a UTF-8 number.
func (a *MessageArchive) GetAggregatedHistory(ctx context.Context, q store.AggregatedQuery) (store.AggregatedResult, error) {
	result := store.AggregatedResult{}
	if q.IntervalMinutes <= 0 {
		return result, er.New("MessageArchive.GetAggregatedHistory", er.KindInvalidInput, er.ErrInvalidInput)
	}
	bucketMillis := int64(q.IntervalMinutes) * 60_000

	type point struct {
		bucket int64
		topic  string
		value  float64
		ok     bool
	}

	fields := q.JSONFields
	if len(fields) == 0 {
		fields = []string{""}
	}

	columns := []string{"bucket"}
	colIndex := map[string]int{}
	for _, t := range q.Topics {
		for _, f := range fields {
			for _, fn := range q.Funcs {
				name := columnName(t, f, fn)
				colIndex[name] = len(columns)
				columns = append(columns, name)
			}
		}
	}

	buckets := map[int64][]point{}
	var bucketOrder []int64

	for _, t := range q.Topics {
		rows, err := a.conn.Query(ctx, fmt.Sprintf(`
			SELECT time, payload, payload_json FROM %s WHERE topic = ? AND time BETWEEN ? AND ? ORDER BY time ASC`, a.table),
			t, q.Start.UnixMilli(), q.End.UnixMilli())
		if err != nil {
			return result, er.New("MessageArchive.GetAggregatedHistory", er.KindStoragePermanent, err)
		}
		for rows.Next() {
			var ts int64
			var payload []byte
			var payloadJSON sql.NullString
			if err := rows.Scan(&ts, &payload, &payloadJSON); err != nil {
				continue
			}
			bucket := ts - (ts % bucketMillis)
			if _, seen := buckets[bucket]; !seen {
				bucketOrder = append(bucketOrder, bucket)
			}
			for _, f := range fields {
				v, ok := coerceNumeric(payload, payloadJSON, f)
				buckets[bucket] = append(buckets[bucket], point{bucket: bucket, topic: t, value: v, ok: ok})
			}
		}
		rows.Close()
	}

	sortInt64(bucketOrder)

	result.Columns = columns
	for _, b := range bucketOrder {
		row := make([]any, len(columns))
		row[0] = time.UnixMilli(b)
		pts := buckets[b]
		for _, t := range q.Topics {
			for _, f := range fields {
				var vals []float64
				for _, p := range pts {
					if p.topic == t && p.ok {
						vals = append(vals, p.value)
					}
				}
				for _, fn := range q.Funcs {
					idx := colIndex[columnName(t, f, fn)]
					row[idx] = aggregate(fn, vals)
				}
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func columnName(t, field string, fn store.AggFunc) string {
	if field == "" {
		return fmt.Sprintf("%s.%s", t, fn)
	}
	return fmt.Sprintf("%s.%s.%s", t, field, fn)
}

func coerceNumeric(payload []byte, payloadJSON sql.NullString, field string) (float64, bool) {
	if payloadJSON.Valid && field != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(payloadJSON.String), &doc); err == nil {
			if v, ok := doc[field]; ok {
				switch n := v.(type) {
				case float64:
					return n, true
				case string:
					if f, err := strconv.ParseFloat(n, 64); err == nil {
						return f, true
					}
				}
			}
		}
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64); err == nil {
		return f, true
	}
	return 0, false
}

func aggregate(fn store.AggFunc, vals []float64) any {
	if len(vals) == 0 {
		if fn == store.AggCount {
			return 0
		}
		return nil
	}
	switch fn {
	case store.AggMin:
		m := vals[0]
		for _, v := range vals {
			if v < m {
				m = v
			}
		}
		return m
	case store.AggMax:
		m := vals[0]
		for _, v := range vals {
			if v > m {
				m = v
			}
		}
		return m
	case store.AggSum:
		var s float64
		for _, v := range vals {
			s += v
		}
		return s
	case store.AggAvg:
		var s float64
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	case store.AggCount:
		return len(vals)
	case store.AggFirst:
		return vals[0]
	case store.AggLast:
		return vals[len(vals)-1]
	default:
		return nil
	}
}

func sortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (a *MessageArchive) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int64, time.Duration, error) {
	start := time.Now()
	res, err := a.conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE time < ?`, a.table), cutoff.UnixMilli())
	if err != nil {
		return 0, 0, er.New("MessageArchive.PurgeOldMessages", er.KindStoragePermanent, err)
	}
	n, _ := res.RowsAffected()
	return n, time.Since(start), nil
}
