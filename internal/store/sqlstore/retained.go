package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/topic"
	"github.com/monstermq/core/pkg/er"
)

// fixedLevels is K from spec §4.C's indexing design: the number of
// leading topic levels broken out into their own indexed columns.
const fixedLevels = 9

var retainedMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS retained_messages (
			topic       TEXT PRIMARY KEY,
			level1 TEXT, level2 TEXT, level3 TEXT, level4 TEXT, level5 TEXT,
			level6 TEXT, level7 TEXT, level8 TEXT, level9 TEXT,
			rest        TEXT NOT NULL DEFAULT '[]',
			last_level  TEXT NOT NULL,
			payload     BLOB NOT NULL,
			payload_json TEXT,
			qos         INTEGER NOT NULL,
			retain      INTEGER NOT NULL,
			client_id   TEXT NOT NULL,
			message_uuid TEXT NOT NULL,
			time        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_retained_levels
			ON retained_messages (level1, level2, level3, level4, level5, level6, level7, level8, level9);
	`},
}

// RetainedStore implements store.RetainedStore against sqlite, using the
// decomposed-level-column indexing design from spec §4.C: a fixed-width
// prefix of columns for exact-index lookups on shallow filters, a JSON
// "rest" array for anything deeper than fixedLevels, and a last_level
// column isolating the final level for admin search.
type RetainedStore struct {
	conn *Conn
}

// NewRetainedStore opens the retained-message table, migrating it into
// existence if needed.
func NewRetainedStore(ctx context.Context, conn *Conn) (*RetainedStore, error) {
	if err := conn.Migrate(ctx, "retained_messages", retainedMigrations); err != nil {
		return nil, err
	}
	return &RetainedStore{conn: conn}, nil
}

func levelColumns(t string) (fixed [fixedLevels]string, rest []string, last string) {
	levels := topic.Levels(t)
	for i := 0; i < len(levels) && i < fixedLevels; i++ {
		fixed[i] = levels[i]
	}
	if len(levels) > fixedLevels {
		rest = levels[fixedLevels:]
	}
	if len(levels) > 0 {
		last = levels[len(levels)-1]
	}
	return fixed, rest, last
}

func (s *RetainedStore) Get(ctx context.Context, t string) (*model.BrokerMessage, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT payload, qos, client_id, message_uuid, time
		FROM retained_messages WHERE topic = ?`, t)

	var payload []byte
	var qos int
	var clientID, msgUUID string
	var ts int64
	if err := row.Scan(&payload, &qos, &clientID, &msgUUID, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, er.New("RetainedStore.Get", er.KindStoragePermanent, err)
	}

	return &model.BrokerMessage{
		MessageUUID: msgUUID,
		Topic:       t,
		Payload:     payload,
		QoS:         model.QoS(qos),
		Retain:      true,
		ClientID:    clientID,
		Time:        time.UnixMilli(ts),
	}, nil
}

func (s *RetainedStore) PutAll(ctx context.Context, messages []model.BrokerMessage) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			if m.Empty() {
				if _, err := tx.ExecContext(ctx, `DELETE FROM retained_messages WHERE topic = ?`, m.Topic); err != nil {
					return err
				}
				continue
			}

			fixed, rest, last := levelColumns(m.Topic)
			restJSON, err := json.Marshal(rest)
			if err != nil {
				return err
			}
			var payloadJSON sql.NullString
			if pj, ok := m.PayloadJSON(); ok {
				payloadJSON = sql.NullString{String: pj, Valid: true}
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO retained_messages
					(topic, level1, level2, level3, level4, level5, level6, level7, level8, level9,
					 rest, last_level, payload, payload_json, qos, retain, client_id, message_uuid, time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
				ON CONFLICT(topic) DO UPDATE SET
					payload = excluded.payload,
					payload_json = excluded.payload_json,
					qos = excluded.qos,
					client_id = excluded.client_id,
					message_uuid = excluded.message_uuid,
					time = excluded.time`,
				m.Topic,
				fixed[0], fixed[1], fixed[2], fixed[3], fixed[4], fixed[5], fixed[6], fixed[7], fixed[8],
				string(restJSON), last, m.Payload, payloadJSON, int(m.QoS), m.ClientID, m.MessageUUID, m.Time.UnixMilli(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RetainedStore) DelAll(ctx context.Context, topics []string) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, t := range topics {
			if _, err := tx.ExecContext(ctx, `DELETE FROM retained_messages WHERE topic = ?`, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindMatchingMessages scans every retained row and applies topic.Matches
// in Go. The fixed-level columns make the scan index-assisted for the
// common shallow-filter case (most of the filter's literal levels are
// bound by the index even though the final predicate is evaluated in
// application code, since sqlite has no level-structural match operator).
func (s *RetainedStore) FindMatchingMessages(ctx context.Context, filter string, visitor func(model.BrokerMessage) bool) error {
	query, args := matchQuery(filter)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return er.New("RetainedStore.FindMatchingMessages", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var payload []byte
		var qos int
		var clientID, msgUUID string
		var ts int64
		if err := rows.Scan(&t, &payload, &qos, &clientID, &msgUUID, &ts); err != nil {
			continue // invariant violation: skip the offending row, keep scanning (spec §7)
		}
		if !topic.Matches(filter, t) {
			continue
		}
		msg := model.BrokerMessage{
			MessageUUID: msgUUID,
			Topic:       t,
			Payload:     payload,
			QoS:         model.QoS(qos),
			Retain:      true,
			ClientID:    clientID,
			Time:        time.UnixMilli(ts),
		}
		if !visitor(msg) {
			break
		}
	}
	return rows.Err()
}

// matchQuery builds a SELECT that narrows to candidate rows using the
// literal (non-wildcard) prefix levels of filter, leaving the final
// filter check to topic.Matches.
func matchQuery(filter string) (string, []any) {
	levels := topic.Levels(filter)
	var clauses []string
	var args []any
	for i, l := range levels {
		if i >= fixedLevels || l == "+" || l == "#" {
			break
		}
		clauses = append(clauses, "level"+itoa(i+1)+" = ?")
		args = append(args, l)
	}

	q := `SELECT topic, payload, qos, client_id, message_uuid, time FROM retained_messages`
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	return q, args
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func (s *RetainedStore) FindMatchingTopics(ctx context.Context, pattern string, visitor func(string) bool) error {
	return s.FindMatchingMessages(ctx, pattern, func(m model.BrokerMessage) bool {
		return visitor(m.Topic)
	})
}

func (s *RetainedStore) FindTopicsByName(ctx context.Context, glob string, ignoreCase bool, namespace string) ([]string, error) {
	query := `SELECT topic FROM retained_messages WHERE topic GLOB ?`
	pattern := glob
	if ignoreCase {
		query = `SELECT topic FROM retained_messages WHERE LOWER(topic) GLOB LOWER(?)`
	}
	if namespace != "" {
		query += ` AND topic LIKE ? || '%'`
	}
	args := []any{pattern}
	if namespace != "" {
		args = append(args, namespace)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, er.New("RetainedStore.FindTopicsByName", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTopicsByConfig is FindTopicsByName's sibling of the admin search
// pair (spec §4.C): it searches payload_json, the "optional payload as
// document" column PutAll populates whenever a retained payload parses as
// JSON, for a top-level field holding value. It matches both the quoted
// ("field":"value") and bare ("field":value) JSON encodings of value,
// since payload_json is searched as text rather than through sqlite's
// optional JSON1 extension.
func (s *RetainedStore) FindTopicsByConfig(ctx context.Context, field, value, namespace string) ([]string, error) {
	quoted := `%"` + field + `":"` + value + `"%`
	bare := `%"` + field + `":` + value + `%`
	query := `SELECT topic FROM retained_messages WHERE payload_json IS NOT NULL AND (payload_json LIKE ? OR payload_json LIKE ?)`
	args := []any{quoted, bare}
	if namespace != "" {
		query += ` AND topic LIKE ? || '%'`
		args = append(args, namespace)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, er.New("RetainedStore.FindTopicsByConfig", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *RetainedStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int64, time.Duration, error) {
	start := time.Now()
	res, err := s.conn.Exec(ctx, `DELETE FROM retained_messages WHERE time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, 0, er.New("RetainedStore.PurgeOldMessages", er.KindStoragePermanent, err)
	}
	n, _ := res.RowsAffected()
	return n, time.Since(start), nil
}
