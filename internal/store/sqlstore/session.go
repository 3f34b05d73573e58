package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/pkg/er"
)

var sessionMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			client_id      TEXT PRIMARY KEY,
			node_id        TEXT NOT NULL,
			clean_session  INTEGER NOT NULL,
			connected      INTEGER NOT NULL,
			last_update    INTEGER NOT NULL,
			info           TEXT NOT NULL DEFAULT '{}',
			will_topic     TEXT,
			will_payload   BLOB,
			will_qos       INTEGER,
			will_retain    INTEGER,
			will_uuid      TEXT
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			client_id TEXT NOT NULL,
			filter    TEXT NOT NULL,
			qos       INTEGER NOT NULL,
			wildcard  INTEGER NOT NULL,
			PRIMARY KEY (client_id, filter)
		);

		CREATE TABLE IF NOT EXISTS queued_messages (
			message_uuid TEXT PRIMARY KEY,
			topic        TEXT NOT NULL,
			payload      BLOB NOT NULL,
			qos          INTEGER NOT NULL,
			client_id    TEXT NOT NULL,
			time         INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS queued_recipients (
			client_id    TEXT NOT NULL,
			message_uuid TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			PRIMARY KEY (client_id, message_uuid)
		);
		CREATE INDEX IF NOT EXISTS idx_queued_recipients_order ON queued_recipients (client_id, seq);
	`},
}

// SessionStore implements store.SessionStore against sqlite (spec §4.E).
// DelClient runs its three-step deletion inside one transaction so no
// partial state is observable, matching invariant (3) in §4.E.
type SessionStore struct {
	conn *Conn
	seq  int64 // monotonic FIFO sequence for queued_recipients
}

func NewSessionStore(ctx context.Context, conn *Conn) (*SessionStore, error) {
	if err := conn.Migrate(ctx, "sessions", sessionMigrations); err != nil {
		return nil, err
	}
	s := &SessionStore{conn: conn}
	row := conn.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM queued_recipients`)
	_ = row.Scan(&s.seq)
	return s, nil
}

func (s *SessionStore) SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info map[string]any) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return er.New("SessionStore.SetClient", er.KindInvalidInput, err)
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO sessions (client_id, node_id, clean_session, connected, last_update, info)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			node_id = excluded.node_id,
			clean_session = excluded.clean_session,
			connected = excluded.connected,
			last_update = excluded.last_update,
			info = excluded.info`,
		clientID, nodeID, boolInt(cleanSession), boolInt(connected), time.Now().UnixMilli(), string(infoJSON))
	if err != nil {
		return er.New("SessionStore.SetClient", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *SessionStore) SetConnected(ctx context.Context, clientID string, connected bool) error {
	_, err := s.conn.Exec(ctx, `UPDATE sessions SET connected = ?, last_update = ? WHERE client_id = ?`,
		boolInt(connected), time.Now().UnixMilli(), clientID)
	if err != nil {
		return er.New("SessionStore.SetConnected", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *SessionStore) IsConnected(ctx context.Context, clientID string) (bool, error) {
	var connected int
	row := s.conn.QueryRow(ctx, `SELECT connected FROM sessions WHERE client_id = ?`, clientID)
	if err := row.Scan(&connected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, er.New("SessionStore.IsConnected", er.KindStoragePermanent, err)
	}
	return connected != 0, nil
}

func (s *SessionStore) IsPresent(ctx context.Context, clientID string) (bool, error) {
	var n int
	row := s.conn.QueryRow(ctx, `SELECT 1 FROM sessions WHERE client_id = ?`, clientID)
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, er.New("SessionStore.IsPresent", er.KindStoragePermanent, err)
	}
	return true, nil
}

func (s *SessionStore) SetLastWill(ctx context.Context, clientID string, will *model.BrokerMessage) error {
	if will == nil {
		_, err := s.conn.Exec(ctx, `
			UPDATE sessions SET will_topic = NULL, will_payload = NULL, will_qos = NULL, will_retain = NULL, will_uuid = NULL
			WHERE client_id = ?`, clientID)
		if err != nil {
			return er.New("SessionStore.SetLastWill", er.KindStoragePermanent, err)
		}
		return nil
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE sessions SET will_topic = ?, will_payload = ?, will_qos = ?, will_retain = ?, will_uuid = ?
		WHERE client_id = ?`,
		will.Topic, will.Payload, int(will.QoS), boolInt(will.Retain), will.MessageUUID, clientID)
	if err != nil {
		return er.New("SessionStore.SetLastWill", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *SessionStore) AddSubscriptions(ctx context.Context, subs []model.Subscription) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, sub := range subs {
			wildcard := boolInt(isWildcard(sub.TopicFilter))
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subscriptions (client_id, filter, qos, wildcard) VALUES (?, ?, ?, ?)
				ON CONFLICT(client_id, filter) DO UPDATE SET qos = excluded.qos, wildcard = excluded.wildcard`,
				sub.ClientID, sub.TopicFilter, int(sub.QoS), wildcard); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SessionStore) DelSubscriptions(ctx context.Context, subs []model.Subscription) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, sub := range subs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE client_id = ? AND filter = ?`,
				sub.ClientID, sub.TopicFilter); err != nil {
				return err
			}
		}
		return nil
	})
}

// DelClient deletes subscriptions, then queued messages, then the session
// row, in one transaction (spec §4.E invariant 3). visitor observes each
// subscription before removal so the caller can detach it from the
// in-memory topic tree.
func (s *SessionStore) DelClient(ctx context.Context, clientID string, visitor store.Visitor[model.Subscription]) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT filter, qos FROM subscriptions WHERE client_id = ?`, clientID)
		if err != nil {
			return err
		}
		var subs []model.Subscription
		for rows.Next() {
			var filter string
			var qos int
			if err := rows.Scan(&filter, &qos); err != nil {
				rows.Close()
				return err
			}
			subs = append(subs, model.Subscription{ClientID: clientID, TopicFilter: filter, QoS: model.QoS(qos)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sub := range subs {
			if visitor != nil && !visitor(sub) {
				break
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE client_id = ?`, clientID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_recipients WHERE client_id = ?`, clientID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queued_messages WHERE message_uuid NOT IN (SELECT message_uuid FROM queued_recipients)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE client_id = ?`, clientID); err != nil {
			return err
		}
		return nil
	})
}

func (s *SessionStore) EnqueueMessages(ctx context.Context, batch []store.Recipients) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, r := range batch {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queued_messages (message_uuid, topic, payload, qos, client_id, time)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(message_uuid) DO NOTHING`,
				r.Message.MessageUUID, r.Message.Topic, r.Message.Payload, int(r.Message.QoS), r.Message.ClientID, r.Message.Time.UnixMilli()); err != nil {
				return err
			}
			for _, clientID := range r.ClientIDs {
				s.seq++
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO queued_recipients (client_id, message_uuid, seq) VALUES (?, ?, ?)
					ON CONFLICT(client_id, message_uuid) DO NOTHING`,
					clientID, r.Message.MessageUUID, s.seq); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DequeueMessages yields clientID's queued messages in FIFO (enqueue)
// order. visitor returning true acknowledges (removes the recipient
// mapping and, if no mapping remains, the physical message).
func (s *SessionStore) DequeueMessages(ctx context.Context, clientID string, visitor store.Visitor[model.BrokerMessage]) error {
	rows, err := s.conn.Query(ctx, `
		SELECT qm.message_uuid, qm.topic, qm.payload, qm.qos, qm.client_id, qm.time
		FROM queued_recipients qr
		JOIN queued_messages qm ON qm.message_uuid = qr.message_uuid
		WHERE qr.client_id = ?
		ORDER BY qr.seq ASC`, clientID)
	if err != nil {
		return er.New("SessionStore.DequeueMessages", er.KindStoragePermanent, err)
	}

	type row struct {
		msg model.BrokerMessage
	}
	var pending []row
	for rows.Next() {
		var msgUUID, topic, origClient string
		var payload []byte
		var qos int
		var ts int64
		if err := rows.Scan(&msgUUID, &topic, &payload, &qos, &origClient, &ts); err != nil {
			continue // invariant violation: skip malformed row (spec §7)
		}
		pending = append(pending, row{msg: model.BrokerMessage{
			MessageUUID: msgUUID,
			Topic:       topic,
			Payload:     payload,
			QoS:         model.QoS(qos),
			ClientID:    origClient,
			Queued:      true,
			Time:        time.UnixMilli(ts),
		}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return er.New("SessionStore.DequeueMessages", er.KindStoragePermanent, err)
	}

	for _, r := range pending {
		ack := visitor == nil || visitor(r.msg)
		if ack {
			if err := s.RemoveMessages(ctx, []store.ClientMessage{{ClientID: clientID, MessageUUID: r.msg.MessageUUID}}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SessionStore) RemoveMessages(ctx context.Context, which []store.ClientMessage) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		for _, cm := range which {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queued_recipients WHERE client_id = ? AND message_uuid = ?`,
				cm.ClientID, cm.MessageUUID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM queued_messages WHERE message_uuid = ? AND NOT EXISTS (
					SELECT 1 FROM queued_recipients WHERE message_uuid = ?)`,
				cm.MessageUUID, cm.MessageUUID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SessionStore) PurgeQueuedMessages(ctx context.Context) error {
	return s.conn.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_recipients`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM queued_messages`)
		return err
	})
}

func (s *SessionStore) PurgeSessions(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DELETE FROM sessions WHERE connected = 0`)
	if err != nil {
		return er.New("SessionStore.PurgeSessions", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *SessionStore) CountQueuedMessages(ctx context.Context) (int64, error) {
	var n int64
	row := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM queued_recipients`)
	if err := row.Scan(&n); err != nil {
		return 0, er.New("SessionStore.CountQueuedMessages", er.KindStoragePermanent, err)
	}
	return n, nil
}

func (s *SessionStore) CountQueuedMessagesForClient(ctx context.Context, clientID string) (int64, error) {
	var n int64
	row := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM queued_recipients WHERE client_id = ?`, clientID)
	if err := row.Scan(&n); err != nil {
		return 0, er.New("SessionStore.CountQueuedMessagesForClient", er.KindStoragePermanent, err)
	}
	return n, nil
}

func (s *SessionStore) IterateSubscriptions(ctx context.Context, visitor store.Visitor[model.Subscription]) error {
	rows, err := s.conn.Query(ctx, `SELECT client_id, filter, qos FROM subscriptions`)
	if err != nil {
		return er.New("SessionStore.IterateSubscriptions", er.KindStoragePermanent, err)
	}
	defer rows.Close()
	for rows.Next() {
		var clientID, filter string
		var qos int
		if err := rows.Scan(&clientID, &filter, &qos); err != nil {
			continue
		}
		if !visitor(model.Subscription{ClientID: clientID, TopicFilter: filter, QoS: model.QoS(qos)}) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateOfflineClients(ctx context.Context, visitor store.Visitor[string]) error {
	rows, err := s.conn.Query(ctx, `SELECT client_id FROM sessions WHERE connected = 0 AND clean_session = 0`)
	if err != nil {
		return er.New("SessionStore.IterateOfflineClients", er.KindStoragePermanent, err)
	}
	defer rows.Close()
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			continue
		}
		if !visitor(clientID) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateNodeClients(ctx context.Context, nodeID string, visitor store.Visitor[string]) error {
	rows, err := s.conn.Query(ctx, `SELECT client_id FROM sessions WHERE node_id = ?`, nodeID)
	if err != nil {
		return er.New("SessionStore.IterateNodeClients", er.KindStoragePermanent, err)
	}
	defer rows.Close()
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			continue
		}
		if !visitor(clientID) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateAllSessions(ctx context.Context, visitor store.Visitor[model.Session]) error {
	rows, err := s.conn.Query(ctx, `
		SELECT client_id, node_id, clean_session, connected, last_update, info,
		       will_topic, will_payload, will_qos, will_retain, will_uuid
		FROM sessions`)
	if err != nil {
		return er.New("SessionStore.IterateAllSessions", er.KindStoragePermanent, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sess model.Session
		var cleanSession, connected int
		var lastUpdate int64
		var infoJSON string
		var willTopic, willUUID sql.NullString
		var willPayload []byte
		var willQoS sql.NullInt64
		var willRetain sql.NullInt64

		if err := rows.Scan(&sess.ClientID, &sess.NodeID, &cleanSession, &connected, &lastUpdate, &infoJSON,
			&willTopic, &willPayload, &willQoS, &willRetain, &willUUID); err != nil {
			continue // invariant violation: skip, keep scanning (spec §7)
		}
		sess.CleanSession = cleanSession != 0
		sess.Connected = connected != 0
		sess.LastUpdate = time.UnixMilli(lastUpdate)
		_ = json.Unmarshal([]byte(infoJSON), &sess.Info)
		if willTopic.Valid {
			sess.LastWill = &model.BrokerMessage{
				MessageUUID: willUUID.String,
				Topic:       willTopic.String,
				Payload:     willPayload,
				QoS:         model.QoS(willQoS.Int64),
				Retain:      willRetain.Int64 != 0,
				ClientID:    sess.ClientID,
			}
		}
		if !visitor(sess) {
			break
		}
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isWildcard(filter string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == '+' || filter[i] == '#' {
			return true
		}
	}
	return false
}
