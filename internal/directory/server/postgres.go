package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"veil/internal/crypto"
	"veil/internal/domain"
)

// PostgresStore persists the directory in PostgreSQL. Pre-key consumption and
// registration run inside transactions so concurrent clients never observe a
// half-applied state and no one-time pre-key is handed out twice.
type PostgresStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		user_id          TEXT   NOT NULL,
		device_id        TEXT   NOT NULL,
		device_name      TEXT   NOT NULL DEFAULT '',
		registration_id  BIGINT NOT NULL,
		identity_key     BYTEA  NOT NULL,
		signing_key      BYTEA  NOT NULL,
		spk_id           TEXT   NOT NULL,
		spk_pub          BYTEA  NOT NULL,
		spk_sig          BYTEA  NOT NULL,
		registered_utc   BIGINT NOT NULL,
		last_active_utc  BIGINT NOT NULL,
		PRIMARY KEY (user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS one_time_prekeys (
		seq       BIGSERIAL PRIMARY KEY,
		user_id   TEXT  NOT NULL,
		device_id TEXT  NOT NULL,
		key_id    TEXT  NOT NULL,
		pub       BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS one_time_prekeys_device_idx
		ON one_time_prekeys (user_id, device_id, seq)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq       BIGSERIAL PRIMARY KEY,
		user_id   TEXT  NOT NULL,
		device_id TEXT  NOT NULL,
		payload   BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_device_idx
		ON messages (user_id, device_id, seq)`,
	`CREATE TABLE IF NOT EXISTS backups (
		user_id     TEXT   PRIMARY KEY,
		blob        BYTEA  NOT NULL,
		updated_utc BIGINT NOT NULL
	)`,
}

// OpenPostgres connects to PostgreSQL and applies the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the database connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) RegisterDevice(reg domain.Registration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	res, err := tx.Exec(`
		INSERT INTO devices (user_id, device_id, device_name, registration_id,
			identity_key, signing_key, spk_id, spk_pub, spk_sig,
			registered_utc, last_active_utc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (user_id, device_id) DO NOTHING`,
		reg.UserID, reg.DeviceID, reg.DeviceName, reg.RegistrationID,
		reg.IdentityKey.Slice(), reg.SigningKey.Slice(),
		reg.SignedPreKeyID, reg.SignedPreKey.Slice(), reg.SignedPreKeySig, now)
	if err != nil {
		return false, fmt.Errorf("insert device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already registered. Keep the original keys untouched.
		return true, tx.Commit()
	}
	for _, k := range reg.OneTimePreKeys {
		if _, err := tx.Exec(`
			INSERT INTO one_time_prekeys (user_id, device_id, key_id, pub)
			VALUES ($1,$2,$3,$4)`,
			reg.UserID, reg.DeviceID, k.ID, k.Pub.Slice()); err != nil {
			return false, fmt.Errorf("insert one-time pre-key: %w", err)
		}
	}
	return false, tx.Commit()
}

func (s *PostgresStore) ConsumeBundle(user domain.UserID, device domain.DeviceID) (domain.PreKeyBundle, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		b                   domain.PreKeyBundle
		idKey, signKey, spk []byte
	)
	var row *sql.Row
	if device == "" {
		row = tx.QueryRow(`
			SELECT user_id, device_id, device_name, registration_id,
				identity_key, signing_key, spk_id, spk_pub, spk_sig
			FROM devices WHERE user_id = $1
			ORDER BY registered_utc ASC, device_id ASC LIMIT 1`, user)
	} else {
		row = tx.QueryRow(`
			SELECT user_id, device_id, device_name, registration_id,
				identity_key, signing_key, spk_id, spk_pub, spk_sig
			FROM devices WHERE user_id = $1 AND device_id = $2`, user, device)
	}
	err = row.Scan(&b.UserID, &b.DeviceID, &b.DeviceName, &b.RegistrationID,
		&idKey, &signKey, &b.SignedPreKeyID, &spk, &b.SignedPreKeySig)
	if err == sql.ErrNoRows {
		return domain.PreKeyBundle{}, ErrNotFound
	}
	if err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("select device: %w", err)
	}
	if b.IdentityKey, err = domain.ParseX25519Public(idKey); err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("device row for %s/%s: %w", user, b.DeviceID, err)
	}
	if b.SigningKey, err = domain.ParseEd25519Public(signKey); err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("device row for %s/%s: %w", user, b.DeviceID, err)
	}
	if b.SignedPreKey, err = domain.ParseX25519Public(spk); err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("device row for %s/%s: %w", user, b.DeviceID, err)
	}

	var (
		keyID string
		pub   []byte
	)
	err = tx.QueryRow(`
		DELETE FROM one_time_prekeys
		WHERE seq = (
			SELECT seq FROM one_time_prekeys
			WHERE user_id = $1 AND device_id = $2
			ORDER BY seq ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_id, pub`, b.UserID, b.DeviceID).Scan(&keyID, &pub)
	switch err {
	case nil:
		opkPub, err := domain.ParseX25519Public(pub)
		if err != nil {
			return domain.PreKeyBundle{}, fmt.Errorf("one-time pre-key row %s: %w", keyID, err)
		}
		b.OneTimePreKey = &domain.OneTimePreKeyPublic{
			ID:  domain.OneTimePreKeyID(keyID),
			Pub: opkPub,
		}
	case sql.ErrNoRows:
		// Inventory exhausted, the bundle is served without a one-time key.
	default:
		return domain.PreKeyBundle{}, fmt.Errorf("consume one-time pre-key: %w", err)
	}
	return b, tx.Commit()
}

func (s *PostgresStore) IdentityKey(user domain.UserID) (domain.X25519Public, error) {
	var raw []byte
	err := s.db.QueryRow(`
		SELECT identity_key FROM devices WHERE user_id = $1
		ORDER BY registered_utc ASC, device_id ASC LIMIT 1`, user).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.X25519Public{}, ErrNotFound
	}
	if err != nil {
		return domain.X25519Public{}, fmt.Errorf("select identity key: %w", err)
	}
	key, err := domain.ParseX25519Public(raw)
	if err != nil {
		return domain.X25519Public{}, fmt.Errorf("identity key row for %s: %w", user, err)
	}
	return key, nil
}

func (s *PostgresStore) CountOneTimePreKeys(user domain.UserID, device domain.DeviceID) (int, error) {
	if err := s.ensureDevice(user, device); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = $1 AND device_id = $2`, user, device).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count one-time pre-keys: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AddOneTimePreKeys(user domain.UserID, device domain.DeviceID, keys []domain.OneTimePreKeyPublic) error {
	if err := s.ensureDevice(user, device); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.Exec(`
			INSERT INTO one_time_prekeys (user_id, device_id, key_id, pub)
			VALUES ($1,$2,$3,$4)`, user, device, k.ID, k.Pub.Slice()); err != nil {
			return fmt.Errorf("insert one-time pre-key: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) SetSignedPreKey(user domain.UserID, device domain.DeviceID, id domain.SignedPreKeyID, pub domain.X25519Public, sig []byte) error {
	res, err := s.db.Exec(`
		UPDATE devices SET spk_id = $3, spk_pub = $4, spk_sig = $5
		WHERE user_id = $1 AND device_id = $2`, user, device, id, pub.Slice(), sig)
	if err != nil {
		return fmt.Errorf("update signed pre-key: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) TouchDevice(user domain.UserID, device domain.DeviceID) error {
	res, err := s.db.Exec(`
		UPDATE devices SET last_active_utc = $3
		WHERE user_id = $1 AND device_id = $2`,
		user, device, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) RemoveDevice(user domain.UserID, device domain.DeviceID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.Exec(`DELETE FROM devices WHERE user_id = $1 AND device_id = $2`, user, device)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2`, user, device); err != nil {
		return fmt.Errorf("delete one-time pre-keys: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE user_id = $1 AND device_id = $2`, user, device); err != nil {
		return fmt.Errorf("delete queued messages: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Devices(user domain.UserID) ([]domain.DeviceInfo, error) {
	rows, err := s.db.Query(`
		SELECT device_id, device_name, registration_id, identity_key, last_active_utc
		FROM devices WHERE user_id = $1
		ORDER BY registered_utc ASC`, user)
	if err != nil {
		return nil, fmt.Errorf("select devices: %w", err)
	}
	defer rows.Close()

	var out []domain.DeviceInfo
	for rows.Next() {
		var (
			d     domain.DeviceInfo
			idKey []byte
		)
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &d.RegistrationID, &idKey, &d.LastActiveUTC); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.IdentityFingerprint = crypto.Fingerprint(idKey)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) EnqueueMessage(msg domain.EncryptedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var targets []domain.DeviceID
	if msg.ToDevice != "" {
		if err := s.ensureDevice(msg.To, msg.ToDevice); err != nil {
			return err
		}
		targets = []domain.DeviceID{msg.ToDevice}
	} else {
		rows, err := s.db.Query(`SELECT device_id FROM devices WHERE user_id = $1`, msg.To)
		if err != nil {
			return fmt.Errorf("select recipient devices: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d domain.DeviceID
			if err := rows.Scan(&d); err != nil {
				return err
			}
			targets = append(targets, d)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(targets) == 0 {
			return ErrNotFound
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, d := range targets {
		if _, err := tx.Exec(`
			INSERT INTO messages (user_id, device_id, payload)
			VALUES ($1,$2,$3)`, msg.To, d, payload); err != nil {
			return fmt.Errorf("enqueue message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Messages(user domain.UserID, device domain.DeviceID, limit int) ([]domain.EncryptedMessage, error) {
	q := `SELECT payload FROM messages WHERE user_id = $1 AND device_id = $2 ORDER BY seq ASC`
	args := []any{user, device}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []domain.EncryptedMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg domain.EncryptedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AckMessages(user domain.UserID, device domain.DeviceID, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM messages WHERE seq IN (
			SELECT seq FROM messages
			WHERE user_id = $1 AND device_id = $2
			ORDER BY seq ASC LIMIT $3
		)`, user, device, count)
	if err != nil {
		return fmt.Errorf("ack messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutBackup(user domain.UserID, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO backups (user_id, blob, updated_utc)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET blob = $2, updated_utc = $3`,
		user, blob, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("put backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBackup(user domain.UserID) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM backups WHERE user_id = $1`, user).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return blob, nil
}

func (s *PostgresStore) DeleteBackup(user domain.UserID) error {
	if _, err := s.db.Exec(`DELETE FROM backups WHERE user_id = $1`, user); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasBackup(user domain.UserID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM backups WHERE user_id = $1)`, user).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check backup: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ensureDevice(user domain.UserID, device domain.DeviceID) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM devices WHERE user_id = $1 AND device_id = $2)`,
		user, device).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
