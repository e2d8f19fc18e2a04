package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"wakeworker/internal/automation"
	"wakeworker/internal/contact"
	logx "wakeworker/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps contacts in a SQLite file. Several worker processes may share the file;
// leases live in the contacts row so acquisition is a single conditional UPDATE.
type sqliteStore struct {
	db       *sql.DB
	log      logx.Logger
	now      func() time.Time
	dueLimit int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: cfg.clock(), dueLimit: cfg.dueLimit()}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) DueContactIDs(ctx context.Context, now time.Time) ([]contact.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id, MIN(wake_up_at) AS first_due
		   FROM automation_states
		  WHERE wake_up_at <= ?
		  GROUP BY contact_id
		  ORDER BY first_due, contact_id
		  LIMIT ?`,
		now.UnixMilli(), s.dueLimit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]contact.ID, 0, 16)
	for rows.Next() {
		var id string
		var first int64
		if err := rows.Scan(&id, &first); err != nil {
			return nil, err
		}
		ids = append(ids, contact.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) TryLoad(ctx context.Context, id contact.ID, owner string, timeout time.Duration) contact.LockResult {
	if strings.TrimSpace(owner) == "" {
		return contact.LockResult{Status: contact.LockError, Err: errors.New("lease owner is required")}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET lock_owner = ?, lock_expires_at = ?
		  WHERE id = ? AND (lock_owner IS NULL OR lock_owner = ? OR lock_expires_at <= ?)`,
		owner, now.Add(timeout).UnixMilli(), string(id), owner, now.UnixMilli(),
	)
	if err != nil {
		return contact.LockResult{Status: contact.LockError, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contact.LockResult{Status: contact.LockError, Err: err}
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM contacts WHERE id = ?`, string(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return contact.LockResult{Status: contact.LockNotFound}
		}
		if err != nil {
			return contact.LockResult{Status: contact.LockError, Err: err}
		}
		return contact.LockResult{Status: contact.LockContended}
	}

	c, err := s.load(ctx, s.db, id)
	if err != nil {
		// Never keep a lease we cannot hand out.
		_ = s.Release(context.Background(), id, owner)
		return contact.LockResult{Status: contact.LockError, Err: err}
	}
	return contact.LockResult{Status: contact.LockSuccess, Contact: c}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) load(ctx context.Context, q querier, id contact.ID) (*contact.Contact, error) {
	c := &contact.Contact{ID: id}
	var active int
	var updated int64
	err := q.QueryRowContext(ctx, `SELECT active, updated_at FROM contacts WHERE id = ?`, string(id)).Scan(&active, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.UpdatedAt = time.UnixMilli(updated)

	states, err := s.loadStates(ctx, q, id)
	if err != nil {
		return nil, err
	}
	c.States = states
	return c, nil
}

func (s *sqliteStore) loadStates(ctx context.Context, q querier, id contact.ID) ([]*contact.AutomationState, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT state_id, plan_id, entered_at, wake_up_at, is_due
		   FROM automation_states WHERE contact_id = ? ORDER BY wake_up_at, state_id`,
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*contact.AutomationState
	for rows.Next() {
		var st contact.AutomationState
		var entered, wake int64
		var due int
		if err := rows.Scan(&st.StateID, &st.PlanID, &entered, &wake, &due); err != nil {
			return nil, err
		}
		st.EnteredAt = time.UnixMilli(entered)
		st.WakeUpAt = time.UnixMilli(wake)
		st.IsDue = due != 0
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAndRelease(ctx context.Context, c *contact.Contact, opt contact.SaveOptions) error {
	if c == nil {
		return errors.New("contact is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT lock_owner FROM contacts WHERE id = ?`, string(c.ID)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return contact.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !owner.Valid || owner.String != opt.Owner {
		return contact.ErrLeaseLost
	}

	write := opt.Force
	if !write {
		cur, err := s.load(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		write = cur.Active != c.Active || !sameStates(cur.States, c.States)
	}
	if write {
		if err := s.writeContactTx(ctx, tx, c); err != nil {
			return err
		}
	}
	if opt.Release {
		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts SET lock_owner = NULL, lock_expires_at = 0 WHERE id = ?`, string(c.ID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) writeContactTx(ctx context.Context, tx *sql.Tx, c *contact.Contact) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts(id, active, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at`,
		string(c.ID), boolInt(c.Active), s.now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_states WHERE contact_id = ?`, string(c.ID)); err != nil {
		return err
	}
	for _, st := range c.States {
		if st == nil {
			continue
		}
		if err := upsertStateTx(ctx, tx, c.ID, *st); err != nil {
			return err
		}
	}
	return nil
}

func upsertStateTx(ctx context.Context, tx *sql.Tx, id contact.ID, st contact.AutomationState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO automation_states(contact_id, state_id, plan_id, entered_at, wake_up_at, is_due)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(contact_id, state_id) DO UPDATE SET
		   plan_id = excluded.plan_id, entered_at = excluded.entered_at,
		   wake_up_at = excluded.wake_up_at, is_due = excluded.is_due`,
		string(id), st.StateID, st.PlanID, st.EnteredAt.UnixMilli(), st.WakeUpAt.UnixMilli(), boolInt(st.IsDue),
	)
	return err
}

func (s *sqliteStore) Release(ctx context.Context, id contact.ID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET lock_owner = NULL, lock_expires_at = 0 WHERE id = ? AND lock_owner = ?`,
		string(id), owner,
	)
	return err
}

func (s *sqliteStore) Lease(ctx context.Context, id contact.ID) (contact.Lease, bool, error) {
	var owner sql.NullString
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT lock_owner, lock_expires_at FROM contacts WHERE id = ?`, string(id)).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return contact.Lease{}, false, nil
	}
	if err != nil {
		return contact.Lease{}, false, err
	}
	l := contact.Lease{ContactID: id, Owner: owner.String, ExpiresAt: time.UnixMilli(expires)}
	if !owner.Valid || owner.String == "" || l.Expired(s.now()) {
		return contact.Lease{}, false, nil
	}
	return l, true, nil
}

// checkUnleasedTx fails with contact.ErrLocked while someone holds an unexpired lease.
func (s *sqliteStore) checkUnleasedTx(ctx context.Context, tx *sql.Tx, id contact.ID) error {
	var owner sql.NullString
	var expires int64
	err := tx.QueryRowContext(ctx,
		`SELECT lock_owner, lock_expires_at FROM contacts WHERE id = ?`, string(id)).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.Valid && owner.String != "" && expires > s.now().UnixMilli() {
		return contact.ErrLocked
	}
	return nil
}

func (s *sqliteStore) PutContact(ctx context.Context, c *contact.Contact) error {
	if c == nil || strings.TrimSpace(string(c.ID)) == "" {
		return errors.New("contact id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.checkUnleasedTx(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := s.writeContactTx(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Schedule(ctx context.Context, id contact.ID, st contact.AutomationState) error {
	if strings.TrimSpace(string(id)) == "" || strings.TrimSpace(st.StateID) == "" {
		return errors.New("contact id and state id are required")
	}
	now := s.now()
	if st.EnteredAt.IsZero() {
		st.EnteredAt = now
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.checkUnleasedTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts(id, active, updated_at) VALUES(?,1,?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		string(id), now.UnixMilli(),
	); err != nil {
		return err
	}
	if err := upsertStateTx(ctx, tx, id, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetContact(ctx context.Context, id contact.ID) (*contact.Contact, error) {
	return s.load(ctx, s.db, id)
}

func (s *sqliteStore) PutDefinition(ctx context.Context, d automation.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_definitions(state_id, plan_id, next_state_id, delay_ms, terminal)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(state_id) DO UPDATE SET plan_id = excluded.plan_id,
		   next_state_id = excluded.next_state_id, delay_ms = excluded.delay_ms, terminal = excluded.terminal`,
		d.StateID, d.PlanID, d.NextStateID, d.Delay.Milliseconds(), boolInt(d.Terminal),
	)
	return err
}

func (s *sqliteStore) LoadDefinitions(ctx context.Context) (map[string]automation.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_id, plan_id, next_state_id, delay_ms, terminal FROM automation_definitions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]automation.Definition{}
	for rows.Next() {
		var d automation.Definition
		var delay int64
		var terminal int
		if err := rows.Scan(&d.StateID, &d.PlanID, &d.NextStateID, &delay, &terminal); err != nil {
			return nil, err
		}
		d.Delay = time.Duration(delay) * time.Millisecond
		d.Terminal = terminal != 0
		out[d.StateID] = d
	}
	return out, rows.Err()
}

// sameStates compares state lists at the store's millisecond precision.
func sameStates(a, b []*contact.AutomationState) bool {
	norm := func(in []*contact.AutomationState) map[string]contact.AutomationState {
		m := make(map[string]contact.AutomationState, len(in))
		for _, st := range in {
			if st == nil {
				continue
			}
			cp := *st
			cp.EnteredAt = time.UnixMilli(cp.EnteredAt.UnixMilli())
			cp.WakeUpAt = time.UnixMilli(cp.WakeUpAt.UnixMilli())
			m[cp.StateID] = cp
		}
		return m
	}
	return reflect.DeepEqual(norm(a), norm(b))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
