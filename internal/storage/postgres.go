package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
)

const batchSize = 100

// PostgresStore is the system of record: roster, attendance events,
// groups, the per-org settings document and the watcher's mtime index.
// Every call is scoped to one org and wrapped by the retry policy.
type PostgresStore struct {
	pool *pgxpool.Pool
	org  string
}

func NewPostgresStore(cfg config.DatabaseConfig, orgID string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, org: orgID}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Roster ---

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	var identities []models.Identity
	err := withRetry(ctx, "list identities", func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, person_id, label, embedding, width, height, photo_id, photo_path, photo_url, ts
			 FROM register_faces WHERE org_id = $1 ORDER BY id`, s.org)
		if err != nil {
			return fmt.Errorf("list identities: %w", err)
		}
		defer rows.Close()

		identities = identities[:0]
		for rows.Next() {
			var ident models.Identity
			var vec pgvector.Vector
			if err := rows.Scan(&ident.ID, &ident.PersonID, &ident.Label, &vec,
				&ident.Width, &ident.Height, &ident.PhotoID, &ident.PhotoPath, &ident.PhotoURL, &ident.TS); err != nil {
				return fmt.Errorf("scan identity: %w", err)
			}
			ident.Embedding = vec.Slice()
			identities = append(identities, ident)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// ReplaceIdentities rewrites the roster: persons are upserted, persons
// no longer referenced are deleted, and the face rows are replaced
// wholesale. This is the single write path for enrollment.
func (s *PostgresStore) ReplaceIdentities(ctx context.Context, identities []models.Identity) error {
	return withRetry(ctx, "replace identities", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		keep := make([]string, 0, len(identities))
		for _, ident := range identities {
			if ident.PersonID == "" {
				continue
			}
			keep = append(keep, ident.PersonID)
			if _, err := tx.Exec(ctx,
				`INSERT INTO persons (org_id, person_id, label) VALUES ($1, $2, $3)
				 ON CONFLICT (org_id, person_id) DO UPDATE SET label = EXCLUDED.label`,
				s.org, ident.PersonID, ident.Label); err != nil {
				return fmt.Errorf("upsert person %s: %w", ident.PersonID, err)
			}
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM persons WHERE org_id = $1 AND person_id != ALL($2)`,
			s.org, keep); err != nil {
			return fmt.Errorf("delete stale persons: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM register_faces WHERE org_id = $1`, s.org); err != nil {
			return fmt.Errorf("clear faces: %w", err)
		}

		for _, ident := range identities {
			vec := pgvector.NewVector(ident.Embedding)
			if _, err := tx.Exec(ctx,
				`INSERT INTO register_faces (id, org_id, person_id, label, embedding, width, height, photo_id, photo_path, photo_url, ts)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				ident.ID, s.org, ident.PersonID, ident.Label, vec,
				ident.Width, ident.Height, ident.PhotoID, ident.PhotoPath, ident.PhotoURL, ident.TS); err != nil {
				return fmt.Errorf("insert face %s: %w", ident.Label, err)
			}
		}

		return tx.Commit(ctx)
	})
}

// PersonIDs returns label -> person id for the org.
func (s *PostgresStore) PersonIDs(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := withRetry(ctx, "person ids", func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT person_id, label FROM persons WHERE org_id = $1`, s.org)
		if err != nil {
			return fmt.Errorf("person ids: %w", err)
		}
		defer rows.Close()

		clear(out)
		for rows.Next() {
			var pid, label string
			if err := rows.Scan(&pid, &label); err != nil {
				return fmt.Errorf("scan person: %w", err)
			}
			out[label] = pid
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Attendance events ---

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	Label     string
	StartDate time.Time // inclusive, start of day
	EndDate   time.Time // inclusive, end of day
	Ascending bool
	Page      int // 1-based
	PerPage   int
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]models.AttendanceEvent, int, error) {
	where := "WHERE org_id = $1"
	args := []interface{}{s.org}
	argIdx := 2

	if f.Label != "" {
		where += fmt.Sprintf(" AND label = $%d", argIdx)
		args = append(args, f.Label)
		argIdx++
	}
	if !f.StartDate.IsZero() {
		where += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, f.StartDate)
		argIdx++
	}
	if !f.EndDate.IsZero() {
		where += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, f.EndDate)
		argIdx++
	}

	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}

	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 500 {
		perPage = 500
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage

	var events []models.AttendanceEvent
	var total int
	err := withRetry(ctx, "list events", func() error {
		if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM attendance_events "+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("count events: %w", err)
		}

		query := fmt.Sprintf(
			`SELECT id, label, person_id, ts, score FROM attendance_events %s
			 ORDER BY ts %s, id %s LIMIT $%d OFFSET $%d`,
			where, order, order, argIdx, argIdx+1)
		rows, err := s.pool.Query(ctx, query, append(append([]interface{}{}, args...), perPage, offset)...)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var ev models.AttendanceEvent
			if err := rows.Scan(&ev.ID, &ev.Label, &ev.PersonID, &ev.TS, &ev.Score); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// RecentEvents returns the newest events, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]models.AttendanceEvent, error) {
	events, _, err := s.ListEvents(ctx, EventFilter{PerPage: limit})
	return events, err
}

// UpsertEvent writes one event under its client-assigned id.
func (s *PostgresStore) UpsertEvent(ctx context.Context, ev models.AttendanceEvent) error {
	return withRetry(ctx, "upsert event", func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO attendance_events (id, org_id, label, person_id, ts, score)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (org_id, id) DO UPDATE
			 SET label = EXCLUDED.label, person_id = EXCLUDED.person_id, ts = EXCLUDED.ts, score = EXCLUDED.score`,
			ev.ID, s.org, ev.Label, ev.PersonID, ev.TS.UTC(), ev.Score)
		if err != nil {
			return fmt.Errorf("upsert event %d: %w", ev.ID, err)
		}
		return nil
	})
}

// DeleteEvents removes events by id and reports how many were deleted.
func (s *PostgresStore) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := withRetry(ctx, "delete events", func() error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM attendance_events WHERE org_id = $1 AND id = ANY($2)`, s.org, ids)
		if err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// ClearEvents removes all events, or only one label's when label is set.
func (s *PostgresStore) ClearEvents(ctx context.Context, label string) error {
	return withRetry(ctx, "clear events", func() error {
		var err error
		if label == "" {
			_, err = s.pool.Exec(ctx,
				`DELETE FROM attendance_events WHERE org_id = $1`, s.org)
		} else {
			_, err = s.pool.Exec(ctx,
				`DELETE FROM attendance_events WHERE org_id = $1 AND label = $2`, s.org, label)
		}
		if err != nil {
			return fmt.Errorf("clear events: %w", err)
		}
		return nil
	})
}

// ReplaceEvents syncs the table to exactly the given set: rows whose id
// is absent are deleted, the rest upserted in batches.
func (s *PostgresStore) ReplaceEvents(ctx context.Context, events []models.AttendanceEvent) error {
	keep := make([]int64, 0, len(events))
	for _, ev := range events {
		keep = append(keep, ev.ID)
	}

	return withRetry(ctx, "replace events", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`DELETE FROM attendance_events WHERE org_id = $1 AND id != ALL($2)`,
			s.org, keep); err != nil {
			return fmt.Errorf("delete stale events: %w", err)
		}

		for start := 0; start < len(events); start += batchSize {
			end := start + batchSize
			if end > len(events) {
				end = len(events)
			}
			batch := &pgx.Batch{}
			for _, ev := range events[start:end] {
				batch.Queue(
					`INSERT INTO attendance_events (id, org_id, label, person_id, ts, score)
					 VALUES ($1, $2, $3, $4, $5, $6)
					 ON CONFLICT (org_id, id) DO UPDATE
					 SET label = EXCLUDED.label, person_id = EXCLUDED.person_id, ts = EXCLUDED.ts, score = EXCLUDED.score`,
					ev.ID, s.org, ev.Label, ev.PersonID, ev.TS.UTC(), ev.Score)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("upsert event batch: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// --- Groups ---

func (s *PostgresStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	err := withRetry(ctx, "list groups", func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, name, slug FROM groups WHERE org_id = $1 ORDER BY name`, s.org)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		defer rows.Close()

		groups = groups[:0]
		for rows.Next() {
			var g models.Group
			if err := rows.Scan(&g.ID, &g.Name, &g.Slug); err != nil {
				return fmt.Errorf("scan group: %w", err)
			}
			groups = append(groups, g)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range groups {
			mrows, err := s.pool.Query(ctx,
				`SELECT gm.person_id, COALESCE(p.label, '')
				 FROM group_members gm
				 LEFT JOIN persons p ON p.org_id = gm.org_id AND p.person_id = gm.person_id
				 WHERE gm.org_id = $1 AND gm.group_id = $2`, s.org, groups[i].ID)
			if err != nil {
				return fmt.Errorf("list group members: %w", err)
			}
			for mrows.Next() {
				var m models.GroupMember
				if err := mrows.Scan(&m.PersonID, &m.Label); err != nil {
					mrows.Close()
					return fmt.Errorf("scan group member: %w", err)
				}
				groups[i].Members = append(groups[i].Members, m)
			}
			mrows.Close()
			if err := mrows.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// --- Settings document ---

func (s *PostgresStore) LoadSettings(ctx context.Context) (models.Settings, error) {
	var raw []byte
	err := withRetry(ctx, "load settings", func() error {
		err := s.pool.QueryRow(ctx,
			`SELECT data FROM app_config WHERE org_id = $1`, s.org).Scan(&raw)
		if err != nil {
			if err == pgx.ErrNoRows {
				raw = nil
				return nil
			}
			return fmt.Errorf("load settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Settings{}, err
	}

	settings := models.DefaultSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return models.Settings{}, fmt.Errorf("parse settings: %w", err)
		}
	}
	settings.Normalize()
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings models.Settings) error {
	settings.Normalize()
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return withRetry(ctx, "save settings", func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO app_config (org_id, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (org_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			s.org, raw)
		if err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		return nil
	})
}

// --- Watcher mtime index ---

func (s *PostgresStore) WatchIndex(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := withRetry(ctx, "watch index", func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT path, mtime FROM watch_index WHERE org_id = $1`, s.org)
		if err != nil {
			return fmt.Errorf("watch index: %w", err)
		}
		defer rows.Close()

		clear(out)
		for rows.Next() {
			var path string
			var mtime int64
			if err := rows.Scan(&path, &mtime); err != nil {
				return fmt.Errorf("scan watch entry: %w", err)
			}
			out[path] = mtime
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) SaveWatchEntry(ctx context.Context, path string, mtime int64) error {
	return withRetry(ctx, "save watch entry", func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO watch_index (org_id, path, mtime) VALUES ($1, $2, $3)
			 ON CONFLICT (org_id, path) DO UPDATE SET mtime = EXCLUDED.mtime`,
			s.org, path, mtime)
		if err != nil {
			return fmt.Errorf("save watch entry: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteWatchEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return withRetry(ctx, "delete watch entries", func() error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM watch_index WHERE org_id = $1 AND path = ANY($2)`, s.org, paths)
		if err != nil {
			return fmt.Errorf("delete watch entries: %w", err)
		}
		return nil
	})
}
