package store

import (
	"context"
	"encoding/json"
	"net"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/example/netguard/config"
	"github.com/example/netguard/iputil"
)

const (
	poolMinConns = 15
	poolMaxConns = 30
)

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	api_url TEXT NOT NULL DEFAULT '',
	logo_url TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ip_ranges (
	id BIGSERIAL PRIMARY KEY,
	provider_id BIGINT NOT NULL REFERENCES providers(id),
	start_ip TEXT NOT NULL,
	end_ip TEXT NOT NULL,
	cidr TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	ip_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ip_addresses (
	id BIGSERIAL PRIMARY KEY,
	provider_id BIGINT NOT NULL REFERENCES providers(id),
	ip_address TEXT NOT NULL,
	ip_type TEXT NOT NULL,
	UNIQUE (provider_id, ip_address)
);
CREATE TABLE IF NOT EXISTS test_results (
	ip TEXT PRIMARY KEY,
	avg_latency DOUBLE PRECISION,
	std_deviation DOUBLE PRECISION,
	packet_loss DOUBLE PRECISION,
	download_speed DOUBLE PRECISION,
	is_locked BOOLEAN NOT NULL DEFAULT FALSE,
	is_delete BOOLEAN NOT NULL DEFAULT FALSE,
	test_time TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS configs (
	provider_id BIGINT PRIMARY KEY REFERENCES providers(id),
	config_data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS monitors (
	provider_id BIGINT PRIMARY KEY REFERENCES providers(id),
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);
`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres connects the pool, applies the schema and returns the store.
func NewPostgres(ctx context.Context, dsn string, logger log.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	s := &Postgres{pool: pool, logger: log.With(logger, "component", "store")}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) fail(err error, query string, args ...interface{}) error {
	level.Error(s.logger).Log("msg", "storage call failed", "query", query, "args", len(args), "err", err)
	return errors.Wrap(err, "storage")
}

func (s *Postgres) CreateProvider(ctx context.Context, p *Provider) error {
	const q = `INSERT INTO providers (name, api_url, logo_url) VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, p.Name, p.APIURL, p.LogoURL).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return s.fail(err, q, p.Name)
	}
	return nil
}

func (s *Postgres) UpdateProvider(ctx context.Context, p *Provider) error {
	const q = `UPDATE providers SET name = $2, api_url = $3, logo_url = $4, updated_at = now()
		WHERE id = $1 AND NOT deleted`
	tag, err := s.pool.Exec(ctx, q, p.ID, p.Name, p.APIURL, p.LogoURL)
	if err != nil {
		return s.fail(err, q, p.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SoftDeleteProvider(ctx context.Context, id int64) error {
	const q = `UPDATE providers SET deleted = TRUE, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return s.fail(err, q, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Provider(ctx context.Context, id int64) (*Provider, error) {
	const q = `SELECT id, name, api_url, logo_url, deleted, created_at, updated_at
		FROM providers WHERE id = $1 AND NOT deleted`
	var p Provider
	err := s.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.APIURL, &p.LogoURL, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(err, q, id)
	}
	return &p, nil
}

func (s *Postgres) Providers(ctx context.Context) ([]Provider, error) {
	const q = `SELECT id, name, api_url, logo_url, deleted, created_at, updated_at
		FROM providers WHERE NOT deleted ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, s.fail(err, q)
	}
	defer rows.Close()
	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.APIURL, &p.LogoURL, &p.Deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, s.fail(err, q)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) ReplaceRanges(ctx context.Context, providerID int64, source Source, ranges []IPRange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(err, "begin")
	}
	defer tx.Rollback(ctx)

	const del = `DELETE FROM ip_ranges WHERE provider_id = $1 AND source = $2`
	if _, err := tx.Exec(ctx, del, providerID, string(source)); err != nil {
		return s.fail(err, del, providerID, source)
	}
	const ins = `INSERT INTO ip_ranges (provider_id, start_ip, end_ip, cidr, source, ip_type)
		VALUES ($1, $2, $3, $4, $5, $6)`
	batch := &pgx.Batch{}
	for _, r := range ranges {
		batch.Queue(ins, providerID, r.StartIP.String(), r.EndIP.String(), r.CIDR, string(source), string(r.Family))
	}
	br := tx.SendBatch(ctx, batch)
	for range ranges {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return s.fail(err, ins, providerID)
		}
	}
	if err := br.Close(); err != nil {
		return s.fail(err, ins, providerID)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) RangesByProvider(ctx context.Context, providerID int64) ([]IPRange, error) {
	const q = `SELECT id, provider_id, start_ip, end_ip, cidr, source, ip_type
		FROM ip_ranges WHERE provider_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, providerID)
	if err != nil {
		return nil, s.fail(err, q, providerID)
	}
	defer rows.Close()
	var out []IPRange
	for rows.Next() {
		var (
			r          IPRange
			start, end string
			src, fam   string
		)
		if err := rows.Scan(&r.ID, &r.ProviderID, &start, &end, &r.CIDR, &src, &fam); err != nil {
			return nil, s.fail(err, q, providerID)
		}
		r.StartIP = net.ParseIP(start)
		r.EndIP = net.ParseIP(end)
		r.Source = Source(src)
		r.Family = iputil.Family(fam)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteAddresses(ctx context.Context, providerID int64) error {
	const q = `DELETE FROM ip_addresses WHERE provider_id = $1`
	if _, err := s.pool.Exec(ctx, q, providerID); err != nil {
		return s.fail(err, q, providerID)
	}
	return nil
}

func (s *Postgres) InsertAddresses(ctx context.Context, addrs []IPAddress) error {
	const ins = `INSERT INTO ip_addresses (provider_id, ip_address, ip_type) VALUES ($1, $2, $3)
		ON CONFLICT (provider_id, ip_address) DO NOTHING`
	batch := &pgx.Batch{}
	for _, a := range addrs {
		batch.Queue(ins, a.ProviderID, a.IP, string(a.Family))
	}
	br := s.pool.SendBatch(ctx, batch)
	for range addrs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return s.fail(err, ins)
		}
	}
	return br.Close()
}

func (s *Postgres) Addresses(ctx context.Context, providerID int64, family iputil.Family, limit int, randomize bool) ([]IPAddress, error) {
	q := `SELECT id, provider_id, ip_address, ip_type FROM ip_addresses WHERE provider_id = $1`
	args := []interface{}{providerID}
	if family != "" {
		q += ` AND ip_type = $2`
		args = append(args, string(family))
	}
	if randomize {
		q += ` ORDER BY random()`
	} else {
		q += ` ORDER BY id`
	}
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, s.fail(err, q, args...)
	}
	defer rows.Close()
	var out []IPAddress
	for rows.Next() {
		var (
			a   IPAddress
			fam string
		)
		if err := rows.Scan(&a.ID, &a.ProviderID, &a.IP, &fam); err != nil {
			return nil, s.fail(err, q)
		}
		a.Family = iputil.Family(fam)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CountAddresses(ctx context.Context, providerID int64) (int64, error) {
	const q = `SELECT count(*) FROM ip_addresses WHERE provider_id = $1`
	var n int64
	if err := s.pool.QueryRow(ctx, q, providerID).Scan(&n); err != nil {
		return 0, s.fail(err, q, providerID)
	}
	return n, nil
}

func (s *Postgres) UpsertLatency(ctx context.Context, ip string, avg, std, loss float64) error {
	const q = `INSERT INTO test_results (ip, avg_latency, std_deviation, packet_loss, test_time)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (ip) DO UPDATE SET
			avg_latency = EXCLUDED.avg_latency,
			std_deviation = EXCLUDED.std_deviation,
			packet_loss = EXCLUDED.packet_loss,
			test_time = EXCLUDED.test_time`
	if _, err := s.pool.Exec(ctx, q, ip, avg, std, loss); err != nil {
		return s.fail(err, q, ip)
	}
	return nil
}

func (s *Postgres) UpdateSpeed(ctx context.Context, ip string, speed float64) error {
	const q = `UPDATE test_results SET download_speed = $2, test_time = now() WHERE ip = $1`
	tag, err := s.pool.Exec(ctx, q, ip, speed)
	if err != nil {
		return s.fail(err, q, ip)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Result(ctx context.Context, ip string) (*TestResult, error) {
	const q = `SELECT ip, avg_latency, std_deviation, packet_loss, download_speed, is_locked, is_delete, test_time
		FROM test_results WHERE ip = $1`
	var r TestResult
	err := s.pool.QueryRow(ctx, q, ip).Scan(&r.IP, &r.AvgLatency, &r.StdDeviation, &r.PacketLoss,
		&r.DownloadSpeed, &r.IsLocked, &r.IsDelete, &r.TestTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(err, q, ip)
	}
	return &r, nil
}

func (s *Postgres) TopResults(ctx context.Context, n int) ([]TestResult, error) {
	const q = `SELECT ip, avg_latency, std_deviation, packet_loss, download_speed, is_locked, is_delete, test_time
		FROM test_results WHERE NOT is_delete
		ORDER BY avg_latency ASC NULLS LAST, packet_loss DESC, ip ASC
		LIMIT $1`
	rows, err := s.pool.Query(ctx, q, n)
	if err != nil {
		return nil, s.fail(err, q, n)
	}
	defer rows.Close()
	var out []TestResult
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.IP, &r.AvgLatency, &r.StdDeviation, &r.PacketLoss,
			&r.DownloadSpeed, &r.IsLocked, &r.IsDelete, &r.TestTime); err != nil {
			return nil, s.fail(err, q)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) BestResult(ctx context.Context) (*TestResult, error) {
	const q = `SELECT ip, avg_latency, std_deviation, packet_loss, download_speed, is_locked, is_delete, test_time
		FROM test_results WHERE NOT is_delete
		ORDER BY (download_speed IS NOT NULL) DESC, std_deviation ASC NULLS LAST, ip ASC
		LIMIT 1`
	var r TestResult
	err := s.pool.QueryRow(ctx, q).Scan(&r.IP, &r.AvgLatency, &r.StdDeviation, &r.PacketLoss,
		&r.DownloadSpeed, &r.IsLocked, &r.IsDelete, &r.TestTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail(err, q)
	}
	return &r, nil
}

func (s *Postgres) DeleteResult(ctx context.Context, ip string) error {
	const q = `DELETE FROM test_results WHERE ip = $1`
	if _, err := s.pool.Exec(ctx, q, ip); err != nil {
		return s.fail(err, q, ip)
	}
	return nil
}

func (s *Postgres) DeleteResultsOverGate(ctx context.Context, maxAvg, maxLoss float64) (int64, error) {
	const q = `DELETE FROM test_results WHERE avg_latency > $1 OR packet_loss > $2`
	tag, err := s.pool.Exec(ctx, q, maxAvg, maxLoss)
	if err != nil {
		return 0, s.fail(err, q, maxAvg, maxLoss)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) DeleteSpeedFailures(ctx context.Context) (int64, error) {
	const q = `DELETE FROM test_results WHERE download_speed = $1`
	tag, err := s.pool.Exec(ctx, q, float64(SpeedFailed))
	if err != nil {
		return 0, s.fail(err, q)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) SetLocked(ctx context.Context, ip string, locked bool) error {
	const q = `UPDATE test_results SET is_locked = $2 WHERE ip = $1`
	tag, err := s.pool.Exec(ctx, q, ip, locked)
	if err != nil {
		return s.fail(err, q, ip)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ProviderConfig(ctx context.Context, providerID int64) (*config.ProviderConfig, error) {
	const q = `SELECT config_data FROM configs WHERE provider_id = $1`
	var raw []byte
	err := s.pool.QueryRow(ctx, q, providerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return config.DefaultProviderConfig(), nil
	}
	if err != nil {
		return nil, s.fail(err, q, providerID)
	}
	var cfg config.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode provider config")
	}
	return &cfg, nil
}

func (s *Postgres) SetProviderConfig(ctx context.Context, providerID int64, cfg *config.ProviderConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode provider config")
	}
	const q = `INSERT INTO configs (provider_id, config_data) VALUES ($1, $2)
		ON CONFLICT (provider_id) DO UPDATE SET config_data = EXCLUDED.config_data`
	if _, err := s.pool.Exec(ctx, q, providerID, raw); err != nil {
		return s.fail(err, q, providerID)
	}
	return nil
}

func (s *Postgres) HasMonitor(ctx context.Context, providerID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM monitors WHERE provider_id = $1)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, providerID).Scan(&ok); err != nil {
		return false, s.fail(err, q, providerID)
	}
	return ok, nil
}

func (s *Postgres) SetMonitor(ctx context.Context, providerID int64, enabled bool) error {
	const q = `INSERT INTO monitors (provider_id, enabled) VALUES ($1, $2)
		ON CONFLICT (provider_id) DO UPDATE SET enabled = EXCLUDED.enabled`
	if _, err := s.pool.Exec(ctx, q, providerID, enabled); err != nil {
		return s.fail(err, q, providerID)
	}
	return nil
}

func (s *Postgres) MonitorEnabled(ctx context.Context, providerID int64) (bool, error) {
	const q = `SELECT enabled FROM monitors WHERE provider_id = $1`
	var enabled bool
	err := s.pool.QueryRow(ctx, q, providerID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(err, q, providerID)
	}
	return enabled, nil
}
