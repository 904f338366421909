package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
	logx "autoposter/pkg/logx"
)

// dialect hides the placeholder and column-type differences between backends.
// Queries are written with "?" and rebound per dialect.
type dialect interface {
	name() string
	rebind(q string) string
	encTime(t time.Time) any
	encBool(b bool) any
	newTime() timeDest
}

// timeDest scans a nullable timestamp column.
type timeDest interface {
	sql.Scanner
	get() (time.Time, bool)
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", d.name()))
	return &sqlStore{db: db, d: d, log: log, now: func() time.Time { return time.Now().UTC() }}
}

const scheduleCols = `id, seller_id, product_id, channel, cadence_kind, cadence_days, slot, is_active,
	last_posted_at, next_post_at, consecutive_failures, last_error, claimed_until, claimed_by, created_at, updated_at`

const productCols = `id, seller_id, title, description, price, category, product_type, image_path, image_url,
	likes_count, saves_count, orders_count, like_enabled, save_enabled, order_enabled,
	custom_button_text, custom_button_url, seller_name, seller_phone, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		out        schedule.Schedule
		kind, slot string
		lastErr    sql.NullString
		claimedBy  sql.NullString
		lastPosted = s.d.newTime()
		nextPost   = s.d.newTime()
		claimed    = s.d.newTime()
		created    = s.d.newTime()
		updated    = s.d.newTime()
	)
	err := r.Scan(&out.ID, &out.SellerID, &out.ProductID, &out.Channel, &kind, &out.Cadence.Days, &slot, &out.IsActive,
		lastPosted, nextPost, &out.ConsecutiveFailures, &lastErr, claimed, &claimedBy, created, updated)
	if err != nil {
		return schedule.Schedule{}, err
	}
	out.Cadence.Kind = schedule.CadenceKind(kind)
	// A bad slot is kept as an invalid value so the engine can report it per schedule.
	if sl, err := schedule.ParseSlot(slot); err == nil {
		out.Slot = sl
	} else {
		out.Slot = schedule.Slot(-1)
	}
	if t, ok := lastPosted.get(); ok {
		out.LastPostedAt = &t
	}
	out.NextPostAt, _ = nextPost.get()
	if t, ok := claimed.get(); ok {
		out.ClaimedUntil = &t
	}
	out.LastError = lastErr.String
	out.ClaimedBy = claimedBy.String
	out.CreatedAt, _ = created.get()
	out.UpdatedAt, _ = updated.get()
	return out, nil
}

func (s *sqlStore) querySchedules(ctx context.Context, op, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, unavailable(err, op)
	}
	defer rows.Close()

	out := make([]schedule.Schedule, 0)
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, unavailable(err, op)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, op)
	}
	return out, nil
}

// exec runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *sqlStore) exec(ctx context.Context, op, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return unavailable(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, op)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return nil
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	t := s.d.encTime(now)
	return s.querySchedules(ctx, "list due",
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE is_active = ? AND next_post_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)
		 ORDER BY next_post_at ASC, id ASC
		 LIMIT ?`,
		s.d.encBool(true), t, t, limit,
	)
}

func (s *sqlStore) TryClaim(ctx context.Context, id string, now time.Time, lease time.Duration, worker string) (bool, error) {
	t := s.d.encTime(now)
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE schedules SET claimed_until = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND is_active = ? AND next_post_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)`),
		s.d.encTime(now.Add(lease)), nullStr(worker), t,
		id, s.d.encBool(true), t, t,
	)
	if err != nil {
		return false, unavailable(err, "try claim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "try claim")
	}
	return n == 1, nil
}

// fencedExec runs a single-row update guarded by the claim holder. Zero
// affected rows is ErrNotFound when the row is gone and ErrLeaseLost otherwise.
func (s *sqlStore) fencedExec(ctx context.Context, op, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return unavailable(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, op)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM schedules WHERE id = ?`), id).Scan(&count); err != nil {
		return unavailable(err, op)
	}
	if count == 0 {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return errors.Wrapf(ErrLeaseLost, "schedule %s", id)
}

func (s *sqlStore) RecordSuccess(ctx context.Context, id, worker string, firedAt, nextPostAt time.Time) error {
	return s.fencedExec(ctx, "record success", id,
		`UPDATE schedules SET last_posted_at = ?, next_post_at = ?, consecutive_failures = 0, last_error = NULL,
		 claimed_until = NULL, claimed_by = NULL, updated_at = ?
		 WHERE id = ? AND COALESCE(claimed_by, '') = ?`,
		s.d.encTime(firedAt), s.d.encTime(nextPostAt), s.d.encTime(s.now()), id, worker,
	)
}

func (s *sqlStore) RecordFailure(ctx context.Context, id, worker string, failures int, deactivate bool, reason string) error {
	q := `UPDATE schedules SET consecutive_failures = ?, last_error = ?, claimed_until = NULL, claimed_by = NULL, updated_at = ?`
	args := []any{failures, nullStr(reason), s.d.encTime(s.now())}
	if deactivate {
		q += `, is_active = ?`
		args = append(args, s.d.encBool(false))
	}
	q += ` WHERE id = ? AND COALESCE(claimed_by, '') = ?`
	args = append(args, id, worker)
	return s.fencedExec(ctx, "record failure", id, q, args...)
}

func (s *sqlStore) Create(ctx context.Context, sc schedule.Schedule) error {
	now := s.now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	var lastPosted, claimed any
	if sc.LastPostedAt != nil {
		lastPosted = s.d.encTime(*sc.LastPostedAt)
	}
	if sc.ClaimedUntil != nil {
		claimed = s.d.encTime(*sc.ClaimedUntil)
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO schedules(`+scheduleCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sc.ID, sc.SellerID, sc.ProductID, sc.Channel, string(sc.Cadence.Kind), sc.Cadence.Days, sc.Slot.String(), s.d.encBool(sc.IsActive),
		lastPosted, s.d.encTime(sc.NextPostAt), sc.ConsecutiveFailures, nullStr(sc.LastError), claimed, nullStr(sc.ClaimedBy),
		s.d.encTime(sc.CreatedAt), s.d.encTime(now),
	)
	return unavailable(err, "create schedule")
}

func (s *sqlStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`), id)
	sc, err := s.scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return schedule.Schedule{}, unavailable(err, "get schedule")
	}
	return sc, nil
}

func (s *sqlStore) ListBySeller(ctx context.Context, sellerID string) ([]schedule.Schedule, error) {
	return s.querySchedules(ctx, "list by seller",
		`SELECT `+scheduleCols+` FROM schedules WHERE seller_id = ? ORDER BY next_post_at ASC, id ASC`, sellerID)
}

func (s *sqlStore) CountActiveBySeller(ctx context.Context, sellerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM schedules WHERE seller_id = ? AND is_active = ?`),
		sellerID, s.d.encBool(true)).Scan(&n)
	if err != nil {
		return 0, unavailable(err, "count active")
	}
	return n, nil
}

func (s *sqlStore) Deactivate(ctx context.Context, id string) error {
	return s.exec(ctx, "deactivate", id,
		`UPDATE schedules SET is_active = ?, updated_at = ? WHERE id = ?`,
		s.d.encBool(false), s.d.encTime(s.now()), id)
}

func (s *sqlStore) Reactivate(ctx context.Context, id string, nextPostAt time.Time) error {
	return s.exec(ctx, "reactivate", id,
		`UPDATE schedules SET is_active = ?, next_post_at = ?, consecutive_failures = 0, last_error = NULL,
		 claimed_until = NULL, claimed_by = NULL, updated_at = ?
		 WHERE id = ?`,
		s.d.encBool(true), s.d.encTime(nextPostAt), s.d.encTime(s.now()), id)
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete", id, `DELETE FROM schedules WHERE id = ?`, id)
}

func (s *sqlStore) PutProduct(ctx context.Context, p Product) error {
	if p.Type == "" {
		p.Type = ProductStandard
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO products(`+productCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   seller_id = excluded.seller_id, title = excluded.title, description = excluded.description,
		   price = excluded.price, category = excluded.category, product_type = excluded.product_type,
		   image_path = excluded.image_path, image_url = excluded.image_url,
		   likes_count = excluded.likes_count, saves_count = excluded.saves_count, orders_count = excluded.orders_count,
		   like_enabled = excluded.like_enabled, save_enabled = excluded.save_enabled, order_enabled = excluded.order_enabled,
		   custom_button_text = excluded.custom_button_text, custom_button_url = excluded.custom_button_url,
		   seller_name = excluded.seller_name, seller_phone = excluded.seller_phone, is_active = excluded.is_active`),
		p.ID, p.SellerID, p.Title, p.Description, p.Price, p.Category, p.Type, p.ImagePath, p.ImageURL,
		p.LikesCount, p.SavesCount, p.OrdersCount, s.d.encBool(p.LikeEnabled), s.d.encBool(p.SaveEnabled), s.d.encBool(p.OrderEnabled),
		p.CustomButtonText, p.CustomButtonURL, p.SellerName, p.SellerPhone, s.d.encBool(p.IsActive),
	)
	return unavailable(err, "put product")
}

func (s *sqlStore) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+productCols+` FROM products WHERE id = ?`), id).Scan(
		&p.ID, &p.SellerID, &p.Title, &p.Description, &p.Price, &p.Category, &p.Type, &p.ImagePath, &p.ImageURL,
		&p.LikesCount, &p.SavesCount, &p.OrdersCount, &p.LikeEnabled, &p.SaveEnabled, &p.OrderEnabled,
		&p.CustomButtonText, &p.CustomButtonURL, &p.SellerName, &p.SellerPhone, &p.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, errors.Wrapf(ErrNotFound, "product %s", id)
	}
	if err != nil {
		return Product{}, unavailable(err, "get product")
	}
	return p, nil
}

func (s *sqlStore) AppendChannelPost(ctx context.Context, p ChannelPost) error {
	if p.PostedAt.IsZero() {
		p.PostedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO channel_posts(product_id, schedule_id, channel, message_id, posted_at) VALUES(?,?,?,?,?)`),
		p.ProductID, nullStr(p.ScheduleID), p.Channel, p.MessageID, s.d.encTime(p.PostedAt),
	)
	return unavailable(err, "append channel post")
}

func (s *sqlStore) ListChannelPosts(ctx context.Context, productID string) ([]ChannelPost, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT product_id, schedule_id, channel, message_id, posted_at FROM channel_posts
		 WHERE product_id = ? ORDER BY posted_at ASC`), productID)
	if err != nil {
		return nil, unavailable(err, "list channel posts")
	}
	defer rows.Close()

	out := make([]ChannelPost, 0)
	for rows.Next() {
		var (
			p      ChannelPost
			sched  sql.NullString
			posted = s.d.newTime()
		)
		if err := rows.Scan(&p.ProductID, &sched, &p.Channel, &p.MessageID, posted); err != nil {
			return nil, unavailable(err, "list channel posts")
		}
		p.ScheduleID = sched.String
		p.PostedAt, _ = posted.get()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "list channel posts")
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn("store close failed", logx.Err(err))
		return err
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// rebindDollar turns "?" placeholders into "$1", "$2", ...
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
