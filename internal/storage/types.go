package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
)

var (
	// ErrStoreUnavailable marks any failure of the underlying persistence layer.
	// Callers treat it as transient.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
	// ErrLeaseLost means the row is no longer claimed by the writing worker,
	// usually because its lease expired and another worker took it.
	ErrLeaseLost = errors.New("lease lost")
	ErrDisabled         = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": process-local, for development and tests
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// ScheduleStore is the durable state the dispatcher works against.
// Every method is atomic per row.
type ScheduleStore interface {
	// ListDue returns active schedules with next_post_at <= now and no live lease,
	// oldest first, at most limit rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error)
	// TryClaim takes a lease until now+lease with a single conditional update.
	// It reports false when the row is leased, inactive or no longer due.
	TryClaim(ctx context.Context, id string, now time.Time, lease time.Duration, worker string) (bool, error)
	// RecordSuccess and RecordFailure only write while worker still holds the
	// claim (an empty worker matches an unclaimed row) and fail with
	// ErrLeaseLost otherwise. Both release the lease.
	RecordSuccess(ctx context.Context, id, worker string, firedAt, nextPostAt time.Time) error
	// RecordFailure stores the failure count and reason. next_post_at is never touched.
	RecordFailure(ctx context.Context, id, worker string, failures int, deactivate bool, reason string) error
}

// Catalog is the read-only product view needed to render a post.
type Catalog interface {
	Product(ctx context.Context, id string) (Product, error)
}

// Store is the full persistence API.
type Store interface {
	ScheduleStore
	Catalog

	Create(ctx context.Context, s schedule.Schedule) error
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	ListBySeller(ctx context.Context, sellerID string) ([]schedule.Schedule, error)
	CountActiveBySeller(ctx context.Context, sellerID string) (int, error)
	Deactivate(ctx context.Context, id string) error
	// Reactivate resumes a schedule at nextPostAt with a clean failure counter.
	Reactivate(ctx context.Context, id string, nextPostAt time.Time) error
	Delete(ctx context.Context, id string) error

	PutProduct(ctx context.Context, p Product) error
	AppendChannelPost(ctx context.Context, p ChannelPost) error
	ListChannelPosts(ctx context.Context, productID string) ([]ChannelPost, error)

	Close() error
}

const (
	ProductStandard          = "standard"
	ProductCustomDescription = "custom_description"
)

// Product is the subset of a seller's product used to render a channel post.
type Product struct {
	ID          string
	SellerID    string
	Title       string
	Description string
	Price       float64
	Category    string
	Type        string // ProductStandard or ProductCustomDescription

	ImagePath string
	ImageURL  string

	LikesCount  int
	SavesCount  int
	OrdersCount int

	LikeEnabled  bool
	SaveEnabled  bool
	OrderEnabled bool

	CustomButtonText string
	CustomButtonURL  string

	SellerName  string
	SellerPhone string

	IsActive bool
}

// ChannelPost records a message published to a channel so it can be edited later.
type ChannelPost struct {
	ProductID  string
	ScheduleID string
	Channel    string
	MessageID  int
	PostedAt   time.Time
}

func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "storage: %s", op), ErrStoreUnavailable)
}
